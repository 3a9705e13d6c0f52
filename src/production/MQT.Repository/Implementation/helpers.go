package implementation

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqInvalidTextRepr     = "22P02"
	pqConnectionException = "08"
	defaultQueryTimeout   = 5 * time.Second
	defaultPageSize       = 10
	maxPageSize           = 100
)

// mapDBError translates driver errors into application errors
func mapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable(op+" timed out", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation:
			return apperr.Wrap(apperr.KindConflict, "resource already exists", err)
		case pqErr.Code == pqForeignKeyViolation:
			// parent project deleted concurrently
			return apperr.ErrNotFound
		case pqErr.Code == pqInvalidTextRepr:
			// malformed uuid in a lookup
			return apperr.ErrNotFound
		case string(pqErr.Code.Class()) == pqConnectionException:
			return apperr.Unavailable(op+" failed", err)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return apperr.Unavailable(op+" failed", err)
	}

	return apperr.Internal(op+" failed", err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// withTimeout bounds a store call
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}
