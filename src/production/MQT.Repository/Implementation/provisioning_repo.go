package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// PostgresSystemStore bypasses owner scoping. Only provisioning and the
// broker auth hooks hold one.
type PostgresSystemStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresSystemStore(db *sql.DB, timeout time.Duration) *PostgresSystemStore {
	return &PostgresSystemStore{db: db, timeout: timeout}
}

// ProvisionDevice locks the device row for the token, lets fn decide the
// credentials, and writes them only if the device is still unprovisioned
func (s *PostgresSystemStore) ProvisionDevice(ctx context.Context, token string, fn interfaces.ProvisionFunc) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapDBError("provision device", err)
	}
	defer tx.Rollback()

	lockQuery := `
		SELECT d.device_id, d.project_id, p.owner_id, d.name, d.is_provisioned, d.broker_username
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.provisioning_token = $1
		FOR UPDATE OF d
	`

	var target mqtmodels.ProvisioningTarget
	err = tx.QueryRowContext(ctx, lockQuery, token).Scan(&target.DeviceID, &target.ProjectID,
		&target.OwnerID, &target.Name, &target.IsProvisioned, &target.BrokerUsername)
	if err == sql.ErrNoRows {
		return apperr.ErrUnknownToken
	}
	if err != nil {
		return mapDBError("provision device", err)
	}

	update, err := fn(ctx, target)
	if err != nil {
		return err
	}

	updateQuery := `
		UPDATE devices
		SET broker_username = $2,
			broker_password_hash = $3,
			mac_address = COALESCE($4, mac_address),
			firmware_version = COALESCE($5, firmware_version),
			is_provisioned = true,
			provisioned_at = $6,
			updated_at = $6
		WHERE device_id = $1 AND is_provisioned = false
	`
	result, err := tx.ExecContext(ctx, updateQuery, target.DeviceID, update.BrokerUsername,
		update.BrokerPasswordHash, update.MacAddress, update.FirmwareVersion, update.ProvisionedAt)
	if err != nil {
		return mapDBError("provision device", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return mapDBError("provision device", err)
	}
	if rowsAffected == 0 {
		return apperr.ErrAlreadyProvisioned
	}

	if err := tx.Commit(); err != nil {
		return mapDBError("provision device", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// FindBrokerAccounts looks up provisioned credentials by broker username
func (s *PostgresSystemStore) FindBrokerAccounts(ctx context.Context, username string) ([]mqtmodels.BrokerAccount, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT d.device_id, p.owner_id, d.broker_username, d.broker_password_hash
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.broker_username = $1 AND d.is_provisioned = true
	`
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, mapDBError("find broker account", err)
	}
	defer rows.Close()

	accounts := make([]mqtmodels.BrokerAccount, 0, 1)
	for rows.Next() {
		var account mqtmodels.BrokerAccount
		if err := rows.Scan(&account.DeviceID, &account.OwnerID, &account.Username, &account.PasswordHash); err != nil {
			return nil, mapDBError("find broker account", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, mapDBError("find broker account", err)
	}
	return accounts, nil
}

// Ping checks the database is reachable
func (s *PostgresSystemStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Unavailable("database unreachable", err)
	}
	return nil
}
