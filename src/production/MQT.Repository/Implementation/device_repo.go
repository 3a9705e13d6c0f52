package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// user-scoped reads never select provisioning_token or broker_password_hash
const deviceColumns = `d.device_id, d.project_id, d.name, d.is_provisioned, d.broker_username,
	d.hardware_descriptor, d.mac_address, d.firmware_version, d.provisioned_at,
	d.token_regenerated_at, d.created_at, d.updated_at`

type PostgresDeviceRepository struct {
	db      *sql.DB
	timeout time.Duration
	ownerID string
}

func scanDevice(row rowScanner) (*mqtmodels.Device, error) {
	var d mqtmodels.Device
	err := row.Scan(&d.DeviceID, &d.ProjectID, &d.Name, &d.IsProvisioned, &d.BrokerUsername,
		&d.HardwareDescriptor, &d.MacAddress, &d.FirmwareVersion, &d.ProvisionedAt,
		&d.TokenRegeneratedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create device under a project owned by the caller
func (r *PostgresDeviceRepository) Create(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	now := time.Now().UTC()
	device.DeviceID = uuid.New().String()
	device.IsProvisioned = false
	device.BrokerUsername = nil
	device.BrokerPasswordHash = nil
	device.ProvisionedAt = nil
	device.TokenRegeneratedAt = nil
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (device_id, project_id, name, provisioning_token, is_provisioned,
			hardware_descriptor, mac_address, firmware_version, created_at, updated_at)
		SELECT $1, p.project_id, $3, $4, false, $5, $6, $7, $8, $8
		FROM projects p
		WHERE p.project_id = $2 AND p.owner_id = $9
	`

	result, err := r.db.ExecContext(ctx, query, device.DeviceID, device.ProjectID, device.Name,
		device.ProvisioningToken, device.HardwareDescriptor, device.MacAddress, device.FirmwareVersion,
		now, r.ownerID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, interfaces.ErrTokenCollision
		}
		return nil, mapDBError("create device", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, mapDBError("create device", err)
	}
	if rowsAffected == 0 {
		return nil, apperr.ErrNotFound
	}

	return &device, nil
}

// Read devices
func (r *PostgresDeviceRepository) Get(ctx context.Context, deviceID string) (*mqtmodels.Device, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + deviceColumns + `
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.device_id = $1 AND p.owner_id = $2`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID, r.ownerID))
	if err != nil {
		return nil, mapDBError("get device", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) ListByProject(ctx context.Context, projectID string, page, pageSize int) (*interfaces.PaginationResult, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE project_id = $1 AND owner_id = $2`,
		projectID, r.ownerID).Scan(&exists)
	if err != nil {
		return nil, mapDBError("list devices", err)
	}

	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize
	query := `SELECT ` + deviceColumns + `
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.project_id = $1 AND p.owner_id = $2
		ORDER BY d.created_at DESC LIMIT $3 OFFSET $4`

	rows, err := r.db.QueryContext(ctx, query, projectID, r.ownerID, pageSize, offset)
	if err != nil {
		return nil, mapDBError("list devices", err)
	}
	defer rows.Close()

	devices := make([]mqtmodels.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, mapDBError("list devices", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, mapDBError("list devices", err)
	}

	result := &interfaces.PaginationResult{Items: devices}
	if len(devices) == pageSize {
		nextPage := page + 1
		result.NextPage = &nextPage
	}
	return result, nil
}

// Update device metadata
func (r *PostgresDeviceRepository) Update(ctx context.Context, deviceID string, patch mqtmodels.DevicePatch) (*mqtmodels.Device, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE devices d
		SET name = COALESCE($3, d.name),
			hardware_descriptor = COALESCE($4, d.hardware_descriptor),
			mac_address = COALESCE($5, d.mac_address),
			firmware_version = COALESCE($6, d.firmware_version),
			updated_at = $7
		FROM projects p
		WHERE p.project_id = d.project_id AND d.device_id = $1 AND p.owner_id = $2
		RETURNING ` + deviceColumns

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID, r.ownerID,
		patch.Name, patch.HardwareDescriptor, patch.MacAddress, patch.FirmwareVersion, time.Now().UTC()))
	if err != nil {
		return nil, mapDBError("update device", err)
	}
	return device, nil
}

// lockDevice locks an owned device row inside tx and returns its broker
// account, nil when the device is not provisioned
func (r *PostgresDeviceRepository) lockDevice(ctx context.Context, tx *sql.Tx, deviceID string) (*mqtmodels.BrokerAccount, error) {
	lockQuery := `
		SELECT d.broker_username
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.device_id = $1 AND p.owner_id = $2
		FOR UPDATE OF d
	`
	var username *string
	if err := tx.QueryRowContext(ctx, lockQuery, deviceID, r.ownerID).Scan(&username); err != nil {
		return nil, err
	}
	if username == nil {
		return nil, nil
	}
	return &mqtmodels.BrokerAccount{DeviceID: deviceID, OwnerID: r.ownerID, Username: *username}, nil
}

// RegenerateToken starts a new provisioning epoch
func (r *PostgresDeviceRepository) RegenerateToken(ctx context.Context, deviceID, token string, at time.Time, release interfaces.ReleaseFunc) (*mqtmodels.Device, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapDBError("regenerate token", err)
	}
	defer tx.Rollback()

	account, err := r.lockDevice(ctx, tx, deviceID)
	if err != nil {
		return nil, mapDBError("regenerate token", err)
	}
	if account != nil {
		if err := release(ctx, *account); err != nil {
			return nil, err
		}
	}

	updateQuery := `
		UPDATE devices d
		SET provisioning_token = $2,
			is_provisioned = false,
			broker_username = NULL,
			broker_password_hash = NULL,
			provisioned_at = NULL,
			token_regenerated_at = $3,
			updated_at = $3
		WHERE d.device_id = $1
		RETURNING ` + deviceColumns

	device, err := scanDevice(tx.QueryRowContext(ctx, updateQuery, deviceID, token, at))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, interfaces.ErrTokenCollision
		}
		return nil, mapDBError("regenerate token", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapDBError("regenerate token", fmt.Errorf("commit: %w", err))
	}

	device.ProvisioningToken = token
	return device, nil
}

// Delete device
func (r *PostgresDeviceRepository) Delete(ctx context.Context, deviceID string, release interfaces.ReleaseFunc) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapDBError("delete device", err)
	}
	defer tx.Rollback()

	account, err := r.lockDevice(ctx, tx, deviceID)
	if err != nil {
		return mapDBError("delete device", err)
	}
	if account != nil {
		if err := release(ctx, *account); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID); err != nil {
		return mapDBError("delete device", err)
	}

	if err := tx.Commit(); err != nil {
		return mapDBError("delete device", fmt.Errorf("commit: %w", err))
	}
	return nil
}
