package implementation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

const channelColumns = `c.channel_id, c.device_id, c.name, c.key, c.data_type, c.unit, c.created_at`

type PostgresChannelRepository struct {
	db      *sql.DB
	timeout time.Duration
	ownerID string
}

func scanChannel(row rowScanner) (*mqtmodels.Channel, error) {
	var c mqtmodels.Channel
	if err := row.Scan(&c.ChannelID, &c.DeviceID, &c.Name, &c.Key, &c.DataType, &c.Unit, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Create channel
func (r *PostgresChannelRepository) Create(ctx context.Context, channel mqtmodels.Channel) (*mqtmodels.Channel, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	channel.ChannelID = uuid.New().String()
	channel.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO channels (channel_id, device_id, name, key, data_type, unit, created_at)
		SELECT $1, d.device_id, $3, $4, $5, $6, $7
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE d.device_id = $2 AND p.owner_id = $8
	`

	result, err := r.db.ExecContext(ctx, query, channel.ChannelID, channel.DeviceID, channel.Name,
		channel.Key, channel.DataType, channel.Unit, channel.CreatedAt, r.ownerID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "channel key already exists on this device")
		}
		return nil, mapDBError("create channel", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, mapDBError("create channel", err)
	}
	if rowsAffected == 0 {
		return nil, apperr.ErrNotFound
	}

	return &channel, nil
}

// Read channels
func (r *PostgresChannelRepository) ListByDevice(ctx context.Context, deviceID string) ([]mqtmodels.Channel, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var exists int
	ownerQuery := `SELECT 1 FROM devices d JOIN projects p ON p.project_id = d.project_id WHERE d.device_id = $1 AND p.owner_id = $2`
	if err := r.db.QueryRowContext(ctx, ownerQuery, deviceID, r.ownerID).Scan(&exists); err != nil {
		return nil, mapDBError("list channels", err)
	}

	query := `SELECT ` + channelColumns + ` FROM channels c WHERE c.device_id = $1 ORDER BY c.created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, mapDBError("list channels", err)
	}
	defer rows.Close()

	channels := make([]mqtmodels.Channel, 0)
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, mapDBError("list channels", err)
		}
		channels = append(channels, *channel)
	}
	if err := rows.Err(); err != nil {
		return nil, mapDBError("list channels", err)
	}
	return channels, nil
}

// Update channel
func (r *PostgresChannelRepository) Update(ctx context.Context, channelID string, patch mqtmodels.ChannelPatch) (*mqtmodels.Channel, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE channels c
		SET name = COALESCE($3, c.name), unit = COALESCE($4, c.unit)
		FROM devices d JOIN projects p ON p.project_id = d.project_id
		WHERE c.device_id = d.device_id AND c.channel_id = $1 AND p.owner_id = $2
		RETURNING ` + channelColumns

	channel, err := scanChannel(r.db.QueryRowContext(ctx, query, channelID, r.ownerID, patch.Name, patch.Unit))
	if err != nil {
		return nil, mapDBError("update channel", err)
	}
	return channel, nil
}

// Delete channel
func (r *PostgresChannelRepository) Delete(ctx context.Context, channelID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		DELETE FROM channels c
		USING devices d, projects p
		WHERE c.device_id = d.device_id AND p.project_id = d.project_id
			AND c.channel_id = $1 AND p.owner_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, channelID, r.ownerID)
	if err != nil {
		return mapDBError("delete channel", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return mapDBError("delete channel", err)
	}
	if rowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
