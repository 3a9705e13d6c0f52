package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
)

// DatabaseManager handles schema setup
type DatabaseManager struct {
	db *sql.DB
}

// NewDatabaseManager creates a new database manager
func NewDatabaseManager(db *sql.DB) *DatabaseManager {
	return &DatabaseManager{db: db}
}

// ConnectPostgresWithTimeout creates a PostgreSQL connection with a timeout context
func ConnectPostgresWithTimeout(cfg *config.Config, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// schema is applied in order. owner_id is the identity provider's subject and
// is not necessarily a uuid.
var schema = []string{
	`
		CREATE TABLE IF NOT EXISTS projects (
			project_id  UUID PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`,
	`
		CREATE TABLE IF NOT EXISTS devices (
			device_id            UUID PRIMARY KEY,
			project_id           UUID NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
			name                 TEXT NOT NULL,
			provisioning_token   TEXT NOT NULL UNIQUE,
			is_provisioned       BOOLEAN NOT NULL DEFAULT false,
			broker_username      TEXT,
			broker_password_hash TEXT,
			hardware_descriptor  TEXT,
			mac_address          TEXT,
			firmware_version     TEXT,
			provisioned_at       TIMESTAMPTZ,
			token_regenerated_at TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT devices_credentials_match_state CHECK (
				(is_provisioned AND broker_username IS NOT NULL AND broker_password_hash IS NOT NULL AND provisioned_at IS NOT NULL)
				OR (NOT is_provisioned AND broker_password_hash IS NULL)
			)
		);
	`,
	`
		CREATE TABLE IF NOT EXISTS channels (
			channel_id  UUID PRIMARY KEY,
			device_id   UUID NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			key         TEXT NOT NULL,
			data_type   TEXT NOT NULL CHECK (data_type IN ('number', 'string', 'boolean', 'json')),
			unit        TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (device_id, key)
		);
	`,
	`
		CREATE INDEX IF NOT EXISTS idx_projects_owner_created ON projects (owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_devices_project_created ON devices (project_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_devices_broker_username ON devices (broker_username) WHERE is_provisioned;
	`,
}

// CreateTables creates the required tables if they don't exist
func (dm *DatabaseManager) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, query := range schema {
		if _, err := dm.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}
