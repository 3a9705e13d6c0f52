package implementation

import (
	"database/sql"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// PostgresUserStores hands out identity-scoped stores over one connection pool
type PostgresUserStores struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresUserStores(db *sql.DB, timeout time.Duration) *PostgresUserStores {
	return &PostgresUserStores{db: db, timeout: timeout}
}

// ForIdentity returns a store that only sees rows owned by identity
func (f *PostgresUserStores) ForIdentity(identity mqtmodels.Identity) interfaces.UserStore {
	return &postgresUserStore{db: f.db, timeout: f.timeout, identity: identity}
}

type postgresUserStore struct {
	db       *sql.DB
	timeout  time.Duration
	identity mqtmodels.Identity
}

func (s *postgresUserStore) Identity() mqtmodels.Identity {
	return s.identity
}

func (s *postgresUserStore) Projects() interfaces.ProjectRepository {
	return &PostgresProjectRepository{db: s.db, timeout: s.timeout, ownerID: s.identity.UserID}
}

func (s *postgresUserStore) Devices() interfaces.DeviceRepository {
	return &PostgresDeviceRepository{db: s.db, timeout: s.timeout, ownerID: s.identity.UserID}
}

func (s *postgresUserStore) Channels() interfaces.ChannelRepository {
	return &PostgresChannelRepository{db: s.db, timeout: s.timeout, ownerID: s.identity.UserID}
}
