package container

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/controllers"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/health"
	identity "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/implementation/identity"
	audit "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Audit"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	credentials "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Credentials"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	provisioning "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Provisioning"
	implementation "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
	memory "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Memory"
)

const connectTimeout = 20 * time.Second

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger
	db     *sql.DB

	databaseManager *health.DatabaseManager

	userStores  interfaces.UserStoreFactory
	systemStore interfaces.SystemStore
	verifier    identity.Verifier
	registrar   broker.Registrar
	auditSink   audit.Sink
	service     *provisioning.Service

	// Optional dependencies reported by the readiness endpoint
	readinessChecks map[string]controllers.Pinger

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Cleanup functions
	cleanupFuncs []func() error
}

// ApiContainer manages dependencies for the API service
type ApiContainer struct {
	*Container
}

// NewApiContainer loads configuration and the logger. Dependencies are
// built by Initialize.
func NewApiContainer() (*ApiContainer, error) {
	cfg, err := config.LoadApiConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load API configuration: %w", err)
	}

	log := logger.NewLogger(&cfg.Logging).WithService("device-api")
	logger.SetGlobalLogger(log)

	return &ApiContainer{Container: newContainer(cfg, log)}, nil
}

func newContainer(cfg *config.Config, log *logger.Logger) *Container {
	return &Container{
		config:          cfg,
		logger:          log,
		readinessChecks: make(map[string]controllers.Pinger),
	}
}

// Initialize connects the store, registrar and audit sink and builds the
// provisioning service
func (c *Container) Initialize(ctx context.Context) error {
	if err := c.initStores(ctx); err != nil {
		return err
	}

	verifier, err := identity.NewVerifier(c.config.Identity, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create identity verifier: %w", err)
	}
	c.verifier = verifier

	if err := c.initRegistrar(ctx); err != nil {
		return err
	}
	if err := c.initAuditSink(ctx); err != nil {
		return err
	}

	creds := c.config.Credentials
	c.service = provisioning.NewService(provisioning.Options{
		System:    c.systemStore,
		Registrar: c.registrar,
		Hasher: credentials.NewHasher(credentials.HashParams{
			Time:    creds.HashTime,
			Memory:  creds.HashMemoryKiB,
			Threads: creds.HashThreads,
			KeyLen:  creds.HashKeyLen,
		}),
		Audit: c.auditSink,
		Endpoint: provisioning.BrokerEndpoint{
			Host:   c.config.Broker.PublicHost,
			Port:   c.config.Broker.PublicPort,
			UseTLS: c.config.Broker.PublicTLS,
		},
		BrokerTimeout: c.config.Broker.Timeout,
		Logger:        c.logger,
	})

	c.logger.Logger.Info().
		Str("store", c.config.Database.Driver).
		Str("identity", c.config.Identity.Mode).
		Str("registrar", c.config.Broker.Registrar).
		Str("audit", c.config.Audit.Sink).
		Msg("Container initialized")
	return nil
}

func (c *Container) initStores(ctx context.Context) error {
	switch c.config.Database.Driver {
	case "memory":
		store := memory.NewStore()
		c.userStores = store.Users()
		c.systemStore = store.System()
		c.logger.Warn("Using in-memory store, data is lost on restart")
		return nil
	case "postgres":
		if err := c.InitializeDatabase(ctx); err != nil {
			return err
		}
		db, err := c.GetDatabase()
		if err != nil {
			return err
		}
		c.userStores = implementation.NewPostgresUserStores(db, c.config.Database.Timeout)
		c.systemStore = implementation.NewPostgresSystemStore(db, c.config.Database.Timeout)
		return nil
	default:
		return fmt.Errorf("unsupported database driver %q", c.config.Database.Driver)
	}
}

func (c *Container) initRegistrar(ctx context.Context) error {
	if c.config.Broker.Registrar != "dynsec" {
		c.registrar = broker.NewNoopRegistrar(c.logger)
		return nil
	}

	registrar, err := broker.NewDynSecRegistrar(c.config.Broker, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create broker registrar: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	c.logger.Info("Connecting to broker admin at " + c.config.GetMQTTBrokerURL())
	if err := registrar.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect broker registrar: %w", err)
	}

	c.registrar = registrar
	c.readinessChecks["broker"] = registrar
	c.AddCleanupFunc(func() error {
		registrar.Close()
		return nil
	})
	return nil
}

func (c *Container) initAuditSink(ctx context.Context) error {
	if c.config.Audit.Sink != "mongo" {
		c.auditSink = audit.NewLogSink(c.logger)
		return nil
	}

	client, err := audit.ConnectMongoWithTimeout(c.config.Audit.MongoURI, connectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect audit store: %w", err)
	}
	c.AddCleanupFunc(func() error {
		return client.Disconnect(context.Background())
	})

	coll := client.Database(c.config.Audit.MongoDatabase).Collection(c.config.Audit.MongoCollection)
	sink := audit.NewMongoSink(coll, c.config.Audit.Timeout, c.config.Audit.Retention)
	if err := sink.EnsureIndexes(ctx); err != nil {
		c.logger.ErrorWithError(err, "Failed to create audit indexes")
	}

	c.auditSink = sink
	c.readinessChecks["audit"] = sink
	return nil
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetDatabase returns the database connection
func (c *Container) GetDatabase() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		db, err := health.ConnectPostgresWithTimeout(c.config, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
	}

	return c.db, nil
}

// GetDatabaseManager returns the database manager
func (c *Container) GetDatabaseManager() (*health.DatabaseManager, error) {
	c.mu.Lock()
	if c.databaseManager != nil {
		c.mu.Unlock()
		return c.databaseManager, nil
	}
	c.mu.Unlock()

	// Get database without holding the lock to avoid deadlock
	db, err := c.GetDatabase()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for database manager: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.databaseManager == nil {
		c.databaseManager = health.NewDatabaseManager(db)
	}

	return c.databaseManager, nil
}

// InitializeDatabase initializes the database and creates tables
func (c *Container) InitializeDatabase(ctx context.Context) error {
	dbManager, err := c.GetDatabaseManager()
	if err != nil {
		return fmt.Errorf("failed to get database manager: %w", err)
	}

	if err := dbManager.CreateTables(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	c.logger.Info("Database initialized successfully")
	return nil
}

// UserStores returns the factory of identity-scoped stores
func (c *Container) UserStores() interfaces.UserStoreFactory {
	return c.userStores
}

// SystemStore returns the privileged store. Only provisioning, broker auth
// and health checks may use it.
func (c *Container) SystemStore() interfaces.SystemStore {
	return c.systemStore
}

// Verifier returns the identity verifier
func (c *Container) Verifier() identity.Verifier {
	return c.verifier
}

// ProvisioningService returns the provisioning service
func (c *Container) ProvisioningService() *provisioning.Service {
	return c.service
}

// ReadinessChecks returns the optional dependencies reported by /health/ready
func (c *Container) ReadinessChecks() map[string]controllers.Pinger {
	return c.readinessChecks
}

// Shutdown gracefully shuts down the container and all its dependencies
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	// Execute cleanup functions in reverse order
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.ErrorWithError(err, "Error closing database connection")
		}
	}

	c.logger.Info("Container shutdown complete")
	return nil
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
