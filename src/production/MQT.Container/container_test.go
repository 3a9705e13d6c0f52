package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Database:    config.DatabaseConfig{Driver: "memory", Timeout: time.Second},
		Identity:    config.IdentityConfig{Mode: "jwt", JWTSecretKey: "s", Timeout: time.Second},
		Broker:      config.BrokerConfig{Registrar: "none", PublicHost: "mqtt.local", PublicPort: 1883, Timeout: time.Second},
		Audit:       config.AuditConfig{Sink: "log"},
		Credentials: config.CredentialsConfig{HashTime: 1, HashMemoryKiB: 1024, HashThreads: 1},
	}
}

func TestInitialize_MemoryStack(t *testing.T) {
	c := newContainer(memoryConfig(), logger.NewNopLogger())
	require.NoError(t, c.Initialize(context.Background()))

	assert.NotNil(t, c.ProvisioningService())
	assert.NotNil(t, c.Verifier())
	assert.IsType(t, &broker.NoopRegistrar{}, c.registrar)
	assert.Empty(t, c.ReadinessChecks())
	assert.NoError(t, c.SystemStore().Ping(context.Background()))

	store := c.UserStores().ForIdentity(mqtmodels.Identity{UserID: "u1"})
	assert.Equal(t, "u1", store.Identity().UserID)
}

func TestInitialize_UnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database.Driver = "sqlite"
	c := newContainer(cfg, logger.NewNopLogger())
	assert.Error(t, c.Initialize(context.Background()))
}

func TestShutdown_RunsCleanupInReverse(t *testing.T) {
	c := newContainer(memoryConfig(), logger.NewNopLogger())
	var order []int
	c.AddCleanupFunc(func() error { order = append(order, 1); return nil })
	c.AddCleanupFunc(func() error { order = append(order, 2); return nil })

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []int{2, 1}, order)
}
