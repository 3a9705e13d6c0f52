package broker

import (
	"context"

	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
)

// Registrar creates and removes device accounts on the MQTT broker
type Registrar interface {
	// CreateAccount fails with ErrUsernameTaken when username belongs to
	// another device
	CreateAccount(ctx context.Context, username, password, deviceID string) error
	RevokeAccount(ctx context.Context, username, deviceID string) error
}

// NoopRegistrar is used when the broker authenticates devices through the
// HTTP auth hooks instead of its own account list
type NoopRegistrar struct {
	logger *logger.Logger
}

func NewNoopRegistrar(log *logger.Logger) *NoopRegistrar {
	return &NoopRegistrar{logger: log.WithComponent("registrar")}
}

func (r *NoopRegistrar) CreateAccount(ctx context.Context, username, password, deviceID string) error {
	r.logger.Logger.Debug().Str("username", username).Str("device_id", deviceID).Msg("broker account creation skipped")
	return nil
}

func (r *NoopRegistrar) RevokeAccount(ctx context.Context, username, deviceID string) error {
	r.logger.Logger.Debug().Str("username", username).Str("device_id", deviceID).Msg("broker account revocation skipped")
	return nil
}
