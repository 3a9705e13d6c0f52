package identity

import (
	"context"
	"fmt"

	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

// Verifier validates a bearer token issued by the identity provider
type Verifier interface {
	Verify(ctx context.Context, token string) (mqtmodels.Identity, error)
}

// NewVerifier builds the verifier selected by cfg.Mode
func NewVerifier(cfg config.IdentityConfig, log *logger.Logger) (Verifier, error) {
	switch cfg.Mode {
	case "jwt":
		return NewJWTVerifier(cfg), nil
	case "remote":
		return NewRemoteVerifier(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported identity mode %q", cfg.Mode)
	}
}
