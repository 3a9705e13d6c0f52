package interfaces

import (
	"context"
	"errors"

	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

// ErrTokenCollision is returned when a generated provisioning token already exists
var ErrTokenCollision = errors.New("provisioning token collision")

// UserStore is data access bound to one verified identity.
// Rows owned by other identities are invisible through it.
type UserStore interface {
	Identity() mqtmodels.Identity
	Projects() ProjectRepository
	Devices() DeviceRepository
	Channels() ChannelRepository
}

// UserStoreFactory is constructed once per process and hands out
// identity-scoped stores per request
type UserStoreFactory interface {
	ForIdentity(identity mqtmodels.Identity) UserStore
}

// ProvisionFunc decides, while the device row is locked, what to write.
// Returning an error aborts the transaction without writing.
type ProvisionFunc func(ctx context.Context, target mqtmodels.ProvisioningTarget) (*mqtmodels.ProvisioningUpdate, error)

// ReleaseFunc revokes a broker account while the device row is locked.
// Returning an error aborts the change.
type ReleaseFunc func(ctx context.Context, account mqtmodels.BrokerAccount) error

// SystemStore is privileged data access for flows that authenticate devices
// or brokers rather than users. It must never be handed to user-scoped handlers.
type SystemStore interface {
	// ProvisionDevice resolves the device by token, runs fn with the row
	// serialized against concurrent provisioning, and persists the update
	// only while the device is still unprovisioned.
	ProvisionDevice(ctx context.Context, token string, fn ProvisionFunc) error

	// FindBrokerAccounts returns the credentials of provisioned devices holding
	// username. Usernames are derived from truncated ids so more than one
	// device may share one.
	FindBrokerAccounts(ctx context.Context, username string) ([]mqtmodels.BrokerAccount, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error
}
