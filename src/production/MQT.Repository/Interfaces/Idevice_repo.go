package interfaces

import (
	"context"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

type DeviceRepository interface {
	// Create device. Fails with ErrTokenCollision when the token is already taken
	// and with not found when the project is not owned by the caller.
	Create(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error)

	// Read devices
	Get(ctx context.Context, deviceID string) (*mqtmodels.Device, error)
	ListByProject(ctx context.Context, projectID string, page, pageSize int) (*PaginationResult, error)

	// Update device metadata
	Update(ctx context.Context, deviceID string, patch mqtmodels.DevicePatch) (*mqtmodels.Device, error)

	// RegenerateToken rotates the provisioning token and clears the broker
	// credentials. If the device was provisioned, release runs first with the
	// ending epoch's account and its error aborts the rotation.
	RegenerateToken(ctx context.Context, deviceID, token string, at time.Time, release ReleaseFunc) (*mqtmodels.Device, error)

	// Delete device, cascading to its channels. release runs for the
	// device's broker account, if any, before the row goes.
	Delete(ctx context.Context, deviceID string, release ReleaseFunc) error
}
