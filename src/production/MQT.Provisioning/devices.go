package provisioning

import (
	"context"
	"errors"

	audit "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Audit"
	credentials "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Credentials"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// maxTokenAttempts bounds retries when a fresh token hits the unique index
const maxTokenAttempts = 3

// NewDeviceInput holds the caller supplied fields of a new device
type NewDeviceInput struct {
	ProjectID          string
	Name               string
	HardwareDescriptor *string
	MacAddress         *string
	FirmwareVersion    *string
}

// CreateDevice creates a device with a fresh provisioning token. The token
// is returned here and by RegenerateToken only.
func (s *Service) CreateDevice(ctx context.Context, store interfaces.UserStore, in NewDeviceInput) (*api_models.DeviceTokenView, error) {
	if in.MacAddress != nil && !ValidMacAddress(*in.MacAddress) {
		return nil, apperr.InvalidInput("mac_address must look like AA:BB:CC:DD:EE:FF")
	}
	if in.FirmwareVersion != nil && len(*in.FirmwareVersion) > maxFirmwareVersionLen {
		return nil, apperr.InvalidInput("firmware_version must be at most 64 characters")
	}

	var created *mqtmodels.Device
	err := withFreshToken(func(token string) error {
		var err error
		created, err = store.Devices().Create(ctx, mqtmodels.Device{
			ProjectID:          in.ProjectID,
			Name:               in.Name,
			ProvisioningToken:  token,
			HardwareDescriptor: in.HardwareDescriptor,
			MacAddress:         in.MacAddress,
			FirmwareVersion:    in.FirmwareVersion,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.FromContext(ctx).Logger.Info().
		Str("device_id", created.DeviceID).
		Str("project_id", created.ProjectID).
		Msg("Device created")

	view := tokenView(created)
	return &view, nil
}

// RegenerateToken rotates the provisioning token of a device owned by the
// caller and starts a new epoch. The previous broker account is revoked
// before the rotation commits; if the broker cannot revoke it nothing changes.
func (s *Service) RegenerateToken(ctx context.Context, store interfaces.UserStore, deviceID string) (*api_models.RegenerateTokenResponse, error) {
	log := s.logger.FromContext(ctx)
	event := audit.Event{Type: audit.EventRegenerate, DeviceID: deviceID, OwnerID: store.Identity().UserID}

	var (
		device  *mqtmodels.Device
		revoked []mqtmodels.BrokerAccount
	)
	err := withFreshToken(func(token string) error {
		revoked = revoked[:0]
		var err error
		device, err = store.Devices().RegenerateToken(ctx, deviceID, token, s.now(), s.releaser(&revoked))
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			log.Logger.Error().Err(err).Str("device_id", deviceID).Msg("Token regeneration failed")
		}
		s.recordRelease(ctx, event, err)
		return nil, err
	}

	event.ProjectID = device.ProjectID
	event.Outcome = audit.OutcomeSuccess
	if len(revoked) > 0 {
		event.BrokerUsername = revoked[0].Username
	}
	s.emit(ctx, event)

	log.Logger.Info().Str("device_id", deviceID).Msg("Provisioning token regenerated")

	return &api_models.RegenerateTokenResponse{
		Device:  tokenView(device),
		Message: "Provisioning token regenerated. The device must provision again; previous broker credentials are no longer valid.",
	}, nil
}

// DeleteDevice removes a device and, if it was provisioned, its broker account
func (s *Service) DeleteDevice(ctx context.Context, store interfaces.UserStore, deviceID string) error {
	event := audit.Event{Type: audit.EventDelete, DeviceID: deviceID, OwnerID: store.Identity().UserID}

	var revoked []mqtmodels.BrokerAccount
	if err := store.Devices().Delete(ctx, deviceID, s.releaser(&revoked)); err != nil {
		if isBrokerFailure(err) {
			s.recordRelease(ctx, event, err)
		}
		return err
	}
	s.recordRevoked(ctx, event, revoked)
	return nil
}

// DeleteProject removes a project with its devices and revokes the broker
// accounts of the devices that were provisioned
func (s *Service) DeleteProject(ctx context.Context, store interfaces.UserStore, projectID string) error {
	event := audit.Event{Type: audit.EventDelete, ProjectID: projectID, OwnerID: store.Identity().UserID}

	var revoked []mqtmodels.BrokerAccount
	if err := store.Projects().Delete(ctx, projectID, s.releaser(&revoked)); err != nil {
		if isBrokerFailure(err) {
			s.recordRelease(ctx, event, err)
		}
		return err
	}
	s.recordRevoked(ctx, event, revoked)
	return nil
}

// releaser revokes accounts from inside the store's critical section and
// collects the ones it revoked
func (s *Service) releaser(revoked *[]mqtmodels.BrokerAccount) interfaces.ReleaseFunc {
	return func(ctx context.Context, account mqtmodels.BrokerAccount) error {
		if err := s.revoke(ctx, account); err != nil {
			s.logger.FromContext(ctx).Logger.Error().Err(err).
				Str("device_id", account.DeviceID).
				Str("username", account.Username).
				Msg("Failed to revoke broker account")
			return asUnavailable("broker account revocation failed", err)
		}
		*revoked = append(*revoked, account)
		return nil
	}
}

func (s *Service) revoke(ctx context.Context, account mqtmodels.BrokerAccount) error {
	revokeCtx, cancel := context.WithTimeout(ctx, s.brokerTimeout)
	defer cancel()
	return s.registrar.RevokeAccount(revokeCtx, account.Username, account.DeviceID)
}

// recordRelease audits a failed epoch change, marking broker failures as
// failed revocations
func (s *Service) recordRelease(ctx context.Context, event audit.Event, err error) {
	if isBrokerFailure(err) {
		event.Outcome = audit.OutcomeFailed
		event.Reason = audit.ReasonBrokerRevokeFailed
		s.emit(ctx, event)
		return
	}
	s.record(ctx, event, err)
}

// recordRevoked emits one delete event per revoked account
func (s *Service) recordRevoked(ctx context.Context, event audit.Event, revoked []mqtmodels.BrokerAccount) {
	for _, account := range revoked {
		e := event
		e.DeviceID = account.DeviceID
		e.BrokerUsername = account.Username
		e.Outcome = audit.OutcomeSuccess
		s.emit(ctx, e)
	}
}

// withFreshToken calls fn with new tokens until it stops reporting a collision
func withFreshToken(fn func(token string) error) error {
	var err error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, genErr := credentials.GenerateProvisioningToken()
		if genErr != nil {
			return apperr.Internal("generate provisioning token", genErr)
		}
		err = fn(token)
		if !errors.Is(err, interfaces.ErrTokenCollision) {
			return err
		}
	}
	return apperr.Internal("could not allocate a unique provisioning token", err)
}

func tokenView(d *mqtmodels.Device) api_models.DeviceTokenView {
	return api_models.DeviceTokenView{
		ID:                 d.DeviceID,
		ProjectID:          d.ProjectID,
		Name:               d.Name,
		ProvisioningToken:  d.ProvisioningToken,
		IsProvisioned:      d.IsProvisioned,
		TokenRegeneratedAt: d.TokenRegeneratedAt,
		CreatedAt:          d.CreatedAt,
	}
}
