package provisioning

import (
	"context"
	"errors"
	"time"

	audit "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Audit"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	credentials "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Credentials"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
	topics "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Topics"
)

const defaultBrokerTimeout = 3 * time.Second

// BrokerEndpoint is the broker address handed to provisioned devices
type BrokerEndpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

// Service runs the token-for-credentials exchange and the device
// lifecycle operations that touch broker accounts
type Service struct {
	system        interfaces.SystemStore
	registrar     broker.Registrar
	hasher        *credentials.Hasher
	audit         audit.Sink
	endpoint      BrokerEndpoint
	brokerTimeout time.Duration
	logger        *logger.Logger
	now           func() time.Time
}

// Options configures a Service
type Options struct {
	System        interfaces.SystemStore
	Registrar     broker.Registrar
	Hasher        *credentials.Hasher
	Audit         audit.Sink
	Endpoint      BrokerEndpoint
	BrokerTimeout time.Duration
	Logger        *logger.Logger
}

func NewService(opts Options) *Service {
	if opts.BrokerTimeout <= 0 {
		opts.BrokerTimeout = defaultBrokerTimeout
	}
	if opts.Hasher == nil {
		opts.Hasher = credentials.NewHasher(credentials.DefaultHashParams())
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobalLogger()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogSink(opts.Logger)
	}
	return &Service{
		system:        opts.System,
		registrar:     opts.Registrar,
		hasher:        opts.Hasher,
		audit:         opts.Audit,
		endpoint:      opts.Endpoint,
		brokerTimeout: opts.BrokerTimeout,
		logger:        opts.Logger.WithComponent("provisioning"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Provision exchanges a device's provisioning token for broker credentials.
// The plaintext password exists only in the returned response.
func (s *Service) Provision(ctx context.Context, req api_models.ProvisionRequest) (*api_models.ProvisionResponse, error) {
	log := s.logger.FromContext(ctx)

	if err := validateProvisionRequest(req); err != nil {
		s.record(ctx, audit.Event{Type: audit.EventProvision}, err)
		return nil, err
	}

	var (
		target     mqtmodels.ProvisioningTarget
		username   string
		password   string
		registered bool
	)

	err := s.system.ProvisionDevice(ctx, req.DeviceToken, func(ctx context.Context, t mqtmodels.ProvisioningTarget) (*mqtmodels.ProvisioningUpdate, error) {
		target = t
		if t.IsProvisioned {
			return nil, apperr.ErrAlreadyProvisioned
		}

		username = credentials.DeriveUsername(t.OwnerID, t.DeviceID)
		pw, err := credentials.GeneratePassword()
		if err != nil {
			return nil, apperr.Internal("generate broker password", err)
		}
		hash, err := s.hasher.HashForStorage(pw)
		if err != nil {
			return nil, apperr.Internal("hash broker password", err)
		}

		brokerCtx, cancel := context.WithTimeout(ctx, s.brokerTimeout)
		defer cancel()
		if err := s.registrar.CreateAccount(brokerCtx, username, pw, t.DeviceID); err != nil {
			if errors.Is(err, broker.ErrUsernameTaken) {
				return nil, apperr.Wrap(apperr.KindConflict, "broker username is held by another device", err)
			}
			return nil, asUnavailable("broker registration failed", err)
		}
		registered = true
		password = pw

		return &mqtmodels.ProvisioningUpdate{
			BrokerUsername:     username,
			BrokerPasswordHash: hash,
			MacAddress:         req.MacAddress,
			FirmwareVersion:    req.FirmwareVersion,
			ProvisionedAt:      s.now(),
		}, nil
	})

	event := audit.Event{
		Type:      audit.EventProvision,
		DeviceID:  target.DeviceID,
		ProjectID: target.ProjectID,
		OwnerID:   target.OwnerID,
	}

	if err != nil {
		// A lost race shares the winner's username, so its account must stay.
		if registered && !errors.Is(err, apperr.ErrAlreadyProvisioned) {
			s.compensate(ctx, event, username, target.DeviceID)
		}
		if apperr.KindOf(err) == apperr.KindInternal {
			log.Logger.Error().Err(err).Str("device_id", target.DeviceID).Msg("Provisioning failed")
		}
		s.record(ctx, event, err)
		return nil, err
	}

	event.BrokerUsername = username
	s.record(ctx, event, nil)
	log.Logger.Info().Str("device_id", target.DeviceID).Str("username", username).Msg("Device provisioned")

	return &api_models.ProvisionResponse{
		MQTT: api_models.MQTTCredentials{
			Host:     s.endpoint.Host,
			Port:     s.endpoint.Port,
			Username: username,
			Password: password,
			ClientID: target.DeviceID,
			UseTLS:   s.endpoint.UseTLS,
		},
		Topics: topics.For(target.OwnerID, target.DeviceID),
		Device: api_models.DeviceRef{ID: target.DeviceID, Name: target.Name},
	}, nil
}

// compensate removes a broker account whose credentials never reached the store
func (s *Service) compensate(ctx context.Context, event audit.Event, username, deviceID string) {
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.brokerTimeout)
	defer cancel()

	if err := s.registrar.RevokeAccount(revokeCtx, username, deviceID); err != nil {
		s.logger.FromContext(ctx).Logger.Error().Err(err).
			Str("device_id", event.DeviceID).
			Str("username", username).
			Msg("Failed to revoke broker account after store failure")
		event.BrokerUsername = username
		event.Outcome = audit.OutcomeFailed
		event.Reason = audit.ReasonCompensationFailed
		s.emit(ctx, event)
	}
}

// record fills outcome and reason from err and emits the event
func (s *Service) record(ctx context.Context, event audit.Event, err error) {
	event.Outcome, event.Reason = classify(err)
	s.emit(ctx, event)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	event.OccurredAt = s.now()
	event.RequestID = logger.RequestIDFromContext(ctx)
	if err := s.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.FromContext(ctx).Logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to record audit event")
	}
}

func classify(err error) (audit.Outcome, string) {
	switch {
	case err == nil:
		return audit.OutcomeSuccess, ""
	case errors.Is(err, apperr.ErrUnknownToken):
		return audit.OutcomeRejected, audit.ReasonUnknownToken
	case errors.Is(err, apperr.ErrAlreadyProvisioned):
		return audit.OutcomeRejected, audit.ReasonAlreadyProvisioned
	case errors.Is(err, broker.ErrUsernameTaken):
		return audit.OutcomeRejected, audit.ReasonUsernameTaken
	}

	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		return audit.OutcomeRejected, audit.ReasonInvalidInput
	case apperr.KindNotFound:
		return audit.OutcomeRejected, "not_found"
	case apperr.KindUnavailable:
		if isBrokerFailure(err) {
			return audit.OutcomeFailed, audit.ReasonBrokerUnavailable
		}
		return audit.OutcomeFailed, audit.ReasonStoreUnavailable
	default:
		return audit.OutcomeFailed, audit.ReasonInternal
	}
}

// brokerFailure marks errors raised by the registrar
type brokerFailure struct {
	err error
}

func (e *brokerFailure) Error() string { return e.err.Error() }
func (e *brokerFailure) Unwrap() error { return e.err }

func isBrokerFailure(err error) bool {
	var brokerErr *brokerFailure
	return errors.As(err, &brokerErr)
}

func asUnavailable(message string, err error) error {
	return apperr.Unavailable(message, &brokerFailure{err: err})
}
