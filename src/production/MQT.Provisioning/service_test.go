package provisioning

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	audit "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Audit"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	credentials "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Credentials"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
	memory "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Memory"
)

const (
	ownerID  = "11111111-1111-1111-1111-111111111111"
	deviceID = "22222222-2222-2222-2222-222222222222"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) CreateAccount(ctx context.Context, username, password, deviceID string) error {
	return m.Called(ctx, username, password, deviceID).Error(0)
}

func (m *mockRegistrar) RevokeAccount(ctx context.Context, username, deviceID string) error {
	return m.Called(ctx, username, deviceID).Error(0)
}

// stubSystem resolves one fixed device and can fail the commit
type stubSystem struct {
	token     string
	target    mqtmodels.ProvisioningTarget
	commitErr error
	calls     int
	stored    *mqtmodels.ProvisioningUpdate
}

func (s *stubSystem) ProvisionDevice(ctx context.Context, token string, fn interfaces.ProvisionFunc) error {
	s.calls++
	if token != s.token {
		return apperr.ErrUnknownToken
	}
	update, err := fn(ctx, s.target)
	if err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.stored = update
	return nil
}

func (s *stubSystem) FindBrokerAccounts(ctx context.Context, username string) ([]mqtmodels.BrokerAccount, error) {
	return nil, nil
}

func (s *stubSystem) Ping(ctx context.Context) error { return nil }

func testHasher() *credentials.Hasher {
	return credentials.NewHasher(credentials.HashParams{Time: 1, Memory: 1024, Threads: 1})
}

func newService(system interfaces.SystemStore, registrar broker.Registrar, sink audit.Sink) *Service {
	return NewService(Options{
		System:    system,
		Registrar: registrar,
		Hasher:    testHasher(),
		Audit:     sink,
		Endpoint:  BrokerEndpoint{Host: "mqtt.example.com", Port: 8883, UseTLS: true},
		Logger:    logger.NewNopLogger(),
	})
}

// fixture is a memory store holding one unprovisioned device
type fixture struct {
	store  *memory.Store
	user   interfaces.UserStore
	device *api_models.DeviceTokenView
}

func newFixture(t *testing.T, svc *Service) fixture {
	t.Helper()
	store := memory.NewStore()
	user := store.Users().ForIdentity(mqtmodels.Identity{UserID: ownerID})
	project, err := user.Projects().Create(context.Background(), "greenhouse", nil)
	require.NoError(t, err)
	device, err := svc.CreateDevice(context.Background(), user, NewDeviceInput{ProjectID: project.ProjectID, Name: "sensor-1"})
	require.NoError(t, err)
	return fixture{store: store, user: user, device: device}
}

func TestProvision_IssuesCredentials(t *testing.T) {
	token := strings.Repeat("f", 64)
	system := &stubSystem{token: token, target: mqtmodels.ProvisioningTarget{
		DeviceID: deviceID, ProjectID: "p1", OwnerID: ownerID, Name: "sensor-1",
	}}
	registrar := new(mockRegistrar)
	var registeredPassword string
	registrar.On("CreateAccount", mock.Anything, "u_11111111_d_22222222", mock.AnythingOfType("string"), deviceID).
		Run(func(args mock.Arguments) { registeredPassword = args.String(2) }).
		Return(nil).Once()
	sink := audit.NewMemorySink()
	svc := newService(system, registrar, sink)

	mac := "AA:BB:CC:DD:EE:FF"
	resp, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: token, MacAddress: &mac})
	require.NoError(t, err)

	assert.Equal(t, "u_11111111_d_22222222", resp.MQTT.Username)
	assert.GreaterOrEqual(t, len(resp.MQTT.Password), 32)
	assert.Regexp(t, urlSafe, resp.MQTT.Password)
	assert.Equal(t, registeredPassword, resp.MQTT.Password)
	assert.Equal(t, deviceID, resp.MQTT.ClientID)
	assert.Equal(t, "mqtt.example.com", resp.MQTT.Host)
	assert.Equal(t, 8883, resp.MQTT.Port)
	assert.True(t, resp.MQTT.UseTLS)
	assert.Equal(t, "u/"+ownerID+"/d/"+deviceID+"/cmd/#", resp.Topics.Subscribe)
	assert.Equal(t, "u/"+ownerID+"/d/"+deviceID+"/state/", resp.Topics.StatePrefix)
	assert.Equal(t, "u/"+ownerID+"/d/"+deviceID+"/tel/", resp.Topics.TelemetryPrefix)
	assert.Equal(t, api_models.DeviceRef{ID: deviceID, Name: "sensor-1"}, resp.Device)

	require.NotNil(t, system.stored)
	assert.NotEqual(t, resp.MQTT.Password, system.stored.BrokerPasswordHash)
	assert.True(t, credentials.VerifyPassword(resp.MQTT.Password, system.stored.BrokerPasswordHash))
	assert.Equal(t, &mac, system.stored.MacAddress)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "u_11111111_d_22222222", events[0].BrokerUsername)
	registrar.AssertExpectations(t)
}

func TestProvision_MalformedInputNeverReachesStore(t *testing.T) {
	system := &stubSystem{token: strings.Repeat("a", 64)}
	registrar := new(mockRegistrar)
	sink := audit.NewMemorySink()
	svc := newService(system, registrar, sink)

	badMac := "AA-BB-CC-DD-EE-FF"
	longFirmware := strings.Repeat("1", 65)
	requests := []api_models.ProvisionRequest{
		{DeviceToken: "short"},
		{DeviceToken: strings.Repeat("A", 64)},
		{DeviceToken: strings.Repeat("a", 64), MacAddress: &badMac},
		{DeviceToken: strings.Repeat("a", 64), FirmwareVersion: &longFirmware},
	}
	for _, req := range requests {
		_, err := svc.Provision(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		assert.Equal(t, 400, apperr.HTTPStatus(err))
	}

	assert.Zero(t, system.calls)
	registrar.AssertNotCalled(t, "CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	for _, e := range sink.Events() {
		assert.Equal(t, audit.ReasonInvalidInput, e.Reason)
	}
}

func TestProvision_UnknownTokenIsUnauthenticated(t *testing.T) {
	registrar := new(mockRegistrar)
	svc := newService(nil, registrar, audit.NewMemorySink())
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	before, _ := fx.store.DeviceSnapshot(fx.device.ID)
	_, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: strings.Repeat("a", 64)})

	assert.ErrorIs(t, err, apperr.ErrUnknownToken)
	assert.Equal(t, 401, apperr.HTTPStatus(err))
	after, _ := fx.store.DeviceSnapshot(fx.device.ID)
	assert.Equal(t, before, after)
	registrar.AssertNotCalled(t, "CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProvision_SecondAttemptConflictsWithoutMutation(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	svc := newService(nil, registrar, audit.NewMemorySink())
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	_, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)
	before, _ := fx.store.DeviceSnapshot(fx.device.ID)

	firmware := "2.0.0"
	_, err = svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken, FirmwareVersion: &firmware})
	assert.ErrorIs(t, err, apperr.ErrAlreadyProvisioned)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	after, _ := fx.store.DeviceSnapshot(fx.device.ID)
	assert.Equal(t, before, after)
	registrar.AssertNumberOfCalls(t, "CreateAccount", 1)
}

func TestProvision_ConcurrentCallsYieldOneCredentialSet(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	svc := newService(nil, registrar, audit.NewMemorySink())
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		passwords []string
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				passwords = append(passwords, resp.MQTT.Password)
			} else if errors.Is(err, apperr.ErrAlreadyProvisioned) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Len(t, passwords, 1)
	assert.Equal(t, callers-1, conflicts)
	registrar.AssertNumberOfCalls(t, "CreateAccount", 1)

	stored, _ := fx.store.DeviceSnapshot(fx.device.ID)
	require.NotNil(t, stored.BrokerPasswordHash)
	assert.True(t, credentials.VerifyPassword(passwords[0], *stored.BrokerPasswordHash))
}

func TestProvision_BrokerFailureLeavesDeviceUnprovisioned(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	_, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.Error(t, err)
	assert.Equal(t, 503, apperr.HTTPStatus(err))

	stored, _ := fx.store.DeviceSnapshot(fx.device.ID)
	assert.False(t, stored.IsProvisioned)
	assert.Nil(t, stored.BrokerUsername)
	assert.Nil(t, stored.BrokerPasswordHash)
	registrar.AssertNotCalled(t, "RevokeAccount", mock.Anything, mock.Anything, mock.Anything)

	events := sink.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.OutcomeFailed, last.Outcome)
	assert.Equal(t, audit.ReasonBrokerUnavailable, last.Reason)

	registrar.ExpectedCalls = nil
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	_, err = svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	assert.NoError(t, err)
}

func TestProvision_CommitFailureRevokesBrokerAccount(t *testing.T) {
	token := strings.Repeat("b", 64)
	system := &stubSystem{
		token:     token,
		target:    mqtmodels.ProvisioningTarget{DeviceID: deviceID, OwnerID: ownerID, Name: "d"},
		commitErr: apperr.Unavailable("provision device failed", errors.New("connection reset")),
	}
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, "u_11111111_d_22222222", mock.Anything, deviceID).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, "u_11111111_d_22222222", deviceID).Return(nil).Once()
	sink := audit.NewMemorySink()
	svc := newService(system, registrar, sink)

	_, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: token})
	require.Error(t, err)
	assert.Equal(t, 503, apperr.HTTPStatus(err))
	registrar.AssertExpectations(t)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ReasonStoreUnavailable, events[0].Reason)
}

func TestRegenerateToken_InvalidatesPreviousPassword(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()
	checker := broker.NewAuthChecker(fx.store.System())
	ctx := context.Background()

	first, err := svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)
	allowed, err := checker.CheckUser(ctx, first.MQTT.Username, first.MQTT.Password, first.MQTT.ClientID)
	require.NoError(t, err)
	require.True(t, allowed)

	regenerated, err := svc.RegenerateToken(ctx, fx.user, fx.device.ID)
	require.NoError(t, err)
	assert.False(t, regenerated.Device.IsProvisioned)
	assert.NotEqual(t, fx.device.ProvisioningToken, regenerated.Device.ProvisioningToken)
	assert.Regexp(t, `^[0-9a-f]{64}$`, regenerated.Device.ProvisioningToken)
	assert.NotNil(t, regenerated.Device.TokenRegeneratedAt)
	registrar.AssertCalled(t, "RevokeAccount", mock.Anything, first.MQTT.Username, fx.device.ID)

	allowed, err = checker.CheckUser(ctx, first.MQTT.Username, first.MQTT.Password, first.MQTT.ClientID)
	require.NoError(t, err)
	assert.False(t, allowed)

	current, err := fx.user.Devices().Get(ctx, fx.device.ID)
	require.NoError(t, err)
	assert.False(t, current.IsProvisioned)

	_, err = svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	assert.ErrorIs(t, err, apperr.ErrUnknownToken)

	second, err := svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: regenerated.Device.ProvisioningToken})
	require.NoError(t, err)
	assert.Equal(t, first.MQTT.Username, second.MQTT.Username)
	assert.Equal(t, first.Topics, second.Topics)
	assert.NotEqual(t, first.MQTT.Password, second.MQTT.Password)
}

func TestRegenerateToken_RevokeFailureKeepsEpoch(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, mock.Anything, mock.Anything).
		Return(apperr.Unavailable("broker down", errors.New("timeout"))).Once()
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)

	_, err = svc.RegenerateToken(ctx, fx.user, fx.device.ID)
	require.Error(t, err)
	assert.Equal(t, 503, apperr.HTTPStatus(err))

	stored, _ := fx.store.DeviceSnapshot(fx.device.ID)
	assert.True(t, stored.IsProvisioned)
	assert.Equal(t, fx.device.ProvisioningToken, stored.ProvisioningToken)
	require.NotNil(t, stored.BrokerUsername)
	assert.Equal(t, provisioned.MQTT.Username, *stored.BrokerUsername)

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventRegenerate, last.Type)
	assert.Equal(t, audit.OutcomeFailed, last.Outcome)
	assert.Equal(t, audit.ReasonBrokerRevokeFailed, last.Reason)

	registrar.On("RevokeAccount", mock.Anything, provisioned.MQTT.Username, fx.device.ID).Return(nil)
	resp, err := svc.RegenerateToken(ctx, fx.user, fx.device.ID)
	require.NoError(t, err)
	assert.False(t, resp.Device.IsProvisioned)
	last = sink.Events()[len(sink.Events())-1]
	assert.Equal(t, audit.OutcomeSuccess, last.Outcome)
	assert.Equal(t, provisioned.MQTT.Username, last.BrokerUsername)
}

func TestRegenerateToken_UnprovisionedDeviceSkipsRevoke(t *testing.T) {
	registrar := new(mockRegistrar)
	svc := newService(nil, registrar, audit.NewMemorySink())
	fx := newFixture(t, svc)

	resp, err := svc.RegenerateToken(context.Background(), fx.user, fx.device.ID)
	require.NoError(t, err)
	assert.NotEqual(t, fx.device.ProvisioningToken, resp.Device.ProvisioningToken)
	registrar.AssertNotCalled(t, "RevokeAccount", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegenerateToken_ForeignDeviceNotFound(t *testing.T) {
	svc := newService(nil, new(mockRegistrar), audit.NewMemorySink())
	fx := newFixture(t, svc)
	stranger := fx.store.Users().ForIdentity(mqtmodels.Identity{UserID: "someone-else"})

	_, err := svc.RegenerateToken(context.Background(), stranger, fx.device.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

// collidingUserStore makes the first collisions device writes report a token collision
type collidingUserStore struct {
	interfaces.UserStore
	collisions int
	attempts   int
}

func (c *collidingUserStore) Devices() interfaces.DeviceRepository {
	return &collidingDevices{DeviceRepository: c.UserStore.Devices(), parent: c}
}

type collidingDevices struct {
	interfaces.DeviceRepository
	parent *collidingUserStore
}

func (d *collidingDevices) Create(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error) {
	d.parent.attempts++
	if d.parent.attempts <= d.parent.collisions {
		return nil, interfaces.ErrTokenCollision
	}
	return d.DeviceRepository.Create(ctx, device)
}

func TestCreateDevice_RetriesTokenCollisions(t *testing.T) {
	svc := newService(nil, new(mockRegistrar), audit.NewMemorySink())
	store := memory.NewStore()
	user := store.Users().ForIdentity(mqtmodels.Identity{UserID: ownerID})
	project, err := user.Projects().Create(context.Background(), "p", nil)
	require.NoError(t, err)

	flaky := &collidingUserStore{UserStore: user, collisions: 2}
	device, err := svc.CreateDevice(context.Background(), flaky, NewDeviceInput{ProjectID: project.ProjectID, Name: "d"})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.attempts)
	assert.Len(t, device.ProvisioningToken, 64)

	exhausted := &collidingUserStore{UserStore: user, collisions: maxTokenAttempts}
	_, err = svc.CreateDevice(context.Background(), exhausted, NewDeviceInput{ProjectID: project.ProjectID, Name: "d"})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestCreateDevice_RejectsBadMac(t *testing.T) {
	svc := newService(nil, new(mockRegistrar), audit.NewMemorySink())
	fx := newFixture(t, svc)
	project := fx.device.ProjectID
	bad := "not-a-mac"

	_, err := svc.CreateDevice(context.Background(), fx.user, NewDeviceInput{ProjectID: project, Name: "d", MacAddress: &bad})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestDeleteDevice_RevokesBrokerAccount(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	svc := newService(nil, registrar, audit.NewMemorySink())
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	resp, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDevice(context.Background(), fx.user, fx.device.ID))
	registrar.AssertCalled(t, "RevokeAccount", mock.Anything, resp.MQTT.Username, fx.device.ID)

	_, err = fx.user.Devices().Get(context.Background(), fx.device.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteProject_RevokesProvisionedDevices(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()
	ctx := context.Background()

	idle, err := svc.CreateDevice(ctx, fx.user, NewDeviceInput{ProjectID: fx.device.ProjectID, Name: "idle"})
	require.NoError(t, err)
	resp, err := svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteProject(ctx, fx.user, fx.device.ProjectID))

	registrar.AssertCalled(t, "RevokeAccount", mock.Anything, resp.MQTT.Username, fx.device.ID)
	registrar.AssertNumberOfCalls(t, "RevokeAccount", 1)
	_, ok := fx.store.DeviceSnapshot(idle.ID)
	assert.False(t, ok)

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.EventDelete, last.Type)
	assert.Equal(t, fx.device.ID, last.DeviceID)
}

func TestDeleteDevice_RevokeFailureKeepsDevice(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	registrar.On("RevokeAccount", mock.Anything, mock.Anything, mock.Anything).
		Return(apperr.Unavailable("broker down", errors.New("timeout")))
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()
	ctx := context.Background()

	_, err := svc.Provision(ctx, api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.NoError(t, err)

	err = svc.DeleteDevice(ctx, fx.user, fx.device.ID)
	assert.Equal(t, 503, apperr.HTTPStatus(err))
	_, ok := fx.store.DeviceSnapshot(fx.device.ID)
	assert.True(t, ok)

	err = svc.DeleteProject(ctx, fx.user, fx.device.ProjectID)
	assert.Equal(t, 503, apperr.HTTPStatus(err))
	_, ok = fx.store.DeviceSnapshot(fx.device.ID)
	assert.True(t, ok)

	last := sink.Events()[len(sink.Events())-1]
	assert.Equal(t, audit.EventDelete, last.Type)
	assert.Equal(t, audit.ReasonBrokerRevokeFailed, last.Reason)
}

func TestProvision_UsernameHeldByAnotherDevice(t *testing.T) {
	registrar := new(mockRegistrar)
	registrar.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(broker.ErrUsernameTaken)
	sink := audit.NewMemorySink()
	svc := newService(nil, registrar, sink)
	fx := newFixture(t, svc)
	svc.system = fx.store.System()

	_, err := svc.Provision(context.Background(), api_models.ProvisionRequest{DeviceToken: fx.device.ProvisioningToken})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrUsernameTaken)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	stored, _ := fx.store.DeviceSnapshot(fx.device.ID)
	assert.False(t, stored.IsProvisioned)
	registrar.AssertNotCalled(t, "RevokeAccount", mock.Anything, mock.Anything, mock.Anything)

	last := sink.Events()[len(sink.Events())-1]
	assert.Equal(t, audit.OutcomeRejected, last.Outcome)
	assert.Equal(t, audit.ReasonUsernameTaken, last.Reason)
}
