package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// Store keeps projects, devices and channels in process memory.
// Hand out Users() to request handlers and System() to provisioning.
//
// mu guards the maps and is never held across a callback. Changes to a
// device's provisioning state also hold that device's lock, which is what
// callbacks run under.
type Store struct {
	mu       sync.Mutex
	projects map[string]mqtmodels.Project
	devices  map[string]mqtmodels.Device
	channels map[string]mqtmodels.Channel
	tokens   map[string]string // provisioning token -> device id

	deviceLocks map[string]*sync.Mutex
	deleting    map[string]bool // project ids being deleted
}

func NewStore() *Store {
	return &Store{
		projects:    make(map[string]mqtmodels.Project),
		devices:     make(map[string]mqtmodels.Device),
		channels:    make(map[string]mqtmodels.Channel),
		tokens:      make(map[string]string),
		deviceLocks: make(map[string]*sync.Mutex),
		deleting:    make(map[string]bool),
	}
}

// Users returns the identity-scoped store factory
func (s *Store) Users() *UserStores {
	return &UserStores{store: s}
}

// System returns the privileged store
func (s *Store) System() *SystemStore {
	return &SystemStore{store: s}
}

// DeviceSnapshot returns the full stored device record, secrets included
func (s *Store) DeviceSnapshot(deviceID string) (mqtmodels.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// ownedDevice must be called with mu held
func (s *Store) ownedDevice(ownerID, deviceID string) (mqtmodels.Device, bool) {
	d, ok := s.devices[deviceID]
	if !ok {
		return mqtmodels.Device{}, false
	}
	p, ok := s.projects[d.ProjectID]
	if !ok || p.OwnerID != ownerID {
		return mqtmodels.Device{}, false
	}
	return d, true
}

// deviceLock must be called with mu held
func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	lock, ok := s.deviceLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		s.deviceLocks[deviceID] = lock
	}
	return lock
}

// lockOwnedDevice acquires the lock of a device owned by ownerID. Callers
// must look the device up again under mu once they hold it.
func (s *Store) lockOwnedDevice(ownerID, deviceID string) (*sync.Mutex, error) {
	s.mu.Lock()
	if _, ok := s.ownedDevice(ownerID, deviceID); !ok {
		s.mu.Unlock()
		return nil, apperr.ErrNotFound
	}
	lock := s.deviceLock(deviceID)
	s.mu.Unlock()

	lock.Lock()
	return lock, nil
}

// accountOf must be called with mu held
func (s *Store) accountOf(d mqtmodels.Device) *mqtmodels.BrokerAccount {
	if d.BrokerUsername == nil {
		return nil
	}
	return &mqtmodels.BrokerAccount{
		DeviceID: d.DeviceID,
		OwnerID:  s.projects[d.ProjectID].OwnerID,
		Username: *d.BrokerUsername,
	}
}

// deleteDevice must be called with mu held
func (s *Store) deleteDevice(deviceID string) {
	d := s.devices[deviceID]
	delete(s.tokens, d.ProvisioningToken)
	delete(s.devices, deviceID)
	delete(s.deviceLocks, deviceID)
	for id, c := range s.channels {
		if c.DeviceID == deviceID {
			delete(s.channels, id)
		}
	}
}

// redact strips values user-scoped reads never return
func redact(d mqtmodels.Device) *mqtmodels.Device {
	d.ProvisioningToken = ""
	d.BrokerPasswordHash = nil
	return &d
}

func paginate(total, page, pageSize int) (start, end int, next *int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	start = (page - 1) * pageSize
	if start > total {
		start = total
	}
	end = start + pageSize
	if end > total {
		end = total
	}
	if end-start == pageSize {
		n := page + 1
		next = &n
	}
	return start, end, next
}

// UserStores hands out identity-scoped views
type UserStores struct {
	store *Store
}

func (f *UserStores) ForIdentity(identity mqtmodels.Identity) interfaces.UserStore {
	return &userStore{store: f.store, identity: identity}
}

type userStore struct {
	store    *Store
	identity mqtmodels.Identity
}

func (u *userStore) Identity() mqtmodels.Identity           { return u.identity }
func (u *userStore) Projects() interfaces.ProjectRepository { return &projectRepo{u} }
func (u *userStore) Devices() interfaces.DeviceRepository   { return &deviceRepo{u} }
func (u *userStore) Channels() interfaces.ChannelRepository { return &channelRepo{u} }

type projectRepo struct{ *userStore }

func (r *projectRepo) Create(ctx context.Context, name string, description *string) (*mqtmodels.Project, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	p := mqtmodels.Project{
		ProjectID:   uuid.New().String(),
		OwnerID:     r.identity.UserID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.store.projects[p.ProjectID] = p
	return &p, nil
}

func (r *projectRepo) Get(ctx context.Context, projectID string) (*mqtmodels.Project, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.projects[projectID]
	if !ok || p.OwnerID != r.identity.UserID {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}

func (r *projectRepo) List(ctx context.Context, page, pageSize int) (*interfaces.PaginationResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	owned := make([]mqtmodels.Project, 0)
	for _, p := range r.store.projects {
		if p.OwnerID == r.identity.UserID {
			owned = append(owned, p)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.After(owned[j].CreatedAt) })

	start, end, next := paginate(len(owned), page, pageSize)
	return &interfaces.PaginationResult{Items: owned[start:end], NextPage: next, Total: len(owned)}, nil
}

func (r *projectRepo) Update(ctx context.Context, projectID string, patch mqtmodels.ProjectPatch) (*mqtmodels.Project, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.projects[projectID]
	if !ok || p.OwnerID != r.identity.UserID {
		return nil, apperr.ErrNotFound
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = patch.Description
	}
	p.UpdatedAt = time.Now().UTC()
	r.store.projects[projectID] = p
	return &p, nil
}

func (r *projectRepo) Delete(ctx context.Context, projectID string, release interfaces.ReleaseFunc) error {
	r.store.mu.Lock()
	p, ok := r.store.projects[projectID]
	if !ok || p.OwnerID != r.identity.UserID {
		r.store.mu.Unlock()
		return apperr.ErrNotFound
	}
	if r.store.deleting[projectID] {
		r.store.mu.Unlock()
		return apperr.New(apperr.KindConflict, "project deletion already in progress")
	}
	// no devices join or provision while the flag is set
	r.store.deleting[projectID] = true
	ids := make([]string, 0)
	for id, d := range r.store.devices {
		if d.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		locks = append(locks, r.store.deviceLock(id))
	}
	r.store.mu.Unlock()

	defer func() {
		r.store.mu.Lock()
		delete(r.store.deleting, projectID)
		r.store.mu.Unlock()
	}()

	for _, lock := range locks {
		lock.Lock()
		defer lock.Unlock()
	}

	r.store.mu.Lock()
	accounts := make([]mqtmodels.BrokerAccount, 0)
	for _, id := range ids {
		if d, ok := r.store.devices[id]; ok {
			if account := r.store.accountOf(d); account != nil {
				accounts = append(accounts, *account)
			}
		}
	}
	r.store.mu.Unlock()

	for _, account := range accounts {
		if err := release(ctx, account); err != nil {
			return err
		}
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range ids {
		r.store.deleteDevice(id)
	}
	delete(r.store.projects, projectID)
	return nil
}

type deviceRepo struct{ *userStore }

func (r *deviceRepo) Create(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.projects[device.ProjectID]
	if !ok || p.OwnerID != r.identity.UserID || r.store.deleting[device.ProjectID] {
		return nil, apperr.ErrNotFound
	}
	if _, taken := r.store.tokens[device.ProvisioningToken]; taken {
		return nil, interfaces.ErrTokenCollision
	}

	now := time.Now().UTC()
	device.DeviceID = uuid.New().String()
	device.IsProvisioned = false
	device.BrokerUsername = nil
	device.BrokerPasswordHash = nil
	device.ProvisionedAt = nil
	device.TokenRegeneratedAt = nil
	device.CreatedAt = now
	device.UpdatedAt = now

	r.store.devices[device.DeviceID] = device
	r.store.tokens[device.ProvisioningToken] = device.DeviceID
	return &device, nil
}

func (r *deviceRepo) Get(ctx context.Context, deviceID string) (*mqtmodels.Device, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.ownedDevice(r.identity.UserID, deviceID)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return redact(d), nil
}

func (r *deviceRepo) ListByProject(ctx context.Context, projectID string, page, pageSize int) (*interfaces.PaginationResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.projects[projectID]
	if !ok || p.OwnerID != r.identity.UserID {
		return nil, apperr.ErrNotFound
	}

	devices := make([]mqtmodels.Device, 0)
	for _, d := range r.store.devices {
		if d.ProjectID == projectID {
			devices = append(devices, *redact(d))
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].CreatedAt.After(devices[j].CreatedAt) })

	start, end, next := paginate(len(devices), page, pageSize)
	return &interfaces.PaginationResult{Items: devices[start:end], NextPage: next, Total: len(devices)}, nil
}

func (r *deviceRepo) Update(ctx context.Context, deviceID string, patch mqtmodels.DevicePatch) (*mqtmodels.Device, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.ownedDevice(r.identity.UserID, deviceID)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.HardwareDescriptor != nil {
		d.HardwareDescriptor = patch.HardwareDescriptor
	}
	if patch.MacAddress != nil {
		d.MacAddress = patch.MacAddress
	}
	if patch.FirmwareVersion != nil {
		d.FirmwareVersion = patch.FirmwareVersion
	}
	d.UpdatedAt = time.Now().UTC()
	r.store.devices[deviceID] = d
	return redact(d), nil
}

func (r *deviceRepo) RegenerateToken(ctx context.Context, deviceID, token string, at time.Time, release interfaces.ReleaseFunc) (*mqtmodels.Device, error) {
	lock, err := r.store.lockOwnedDevice(r.identity.UserID, deviceID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if err := r.releaseAccount(ctx, deviceID, release); err != nil {
		return nil, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.ownedDevice(r.identity.UserID, deviceID)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if _, taken := r.store.tokens[token]; taken {
		return nil, interfaces.ErrTokenCollision
	}

	delete(r.store.tokens, d.ProvisioningToken)

	d.ProvisioningToken = token
	d.IsProvisioned = false
	d.BrokerUsername = nil
	d.BrokerPasswordHash = nil
	d.ProvisionedAt = nil
	d.TokenRegeneratedAt = &at
	d.UpdatedAt = at

	r.store.devices[deviceID] = d
	r.store.tokens[token] = deviceID

	out := *redact(d)
	out.ProvisioningToken = token
	return &out, nil
}

func (r *deviceRepo) Delete(ctx context.Context, deviceID string, release interfaces.ReleaseFunc) error {
	lock, err := r.store.lockOwnedDevice(r.identity.UserID, deviceID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := r.releaseAccount(ctx, deviceID, release); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.ownedDevice(r.identity.UserID, deviceID); !ok {
		return apperr.ErrNotFound
	}
	r.store.deleteDevice(deviceID)
	return nil
}

// releaseAccount runs release for the device's broker account, if any.
// The caller holds the device lock.
func (r *deviceRepo) releaseAccount(ctx context.Context, deviceID string, release interfaces.ReleaseFunc) error {
	r.store.mu.Lock()
	d, ok := r.store.ownedDevice(r.identity.UserID, deviceID)
	if !ok {
		r.store.mu.Unlock()
		return apperr.ErrNotFound
	}
	account := r.store.accountOf(d)
	r.store.mu.Unlock()

	if account == nil {
		return nil
	}
	return release(ctx, *account)
}

type channelRepo struct{ *userStore }

func (r *channelRepo) Create(ctx context.Context, channel mqtmodels.Channel) (*mqtmodels.Channel, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.ownedDevice(r.identity.UserID, channel.DeviceID); !ok {
		return nil, apperr.ErrNotFound
	}
	for _, c := range r.store.channels {
		if c.DeviceID == channel.DeviceID && c.Key == channel.Key {
			return nil, apperr.New(apperr.KindConflict, "channel key already exists on this device")
		}
	}

	channel.ChannelID = uuid.New().String()
	channel.CreatedAt = time.Now().UTC()
	r.store.channels[channel.ChannelID] = channel
	return &channel, nil
}

func (r *channelRepo) ListByDevice(ctx context.Context, deviceID string) ([]mqtmodels.Channel, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.ownedDevice(r.identity.UserID, deviceID); !ok {
		return nil, apperr.ErrNotFound
	}
	channels := make([]mqtmodels.Channel, 0)
	for _, c := range r.store.channels {
		if c.DeviceID == deviceID {
			channels = append(channels, c)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].CreatedAt.Before(channels[j].CreatedAt) })
	return channels, nil
}

func (r *channelRepo) Update(ctx context.Context, channelID string, patch mqtmodels.ChannelPatch) (*mqtmodels.Channel, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.channels[channelID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if _, owned := r.store.ownedDevice(r.identity.UserID, c.DeviceID); !owned {
		return nil, apperr.ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Unit != nil {
		c.Unit = patch.Unit
	}
	r.store.channels[channelID] = c
	return &c, nil
}

func (r *channelRepo) Delete(ctx context.Context, channelID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.channels[channelID]
	if !ok {
		return apperr.ErrNotFound
	}
	if _, owned := r.store.ownedDevice(r.identity.UserID, c.DeviceID); !owned {
		return apperr.ErrNotFound
	}
	delete(r.store.channels, channelID)
	return nil
}

// SystemStore is the privileged view over Store
type SystemStore struct {
	store *Store
}

// ProvisionDevice holds the device lock across lookup, fn and write
func (s *SystemStore) ProvisionDevice(ctx context.Context, token string, fn interfaces.ProvisionFunc) error {
	s.store.mu.Lock()
	deviceID, ok := s.store.tokens[token]
	if !ok {
		s.store.mu.Unlock()
		return apperr.ErrUnknownToken
	}
	lock := s.store.deviceLock(deviceID)
	s.store.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	s.store.mu.Lock()
	d, ok := s.store.devices[deviceID]
	if !ok || d.ProvisioningToken != token || s.store.deleting[d.ProjectID] {
		s.store.mu.Unlock()
		return apperr.ErrUnknownToken
	}
	target := mqtmodels.ProvisioningTarget{
		DeviceID:       d.DeviceID,
		ProjectID:      d.ProjectID,
		OwnerID:        s.store.projects[d.ProjectID].OwnerID,
		Name:           d.Name,
		IsProvisioned:  d.IsProvisioned,
		BrokerUsername: d.BrokerUsername,
	}
	s.store.mu.Unlock()

	update, err := fn(ctx, target)
	if err != nil {
		return err
	}
	if target.IsProvisioned {
		return apperr.ErrAlreadyProvisioned
	}
	if err := ctx.Err(); err != nil {
		return apperr.Unavailable("provision device timed out", err)
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	// metadata may have changed while fn ran
	d, ok = s.store.devices[deviceID]
	if !ok {
		return apperr.ErrUnknownToken
	}

	username := update.BrokerUsername
	hash := update.BrokerPasswordHash
	at := update.ProvisionedAt
	d.BrokerUsername = &username
	d.BrokerPasswordHash = &hash
	if update.MacAddress != nil {
		d.MacAddress = update.MacAddress
	}
	if update.FirmwareVersion != nil {
		d.FirmwareVersion = update.FirmwareVersion
	}
	d.IsProvisioned = true
	d.ProvisionedAt = &at
	d.UpdatedAt = at
	s.store.devices[deviceID] = d
	return nil
}

func (s *SystemStore) FindBrokerAccounts(ctx context.Context, username string) ([]mqtmodels.BrokerAccount, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	accounts := make([]mqtmodels.BrokerAccount, 0, 1)
	for _, d := range s.store.devices {
		if !d.IsProvisioned || d.BrokerUsername == nil || *d.BrokerUsername != username || d.BrokerPasswordHash == nil {
			continue
		}
		accounts = append(accounts, mqtmodels.BrokerAccount{
			DeviceID:     d.DeviceID,
			OwnerID:      s.store.projects[d.ProjectID].OwnerID,
			Username:     *d.BrokerUsername,
			PasswordHash: *d.BrokerPasswordHash,
		})
	}
	return accounts, nil
}

func (s *SystemStore) Ping(ctx context.Context) error {
	return nil
}
