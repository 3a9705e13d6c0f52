package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

const token = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

func seedDevice(t *testing.T, store *Store, owner string) (*mqtmodels.Project, *mqtmodels.Device) {
	t.Helper()
	user := store.Users().ForIdentity(mqtmodels.Identity{UserID: owner})
	project, err := user.Projects().Create(context.Background(), "farm", nil)
	require.NoError(t, err)
	device, err := user.Devices().Create(context.Background(), mqtmodels.Device{
		ProjectID:         project.ProjectID,
		Name:              "sensor",
		ProvisioningToken: token,
	})
	require.NoError(t, err)
	return project, device
}

func provisionFn(calls *int, mu *sync.Mutex) interfaces.ProvisionFunc {
	return func(ctx context.Context, target mqtmodels.ProvisioningTarget) (*mqtmodels.ProvisioningUpdate, error) {
		if target.IsProvisioned {
			return nil, apperr.ErrAlreadyProvisioned
		}
		mu.Lock()
		*calls++
		mu.Unlock()
		return &mqtmodels.ProvisioningUpdate{
			BrokerUsername:     "u_owner_d_device",
			BrokerPasswordHash: "hash",
			ProvisionedAt:      time.Now().UTC(),
		}, nil
	}
}

func TestUserStore_HidesOtherOwners(t *testing.T) {
	store := NewStore()
	project, device := seedDevice(t, store, "alice")

	bob := store.Users().ForIdentity(mqtmodels.Identity{UserID: "bob"})
	ctx := context.Background()

	_, err := bob.Projects().Get(ctx, project.ProjectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = bob.Devices().Get(ctx, device.DeviceID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = bob.Devices().Create(ctx, mqtmodels.Device{ProjectID: project.ProjectID, Name: "x", ProvisioningToken: "other"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, bob.Devices().Delete(ctx, device.DeviceID, failRelease(nil)), apperr.ErrNotFound)
	assert.ErrorIs(t, bob.Projects().Delete(ctx, project.ProjectID, failRelease(nil)), apperr.ErrNotFound)

	list, err := bob.Projects().List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestUserStore_ReadsNeverExposeSecrets(t *testing.T) {
	store := NewStore()
	_, device := seedDevice(t, store, "alice")
	assert.Equal(t, token, device.ProvisioningToken)

	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})
	got, err := alice.Devices().Get(context.Background(), device.DeviceID)
	require.NoError(t, err)
	assert.Empty(t, got.ProvisioningToken)
	assert.Nil(t, got.BrokerPasswordHash)
}

func TestDeviceCreate_TokenCollision(t *testing.T) {
	store := NewStore()
	project, _ := seedDevice(t, store, "alice")
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})

	_, err := alice.Devices().Create(context.Background(), mqtmodels.Device{ProjectID: project.ProjectID, Name: "dup", ProvisioningToken: token})
	assert.ErrorIs(t, err, interfaces.ErrTokenCollision)
}

func TestProvisionDevice_UnknownToken(t *testing.T) {
	store := NewStore()
	var calls int
	var mu sync.Mutex
	err := store.System().ProvisionDevice(context.Background(), "nope", provisionFn(&calls, &mu))
	assert.ErrorIs(t, err, apperr.ErrUnknownToken)
	assert.Zero(t, calls)
}

func TestProvisionDevice_ConcurrentCallsYieldOneSuccess(t *testing.T) {
	store := NewStore()
	_, device := seedDevice(t, store, "alice")

	var calls int
	var mu sync.Mutex
	fn := provisionFn(&calls, &mu)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.System().ProvisionDevice(context.Background(), token, fn)
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case apperr.KindOf(err) == apperr.KindConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, 1, calls)

	stored, ok := store.DeviceSnapshot(device.DeviceID)
	require.True(t, ok)
	assert.True(t, stored.IsProvisioned)
	require.NotNil(t, stored.BrokerPasswordHash)
	assert.Equal(t, "hash", *stored.BrokerPasswordHash)
}

func releaseInto(released *[]mqtmodels.BrokerAccount) interfaces.ReleaseFunc {
	return func(ctx context.Context, account mqtmodels.BrokerAccount) error {
		*released = append(*released, account)
		return nil
	}
}

func failRelease(err error) interfaces.ReleaseFunc {
	return func(ctx context.Context, account mqtmodels.BrokerAccount) error { return err }
}

func TestRegenerateToken_ResetsEpoch(t *testing.T) {
	store := NewStore()
	_, device := seedDevice(t, store, "alice")
	var calls int
	var mu sync.Mutex
	require.NoError(t, store.System().ProvisionDevice(context.Background(), token, provisionFn(&calls, &mu)))

	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})
	newToken := "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	var released []mqtmodels.BrokerAccount
	updated, err := alice.Devices().RegenerateToken(context.Background(), device.DeviceID, newToken, time.Now().UTC(), releaseInto(&released))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, mqtmodels.BrokerAccount{DeviceID: device.DeviceID, OwnerID: "alice", Username: "u_owner_d_device"}, released[0])
	assert.False(t, updated.IsProvisioned)
	assert.Equal(t, newToken, updated.ProvisioningToken)
	assert.NotNil(t, updated.TokenRegeneratedAt)

	err = store.System().ProvisionDevice(context.Background(), token, provisionFn(&calls, &mu))
	assert.ErrorIs(t, err, apperr.ErrUnknownToken)

	accounts, err := store.System().FindBrokerAccounts(context.Background(), "u_owner_d_device")
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestProjectDelete_Cascades(t *testing.T) {
	store := NewStore()
	project, device := seedDevice(t, store, "alice")
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})
	ctx := context.Background()

	_, err := alice.Channels().Create(ctx, mqtmodels.Channel{DeviceID: device.DeviceID, Name: "Temp", Key: "temp", DataType: mqtmodels.DataTypeNumber})
	require.NoError(t, err)

	_, err = alice.Channels().Create(ctx, mqtmodels.Channel{DeviceID: device.DeviceID, Name: "Temp2", Key: "temp", DataType: mqtmodels.DataTypeNumber})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var released []mqtmodels.BrokerAccount
	require.NoError(t, alice.Projects().Delete(ctx, project.ProjectID, releaseInto(&released)))
	assert.Empty(t, released)

	_, ok := store.DeviceSnapshot(device.DeviceID)
	assert.False(t, ok)
	_, err = alice.Channels().ListByDevice(ctx, device.DeviceID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var calls int
	var mu sync.Mutex
	err = store.System().ProvisionDevice(ctx, token, provisionFn(&calls, &mu))
	assert.ErrorIs(t, err, apperr.ErrUnknownToken)
}

func TestRegenerateToken_ReleaseFailureKeepsEpoch(t *testing.T) {
	store := NewStore()
	_, device := seedDevice(t, store, "alice")
	var calls int
	var mu sync.Mutex
	require.NoError(t, store.System().ProvisionDevice(context.Background(), token, provisionFn(&calls, &mu)))

	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})
	releaseErr := apperr.Unavailable("broker down", nil)
	newToken := "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	_, err := alice.Devices().RegenerateToken(context.Background(), device.DeviceID, newToken, time.Now().UTC(), failRelease(releaseErr))
	assert.ErrorIs(t, err, releaseErr)

	stored, ok := store.DeviceSnapshot(device.DeviceID)
	require.True(t, ok)
	assert.True(t, stored.IsProvisioned)
	assert.Equal(t, token, stored.ProvisioningToken)

	accounts, err := store.System().FindBrokerAccounts(context.Background(), "u_owner_d_device")
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestDeviceDelete_ReleasesAccount(t *testing.T) {
	store := NewStore()
	_, device := seedDevice(t, store, "alice")
	var calls int
	var mu sync.Mutex
	require.NoError(t, store.System().ProvisionDevice(context.Background(), token, provisionFn(&calls, &mu)))
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})

	err := alice.Devices().Delete(context.Background(), device.DeviceID, failRelease(apperr.Unavailable("broker down", nil)))
	require.Error(t, err)
	_, ok := store.DeviceSnapshot(device.DeviceID)
	assert.True(t, ok)

	var released []mqtmodels.BrokerAccount
	require.NoError(t, alice.Devices().Delete(context.Background(), device.DeviceID, releaseInto(&released)))
	require.Len(t, released, 1)
	assert.Equal(t, device.DeviceID, released[0].DeviceID)
	_, ok = store.DeviceSnapshot(device.DeviceID)
	assert.False(t, ok)
}

func TestProjectDelete_ReleaseFailureKeepsProject(t *testing.T) {
	store := NewStore()
	project, device := seedDevice(t, store, "alice")
	var calls int
	var mu sync.Mutex
	require.NoError(t, store.System().ProvisionDevice(context.Background(), token, provisionFn(&calls, &mu)))
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})
	ctx := context.Background()

	require.Error(t, alice.Projects().Delete(ctx, project.ProjectID, failRelease(apperr.Unavailable("broker down", nil))))
	_, ok := store.DeviceSnapshot(device.DeviceID)
	assert.True(t, ok)

	// the failed attempt must not leave the project closed to new devices
	_, err := alice.Devices().Create(ctx, mqtmodels.Device{ProjectID: project.ProjectID, Name: "second", ProvisioningToken: "eeee"})
	require.NoError(t, err)

	var released []mqtmodels.BrokerAccount
	require.NoError(t, alice.Projects().Delete(ctx, project.ProjectID, releaseInto(&released)))
	require.Len(t, released, 1)
	assert.Equal(t, device.DeviceID, released[0].DeviceID)
}

func TestProvisionDevice_CallbackDoesNotBlockOtherRequests(t *testing.T) {
	store := NewStore()
	seedDevice(t, store, "alice")
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.System().ProvisionDevice(context.Background(), token, func(ctx context.Context, target mqtmodels.ProvisioningTarget) (*mqtmodels.ProvisioningUpdate, error) {
			close(entered)
			<-proceed
			return &mqtmodels.ProvisioningUpdate{BrokerUsername: "u", BrokerPasswordHash: "h", ProvisionedAt: time.Now().UTC()}, nil
		})
	}()
	<-entered

	listed := make(chan error, 1)
	go func() {
		_, err := alice.Projects().List(context.Background(), 1, 10)
		listed <- err
	}()
	select {
	case err := <-listed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("project list blocked behind a provisioning callback")
	}

	close(proceed)
	require.NoError(t, <-done)
}

func TestProjectDelete_WaitsForInFlightProvisioning(t *testing.T) {
	store := NewStore()
	project, device := seedDevice(t, store, "alice")
	alice := store.Users().ForIdentity(mqtmodels.Identity{UserID: "alice"})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.System().ProvisionDevice(context.Background(), token, func(ctx context.Context, target mqtmodels.ProvisioningTarget) (*mqtmodels.ProvisioningUpdate, error) {
			close(entered)
			<-proceed
			return &mqtmodels.ProvisioningUpdate{BrokerUsername: "u_owner_d_device", BrokerPasswordHash: "h", ProvisionedAt: time.Now().UTC()}, nil
		})
	}()
	<-entered

	var released []mqtmodels.BrokerAccount
	deleted := make(chan error, 1)
	go func() {
		deleted <- alice.Projects().Delete(context.Background(), project.ProjectID, releaseInto(&released))
	}()

	close(proceed)
	require.NoError(t, <-done)
	require.NoError(t, <-deleted)

	require.Len(t, released, 1)
	assert.Equal(t, device.DeviceID, released[0].DeviceID)
	_, ok := store.DeviceSnapshot(device.DeviceID)
	assert.False(t, ok)
}
