package device

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

const testMac = "AA:BB:CC:DD:EE:FF"

func testDefaults() Settings {
	return Settings{TargetGrams: 50, LowLevel: 200, Capacity: 1000}
}

func newTestStore() (*Store, *storage.MemoryKV) {
	kv := storage.NewMemoryKV()
	return NewStore(kv, testDefaults(), nil), kv
}

func TestKeyNormalization(t *testing.T) {
	assert.Equal(t, "AA-BB-CC-DD-EE-FF", Key("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, "AA-BB-CC-DD-EE-FF", Key(" AA:BB:CC:DD:EE:FF "))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", Canonical("aa:bb:cc:dd:ee:ff"))
}

func TestGetMissingDevice(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Get(context.Background(), testMac)
	assert.True(t, stderrors.Is(err, errors.ErrDeviceNotFound))
}

func TestEnsureExistsCreatesWithDefaults(t *testing.T) {
	store, kv := newTestStore()

	dev, err := store.EnsureExists(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	assert.Equal(t, testMac, dev.Mac)
	assert.Equal(t, UnknownAddress, dev.IP)
	assert.True(t, dev.Connected)
	assert.NotZero(t, dev.LastSeen)
	assert.Equal(t, testDefaults(), dev.Settings)
	assert.Equal(t, 1, kv.Len())

	// Second call returns the existing row, no duplicate
	again, err := store.EnsureExists(context.Background(), testMac)
	require.NoError(t, err)
	assert.Equal(t, dev.Mac, again.Mac)
	assert.Equal(t, 1, kv.Len())
}

func TestUpdateFieldCreatesMinimalDevice(t *testing.T) {
	store, _ := newTestStore()

	require.NoError(t, store.UpdateField(context.Background(), testMac, "peso", 480.0))

	dev, err := store.Get(context.Background(), testMac)
	require.NoError(t, err)
	assert.Equal(t, 480.0, dev.Weight)
	assert.Equal(t, testDefaults(), dev.Settings, "lazily created device is seeded with defaults")
	assert.NotZero(t, dev.LastSeen)
}

func TestUpdateFieldDoesNotClobberOtherFields(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.UpdateField(ctx, testMac, "peso", 480.0))
	require.NoError(t, store.UpdateField(ctx, testMac, "distancia", 12.5))

	dev, err := store.Get(ctx, testMac)
	require.NoError(t, err)
	assert.Equal(t, 480.0, dev.Weight)
	assert.Equal(t, 12.5, dev.Distance)
}

func TestSetConnected(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	_, err := store.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	require.NoError(t, store.SetConnected(ctx, testMac, false))
	dev, err := store.Get(ctx, testMac)
	require.NoError(t, err)
	assert.False(t, dev.Connected)
}

func mustMarshalDevice(t *testing.T, dev *Device) []byte {
	t.Helper()
	raw, err := json.Marshal(dev)
	require.NoError(t, err)
	return raw
}

func TestMostRecentlyActive(t *testing.T) {
	store, kv := newTestStore()
	ctx := context.Background()

	_, err := store.MostRecentlyActive(ctx)
	assert.True(t, stderrors.Is(err, errors.ErrDeviceNotFound))

	require.NoError(t, store.UpdateField(ctx, "11:11:11:11:11:11", "peso", 1.0))
	require.NoError(t, store.UpdateField(ctx, "22:22:22:22:22:22", "peso", 2.0))
	// UpdateField refreshes lastSeen, so the second device is now the latest
	require.NoError(t, kv.Put(ctx, Key("11:11:11:11:11:11"), mustMarshalDevice(t, &Device{
		Mac: "11:11:11:11:11:11", LastSeen: 1,
	})))

	latest, err := store.MostRecentlyActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "22:22:22:22:22:22", latest.Mac)
}

func TestListSkipsCorruptDocuments(t *testing.T) {
	store, kv := newTestStore()
	ctx := context.Background()

	_, err := store.EnsureExists(ctx, testMac)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "BROKEN", []byte("not json")))

	devices, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestUpdateFieldStoreFailure(t *testing.T) {
	store, kv := newTestStore()
	kv.FailWrites = true

	err := store.UpdateField(context.Background(), testMac, "peso", 480.0)
	assert.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
