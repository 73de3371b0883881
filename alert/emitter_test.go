package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

const testMac = "AA:BB:CC:DD:EE:FF"

func newTestEmitter(cooldown time.Duration) (*Emitter, *Store, *storage.MemoryKV) {
	kv := storage.NewMemoryKV()
	store := NewStore(kv, nil)
	thresholds := Thresholds{HighTemperature: 40, LowBattery: 20}
	return NewEmitter(store, thresholds, cooldown, metric.NewMetrics(nil), nil), store, kv
}

func lowDevice(weight float64) *device.Device {
	return &device.Device{
		Mac:      testMac,
		Weight:   weight,
		Settings: device.Settings{LowLevel: 200},
	}
}

func TestLowLevelFiresOnCrossingEdgeOnly(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.WeightUpdated(ctx, lowDevice(150))
	emitter.WeightUpdated(ctx, lowDevice(140))
	emitter.WeightUpdated(ctx, lowDevice(130))

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "persisting condition must not re-fire")
	assert.Equal(t, CategoryLowLevel, alerts[0].Category)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.InDelta(t, 150.0, alerts[0].Value, 0.01)
	assert.InDelta(t, 200.0, alerts[0].Threshold, 0.01)
}

func TestLowLevelRefiresAfterRecovery(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Millisecond)
	ctx := context.Background()

	emitter.WeightUpdated(ctx, lowDevice(150))
	emitter.WeightUpdated(ctx, lowDevice(500)) // refilled
	time.Sleep(5 * time.Millisecond)
	emitter.WeightUpdated(ctx, lowDevice(120))

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestCooldownSuppressesFlapping(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	// Condition flaps around the threshold faster than the cooldown
	emitter.WeightUpdated(ctx, lowDevice(199))
	emitter.WeightUpdated(ctx, lowDevice(201))
	emitter.WeightUpdated(ctx, lowDevice(199))
	emitter.WeightUpdated(ctx, lowDevice(201))
	emitter.WeightUpdated(ctx, lowDevice(199))

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "cooldown must bound a flapping signal to one alert")
}

func TestZeroLowLevelThresholdNeverFires(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	dev := &device.Device{Mac: testMac, Weight: 0}
	emitter.WeightUpdated(ctx, dev)

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestTemperatureAndBatteryThresholds(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.TemperatureUpdated(ctx, &device.Device{Mac: testMac, Temperature: 41.5})
	emitter.BatteryUpdated(ctx, &device.Device{Mac: testMac, Battery: 15})
	emitter.BatteryUpdated(ctx, &device.Device{Mac: testMac, Battery: 0}) // unreported, not empty

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	categories := map[Category]bool{}
	for _, a := range alerts {
		categories[a.Category] = true
	}
	assert.True(t, categories[CategoryHighTemperature])
	assert.True(t, categories[CategoryLowBattery])
}

func TestConnectivityAlertsOnDisconnectOnly(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.ConnectivityChanged(ctx, testMac, true)
	emitter.ConnectivityChanged(ctx, testMac, false)
	emitter.ConnectivityChanged(ctx, testMac, false)
	emitter.ConnectivityChanged(ctx, testMac, true)

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryConnectivity, alerts[0].Category)
}

func TestSessionEventsBypassCooldown(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.SessionCompleted(ctx, testMac, 50, 12*time.Second)
	emitter.SessionCompleted(ctx, testMac, 30, 8*time.Second)
	emitter.SessionAbandoned(ctx, testMac, 5)

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	assert.Len(t, alerts, 3)
}

func TestSessionAbandonedIsErrorSeverity(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.SessionAbandoned(ctx, testMac, 5.5)

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, CategorySessionAbandoned, alerts[0].Category)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.Equal(t, "dispensation abandoned: only 5.5g delivered", alerts[0].Message)
}

func TestSessionCompletedMessage(t *testing.T) {
	emitter, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	emitter.SessionCompleted(ctx, testMac, 50.5, 12*time.Second)

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "dispensation completed: 50.5g in 12s", alerts[0].Message)
	assert.Equal(t, SeverityInfo, alerts[0].Severity)
}

func TestAlertDroppedWhenStoreDown(t *testing.T) {
	emitter, store, kv := newTestEmitter(time.Hour)
	ctx := context.Background()

	kv.FailWrites = true
	emitter.WeightUpdated(ctx, lowDevice(150))
	kv.FailWrites = false

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	assert.Empty(t, alerts, "alerts are at-most-once, never queued for retry")
}

func TestAcknowledge(t *testing.T) {
	_, store, _ := newTestEmitter(time.Hour)
	ctx := context.Background()

	a := New(testMac, CategoryLowLevel, SeverityWarning, "low")
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Acknowledge(ctx, testMac, a.ID))

	alerts, err := store.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	_, store, _ := newTestEmitter(time.Hour)

	err := store.Acknowledge(context.Background(), testMac, "no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
