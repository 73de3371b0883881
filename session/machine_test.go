package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/alert"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

const testMac = "AA:BB:CC:DD:EE:FF"

type fixture struct {
	machine    *Machine
	sessions   *Store
	sessionKV  *storage.MemoryKV
	devices    *device.Store
	alertStore *alert.Store
}

func testPolicy() Policy {
	return Policy{
		CompletionDelta: 30,
		Timeout:         5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessionKV := storage.NewMemoryKV()
	sessions := NewStore(sessionKV, nil)
	devices := device.NewStore(storage.NewMemoryKV(), device.Settings{TargetGrams: 50, LowLevel: 200, Capacity: 1000}, nil)
	alertStore := alert.NewStore(storage.NewMemoryKV(), nil)
	emitter := alert.NewEmitter(alertStore, alert.Thresholds{HighTemperature: 40, LowBattery: 20}, time.Hour, metric.NewMetrics(nil), nil)
	machine := NewMachine(sessions, devices, emitter, testPolicy(), metric.NewMetrics(nil), nil)
	return &fixture{machine: machine, sessions: sessions, sessionKV: sessionKV, devices: devices, alertStore: alertStore}
}

func (f *fixture) device(t *testing.T, weight float64) *device.Device {
	t.Helper()
	dev, err := f.devices.EnsureExists(context.Background(), testMac)
	require.NoError(t, err)
	dev.Weight = weight
	return dev
}

func alertCategories(t *testing.T, store *alert.Store) []alert.Category {
	t.Helper()
	alerts, err := store.List(context.Background(), testMac)
	require.NoError(t, err)
	categories := make([]alert.Category, 0, len(alerts))
	for _, a := range alerts {
		categories = append(categories, a.Category)
	}
	return categories
}

func TestValveOpenStartsSensorSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)

	sess, err := f.sessions.ActiveForDevice(ctx, testMac)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, TriggerSensor, sess.Trigger)
	assert.Equal(t, StateStarted, sess.State)
	assert.InDelta(t, 120.0, sess.InitialWeight, 0.01)
	assert.InDelta(t, 50.0, sess.TargetGrams, 0.01)
}

func TestValveCloseDoesNotComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)
	f.machine.HandleValve(ctx, dev, device.ValveClosed)

	sess, err := f.sessions.ActiveForDevice(ctx, testMac)
	require.NoError(t, err)
	require.NotNil(t, sess, "only weight completes a session")
	assert.Equal(t, StateStarted, sess.State)
}

func TestSecondValveOpenIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)
	f.machine.HandleValve(ctx, dev, device.ValveOpen)

	all, err := f.sessions.List(ctx, testMac)
	require.NoError(t, err)
	assert.Len(t, all, 1, "open triggers are never queued")
}

func TestWeightCompletesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)
	f.machine.HandleWeight(ctx, dev, 140) // delta 20 < 30, still running
	f.machine.HandleWeight(ctx, dev, 155) // delta 35 >= 30, done

	active, err := f.sessions.ActiveForDevice(ctx, testMac)
	require.NoError(t, err)
	assert.Nil(t, active)

	all, err := f.sessions.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, all, 1)
	sess := all[0]
	assert.Equal(t, StateCompleted, sess.State)
	assert.InDelta(t, 155.0, sess.FinalWeight, 0.01)
	assert.InDelta(t, 35.0, sess.Delivered, 0.01)
	assert.NotZero(t, sess.CompletedAt)

	assert.Contains(t, alertCategories(t, f.alertStore), alert.CategorySessionCompleted)
}

func TestWeightWithoutSessionIsIgnored(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 120)

	f.machine.HandleWeight(context.Background(), dev, 500)

	all, err := f.sessions.List(context.Background(), testMac)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOperatorOpenBlockedWhileActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Open(ctx, testMac, TriggerOperator, 100, 60, &Requester{ID: "u1", Name: "Ana"})
	require.NoError(t, err)

	_, err = f.machine.Open(ctx, testMac, TriggerOperator, 100, 60, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestActiveSessionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)

	// A fresh machine over the same store stands in for a restart
	restarted := NewMachine(f.sessions, f.devices, f.machine.emitter, testPolicy(), metric.NewMetrics(nil), nil)
	assert.True(t, restarted.HasActive(ctx, testMac))

	restarted.HandleWeight(ctx, dev, 200)
	assert.False(t, restarted.HasActive(ctx, testMac))
}

func TestOpenFailsWhenStoreDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessionKV.FailWrites = true
	_, err := f.machine.Open(ctx, testMac, TriggerOperator, 100, 60, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestSweepAbandonsStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)

	// Advance the machine clock past the timeout
	f.machine.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	f.machine.Sweep(ctx)

	all, err := f.sessions.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StateAbandoned, all[0].State)
	assert.False(t, f.machine.HasActive(ctx, testMac))

	alerts, err := f.alertStore.List(ctx, testMac)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.CategorySessionAbandoned, alerts[0].Category)
	assert.Equal(t, alert.SeverityError, alerts[0].Severity)
}

func TestSweepLeavesFreshSessionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.device(t, 120)

	f.machine.HandleValve(ctx, dev, device.ValveOpen)
	f.machine.Sweep(ctx)

	assert.True(t, f.machine.HasActive(ctx, testMac))
}
