package command

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/alert"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/session"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

const testMac = "AA:BB:CC:DD:EE:FF"

type fakeBus struct {
	healthy   bool
	published [][]byte
	subjects  []string
}

func (f *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.published = append(f.published, data)
	return nil
}

func (f *fakeBus) IsHealthy() bool { return f.healthy }

func newTestPublisher(t *testing.T) (*Publisher, *fakeBus, *device.Store, *session.Machine) {
	t.Helper()
	devices := device.NewStore(storage.NewMemoryKV(), device.Settings{TargetGrams: 50, LowLevel: 200, Capacity: 1000}, nil)
	sessions := session.NewStore(storage.NewMemoryKV(), nil)
	alertStore := alert.NewStore(storage.NewMemoryKV(), nil)
	emitter := alert.NewEmitter(alertStore, alert.Thresholds{HighTemperature: 40, LowBattery: 20}, time.Hour, metric.NewMetrics(nil), nil)
	machine := session.NewMachine(sessions, devices, emitter, session.Policy{
		CompletionDelta: 30,
		Timeout:         5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}, metric.NewMetrics(nil), nil)
	bus := &fakeBus{healthy: true}
	pub := NewPublisher(bus, devices, machine, "feeder.comando", metric.NewMetrics(nil), nil)
	return pub, bus, devices, machine
}

func TestDispensePublishesAndPreCreatesSession(t *testing.T) {
	pub, bus, devices, machine := newTestPublisher(t)
	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	sess, err := pub.Dispense(ctx, testMac, 75, &session.Requester{ID: "u1", Name: "Ana"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.TriggerOperator, sess.Trigger)
	assert.InDelta(t, 75.0, sess.TargetGrams, 0.01)
	assert.True(t, machine.HasActive(ctx, testMac))

	require.Len(t, bus.published, 1)
	assert.Equal(t, "feeder.comando", bus.subjects[0])

	var cmd Dispense
	require.NoError(t, json.Unmarshal(bus.published[0], &cmd))
	assert.Equal(t, CommandDispense, cmd.Command)
	assert.InDelta(t, 75.0, cmd.Quantity, 0.01)
	assert.Equal(t, testMac, cmd.Mac)
	require.NotNil(t, cmd.Requester)
	assert.Equal(t, "Ana", cmd.Requester.Name)
}

func TestDispenseZeroQuantityUsesDeviceDefault(t *testing.T) {
	pub, bus, devices, _ := newTestPublisher(t)
	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	sess, err := pub.Dispense(ctx, testMac, 0, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, sess.TargetGrams, 0.01)

	var cmd Dispense
	require.NoError(t, json.Unmarshal(bus.published[0], &cmd))
	assert.InDelta(t, 50.0, cmd.Quantity, 0.01)
}

func TestDispenseQuantityBounds(t *testing.T) {
	pub, bus, devices, _ := newTestPublisher(t)
	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	for _, quantity := range []float64{-5, 1001} {
		_, err := pub.Dispense(ctx, testMac, quantity, nil)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrQuantityOutOfRange))
	}
	assert.Empty(t, bus.published)
}

func TestDispenseWhenBusDown(t *testing.T) {
	pub, bus, devices, _ := newTestPublisher(t)
	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	bus.healthy = false
	_, err = pub.Dispense(ctx, testMac, 50, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrBusNotReady))
	assert.True(t, errors.IsTransient(err))
}

func TestDispenseBlockedByActiveSession(t *testing.T) {
	pub, bus, devices, machine := newTestPublisher(t)
	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	_, err = machine.Open(ctx, testMac, session.TriggerSensor, 100, 50, nil)
	require.NoError(t, err)

	_, err = pub.Dispense(ctx, testMac, 50, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSessionActive))
	assert.Empty(t, bus.published, "blocked dispense must not reach the bus")
}

func TestDispenseSessionStoreDownAfterPublish(t *testing.T) {
	devices := device.NewStore(storage.NewMemoryKV(), device.Settings{TargetGrams: 50, LowLevel: 200, Capacity: 1000}, nil)
	sessionKV := storage.NewMemoryKV()
	sessions := session.NewStore(sessionKV, nil)
	alertStore := alert.NewStore(storage.NewMemoryKV(), nil)
	emitter := alert.NewEmitter(alertStore, alert.Thresholds{HighTemperature: 40, LowBattery: 20}, time.Hour, metric.NewMetrics(nil), nil)
	machine := session.NewMachine(sessions, devices, emitter, session.Policy{
		CompletionDelta: 30,
		Timeout:         5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}, metric.NewMetrics(nil), nil)
	bus := &fakeBus{healthy: true}
	pub := NewPublisher(bus, devices, machine, "feeder.comando", metric.NewMetrics(nil), nil)

	ctx := context.Background()
	_, err := devices.EnsureExists(ctx, testMac)
	require.NoError(t, err)

	sessionKV.FailWrites = true
	sess, err := pub.Dispense(ctx, testMac, 75, nil)

	assert.Nil(t, sess)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSessionPending))
	assert.True(t, errors.IsTransient(err))
	require.Len(t, bus.published, 1, "the command was already on the wire")
}

func TestDispenseUnknownDevice(t *testing.T) {
	pub, _, _, _ := newTestPublisher(t)

	_, err := pub.Dispense(context.Background(), testMac, 50, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrDeviceNotFound))
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		structured bool
		simple     string
	}{
		{
			name:       "structured dispense",
			data:       `{"comando":"dispensar","cantidad":50,"mac":"AA:BB:CC:DD:EE:FF"}`,
			structured: true,
		},
		{
			name:   "quoted acknowledgement",
			data:   `"dispensado"`,
			simple: "dispensado",
		},
		{
			name:   "bare acknowledgement",
			data:   "ok",
			simple: "ok",
		},
		{
			name:   "object without command verb",
			data:   `{"estado":"listo"}`,
			simple: `{"estado":"listo"}`,
		},
		{
			name:   "whitespace trimmed",
			data:   "  listo \n",
			simple: "listo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload([]byte(tt.data))
			assert.Equal(t, tt.structured, p.IsStructured())
			if !tt.structured {
				assert.Equal(t, tt.simple, p.Simple)
			}
		})
	}
}
