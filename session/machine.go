package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/alert"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
)

// Policy holds the tunable session behaviour.
type Policy struct {
	// CompletionDelta is the weight gain that counts as a finished
	// dispensation.
	CompletionDelta float64
	// Timeout is how long a session may stay started before the
	// sweeper abandons it.
	Timeout time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

// Machine drives session state from valve and weight readings. The
// active session per device lives in a cache that is re-derived from
// the store on the first touch of a device, so sessions survive
// restarts without a durable pointer.
type Machine struct {
	store   *Store
	devices *device.Store
	emitter *alert.Emitter
	policy  Policy
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	active  map[string]*Session
	derived map[string]bool

	now func() time.Time
}

func NewMachine(store *Store, devices *device.Store, emitter *alert.Emitter, policy Policy, metrics *metric.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:   store,
		devices: devices,
		emitter: emitter,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
		active:  make(map[string]*Session),
		derived: make(map[string]bool),
		now:     time.Now,
	}
}

// activeFor returns the device's active session, deriving it from the
// store the first time the device is touched.
func (m *Machine) activeFor(ctx context.Context, mac string) (*Session, error) {
	k := device.Key(mac)

	m.mu.Lock()
	if m.derived[k] {
		sess := m.active[k]
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := m.store.ActiveForDevice(ctx, mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have derived or opened in the meantime
	if m.derived[k] {
		return m.active[k], nil
	}
	m.derived[k] = true
	if sess != nil {
		m.active[k] = sess
	}
	return m.active[k], nil
}

func (m *Machine) setActive(mac string, sess *Session) {
	k := device.Key(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.derived[k] = true
	if sess == nil {
		delete(m.active, k)
	} else {
		m.active[k] = sess
	}
}

// HasActive reports whether the device has a started session.
func (m *Machine) HasActive(ctx context.Context, mac string) bool {
	sess, err := m.activeFor(ctx, mac)
	return err == nil && sess != nil
}

// Open starts a session for the device. It fails with ErrSessionActive
// when one is already running: dispensations are never queued.
func (m *Machine) Open(ctx context.Context, mac string, trigger Trigger, initialWeight, target float64, requester *Requester) (*Session, error) {
	current, err := m.activeFor(ctx, mac)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, errors.WrapInvalid(errors.ErrSessionActive, "SessionMachine", "Open", "open session")
	}

	sess := New(mac, trigger, initialWeight, target, requester)
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	m.setActive(mac, sess)
	m.metrics.RecordSessionOpened(string(trigger))
	m.logger.Info("session opened",
		"mac", mac, "session", sess.ID, "trigger", trigger,
		"initialWeight", initialWeight, "target", target)
	return sess, nil
}

// HandleValve reacts to a valve state reading. An open valve with no
// running session starts a sensor-triggered one; an open while a
// session runs is logged and ignored. Closing never completes a
// session, only weight does.
func (m *Machine) HandleValve(ctx context.Context, dev *device.Device, state string) {
	if state != device.ValveOpen {
		return
	}
	_, err := m.Open(ctx, dev.Mac, TriggerSensor, dev.Weight, dev.Settings.TargetGrams, nil)
	if err != nil {
		if errors.IsInvalid(err) {
			m.logger.Info("valve open ignored, session already active", "mac", dev.Mac)
			return
		}
		m.logger.Warn("could not open session from valve reading", "mac", dev.Mac, "error", err)
	}
}

// HandleWeight completes the active session once the scale shows the
// expected gain. Weight may arrive before or after the valve-close
// reading, so this is the sole completion path.
func (m *Machine) HandleWeight(ctx context.Context, dev *device.Device, weight float64) {
	sess, err := m.activeFor(ctx, dev.Mac)
	if err != nil {
		m.logger.Warn("could not load active session", "mac", dev.Mac, "error", err)
		return
	}
	if sess == nil || weight < sess.InitialWeight+m.policy.CompletionDelta {
		return
	}

	now := m.now()
	sess.complete(weight, now)
	if err := m.store.Update(ctx, sess); err != nil {
		// Keep the in-memory completion so a later weight does not
		// complete the same session twice. The document stays started
		// until a later process re-derives it and the sweeper closes it.
		m.logger.Warn("could not persist session completion", "mac", dev.Mac, "session", sess.ID, "error", err)
	}
	m.setActive(dev.Mac, nil)
	m.metrics.RecordSessionCompleted()
	m.emitter.SessionCompleted(ctx, dev.Mac, sess.Delivered, time.Duration(sess.DurationMs)*time.Millisecond)
	m.logger.Info("session completed",
		"mac", dev.Mac, "session", sess.ID,
		"delivered", sess.Delivered, "durationMs", sess.DurationMs)
}

// Sweep abandons sessions that stayed started past the timeout. It
// covers every known device so sessions opened by an earlier process
// lifetime are swept too.
func (m *Machine) Sweep(ctx context.Context) {
	devices, err := m.devices.List(ctx)
	if err != nil {
		m.logger.Warn("sweep skipped, could not list devices", "error", err)
		return
	}
	now := m.now()
	for _, dev := range devices {
		sess, err := m.activeFor(ctx, dev.Mac)
		if err != nil {
			m.logger.Warn("sweep skipped device", "mac", dev.Mac, "error", err)
			continue
		}
		if sess == nil || sess.Age(now) < m.policy.Timeout {
			continue
		}

		sess.abandon(now)
		if err := m.store.Update(ctx, sess); err != nil {
			m.logger.Warn("could not persist abandonment", "mac", dev.Mac, "session", sess.ID, "error", err)
		}
		m.setActive(dev.Mac, nil)
		m.metrics.RecordSessionAbandoned()
		m.emitter.SessionAbandoned(ctx, dev.Mac, sess.Delivered)
		m.logger.Warn("session abandoned on timeout",
			"mac", dev.Mac, "session", sess.ID, "ageMs", sess.DurationMs)
	}
}

// RunSweeper runs Sweep periodically until the context ends.
func (m *Machine) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
