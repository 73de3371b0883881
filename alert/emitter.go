package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
)

// Thresholds holds the service-level limits that are not part of a
// device's own configuration.
type Thresholds struct {
	HighTemperature float64
	LowBattery      float64
}

// Emitter derives alerts from telemetry and session outcomes. Threshold
// alerts fire on the crossing edge only: while a condition persists the
// emitter stays quiet, and a per-device cooldown bounds how often a
// flapping signal can re-fire.
type Emitter struct {
	store      *Store
	thresholds Thresholds
	cooldown   time.Duration
	metrics    *metric.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	active   map[string]bool
	limiters map[string]*rate.Limiter
}

func NewEmitter(store *Store, thresholds Thresholds, cooldown time.Duration, metrics *metric.Metrics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		store:      store,
		thresholds: thresholds,
		cooldown:   cooldown,
		metrics:    metrics,
		logger:     logger,
		active:     make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func conditionKey(mac string, category Category) string {
	return device.Key(mac) + "|" + string(category)
}

// observe tracks a threshold condition and reports whether this update
// is a firing edge. Clearing the condition re-arms the edge regardless
// of the cooldown, so a genuine new crossing after recovery still fires
// once the limiter allows it.
func (e *Emitter) observe(mac string, category Category, firing bool) bool {
	key := conditionKey(mac, category)

	e.mu.Lock()
	defer e.mu.Unlock()

	was := e.active[key]
	e.active[key] = firing
	if !firing || was {
		return false
	}

	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cooldown), 1)
		e.limiters[key] = lim
	}
	if !lim.Allow() {
		e.metrics.RecordAlertSuppressed(string(category))
		e.logger.Debug("alert suppressed by cooldown", "mac", mac, "category", category)
		return false
	}
	return true
}

// emit persists the alert. Failures are logged and dropped: the alert
// reflects a condition at a point in time, re-delivering it later from
// stale telemetry would be misleading.
func (e *Emitter) emit(ctx context.Context, a *Alert) {
	if err := e.store.Append(ctx, a); err != nil {
		e.logger.Warn("dropping alert, store unavailable",
			"mac", a.Mac, "category", a.Category, "error", err)
		return
	}
	e.metrics.RecordAlertEmitted(string(a.Category))
	e.logger.Info("alert emitted",
		"mac", a.Mac, "category", a.Category, "severity", a.Severity, "message", a.Message)
}

// WeightUpdated checks the hopper level against the device's own
// low-level threshold.
func (e *Emitter) WeightUpdated(ctx context.Context, dev *device.Device) {
	threshold := dev.Settings.LowLevel
	firing := threshold > 0 && dev.Weight <= threshold
	if !e.observe(dev.Mac, CategoryLowLevel, firing) {
		return
	}
	a := New(dev.Mac, CategoryLowLevel, SeverityWarning,
		fmt.Sprintf("food level low: %.1fg remaining (threshold %.1fg)", dev.Weight, threshold))
	a.Value = dev.Weight
	a.Threshold = threshold
	e.emit(ctx, a)
}

// TemperatureUpdated checks ambient temperature against the service
// limit.
func (e *Emitter) TemperatureUpdated(ctx context.Context, dev *device.Device) {
	firing := dev.Temperature > e.thresholds.HighTemperature
	if !e.observe(dev.Mac, CategoryHighTemperature, firing) {
		return
	}
	a := New(dev.Mac, CategoryHighTemperature, SeverityWarning,
		fmt.Sprintf("temperature high: %.1f°C (limit %.1f°C)", dev.Temperature, e.thresholds.HighTemperature))
	a.Value = dev.Temperature
	a.Threshold = e.thresholds.HighTemperature
	e.emit(ctx, a)
}

// BatteryUpdated checks the battery charge against the service limit.
func (e *Emitter) BatteryUpdated(ctx context.Context, dev *device.Device) {
	charge := float64(dev.Battery)
	firing := dev.Battery > 0 && charge < e.thresholds.LowBattery
	if !e.observe(dev.Mac, CategoryLowBattery, firing) {
		return
	}
	a := New(dev.Mac, CategoryLowBattery, SeverityWarning,
		fmt.Sprintf("battery low: %.0f%% (threshold %.0f%%)", charge, e.thresholds.LowBattery))
	a.Value = charge
	a.Threshold = e.thresholds.LowBattery
	e.emit(ctx, a)
}

// ConnectivityChanged raises an alert when a device drops off the bus.
// Reconnection clears the condition silently.
func (e *Emitter) ConnectivityChanged(ctx context.Context, mac string, connected bool) {
	if !e.observe(mac, CategoryConnectivity, !connected) {
		return
	}
	e.emit(ctx, New(mac, CategoryConnectivity, SeverityWarning, "device disconnected"))
}

// SessionCompleted records a successful dispensation. Session events
// are discrete, so they bypass edge tracking and cooldowns.
func (e *Emitter) SessionCompleted(ctx context.Context, mac string, delivered float64, duration time.Duration) {
	a := New(mac, CategorySessionCompleted, SeverityInfo,
		fmt.Sprintf("dispensation completed: %.1fg in %.0fs", delivered, duration.Seconds()))
	a.Value = delivered
	e.emit(ctx, a)
}

// SessionAbandoned records a dispensation that timed out before
// reaching its target.
func (e *Emitter) SessionAbandoned(ctx context.Context, mac string, delivered float64) {
	a := New(mac, CategorySessionAbandoned, SeverityError,
		fmt.Sprintf("dispensation abandoned: only %.1fg delivered", delivered))
	a.Value = delivered
	e.emit(ctx, a)
}

// SystemError records an internal processing failure so operators can
// see it alongside device alerts.
func (e *Emitter) SystemError(ctx context.Context, mac, message string) {
	e.emit(ctx, New(mac, CategorySystemError, SeverityError, message))
}
