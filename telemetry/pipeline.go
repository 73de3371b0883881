// Package telemetry consumes the raw feeder topics from the bus,
// correlates readings with device identity, and feeds the session
// machine and alert emitter.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/alert"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/command"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/session"
)

// Topic suffixes the firmware publishes on.
const (
	TopicMac           = "mac"
	TopicIP            = "ip"
	TopicWeight        = "peso"
	TopicDispenser     = "dispensador"
	TopicDistance      = "distancia"
	TopicLed           = "led"
	TopicValve         = "servo"
	TopicPotentiometer = "potenciometro"
	TopicBattery       = "bateria"
	TopicTemperature   = "temperatura"
	TopicCommand       = "comando"
)

// Bus is the slice of the bus client the pipeline needs.
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
	Unsubscribe()
}

// Pipeline dispatches bus messages by topic suffix. Messages are
// handled one at a time in arrival order; a bad message is logged and
// dropped without affecting the next one.
type Pipeline struct {
	resolver   *device.Resolver
	devices    *device.Store
	machine    *session.Machine
	emitter    *alert.Emitter
	storeReady func() bool
	root       string
	metrics    *metric.Metrics
	logger     *slog.Logger
}

func NewPipeline(resolver *device.Resolver, devices *device.Store, machine *session.Machine, emitter *alert.Emitter, storeReady func() bool, root string, metrics *metric.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if storeReady == nil {
		storeReady = func() bool { return true }
	}
	return &Pipeline{
		resolver:   resolver,
		devices:    devices,
		machine:    machine,
		emitter:    emitter,
		storeReady: storeReady,
		root:       root,
		metrics:    metrics,
		logger:     logger,
	}
}

// Subscribe attaches the pipeline to every topic under the subject
// root. Call it again after a bus reconnect; subscriptions do not
// survive one.
func (p *Pipeline) Subscribe(ctx context.Context, bus Bus) error {
	subject := p.root + ".>"
	if err := bus.Subscribe(ctx, subject, p.HandleMessage); err != nil {
		return errors.WrapTransient(err, "Pipeline", "Subscribe", "subscribe "+subject)
	}
	p.logger.Info("subscribed to telemetry", "subject", subject)
	return nil
}

// HandleMessage dispatches one bus message. It never returns an error:
// every failure mode ends with the message dropped and the pipeline
// ready for the next one.
func (p *Pipeline) HandleMessage(ctx context.Context, subject string, payload []byte) {
	topic := subject
	if idx := strings.LastIndex(subject, "."); idx >= 0 {
		topic = subject[idx+1:]
	}
	p.metrics.RecordMessageReceived(topic)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic recovered", "topic", topic, "panic", r)
			p.metrics.RecordError("pipeline", "panic")
			p.systemError(topic, r)
		}
		p.metrics.RecordProcessingDuration(topic, time.Since(start))
	}()

	if !p.storeReady() {
		p.logger.Warn("store unavailable, dropping message", "topic", topic)
		p.metrics.RecordMessageSkipped(topic, "store-unavailable")
		return
	}

	switch topic {
	case TopicMac:
		p.handleIdentity(ctx, topic, payload)
	case TopicIP:
		p.handleNetworkAddress(ctx, topic, payload)
	case TopicWeight, TopicDispenser:
		p.handleWeight(ctx, topic, payload)
	case TopicDistance:
		p.handleNumericField(ctx, topic, "distancia", payload)
	case TopicLed:
		p.handleStringField(ctx, topic, "led", payload)
	case TopicValve:
		p.handleValve(ctx, topic, payload)
	case TopicPotentiometer:
		p.handleIntField(ctx, topic, "potenciometro", payload)
	case TopicBattery:
		p.handleBattery(ctx, topic, payload)
	case TopicTemperature:
		p.handleTemperature(ctx, topic, payload)
	case TopicCommand:
		p.handleCommand(ctx, topic, payload)
	default:
		p.logger.Warn("unknown topic", "subject", subject)
		p.metrics.RecordMessageSkipped(topic, "unknown-topic")
	}
}

// systemError records a best-effort alert for an internal failure.
func (p *Pipeline) systemError(topic string, cause any) {
	mac := p.resolver.LastAnnounced()
	if mac == "" {
		mac = device.UnknownAddress
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.emitter.SystemError(ctx, mac, fmt.Sprintf("internal error handling %s message: %v", topic, cause))
}

// parseNumber is deliberately permissive: firmware publishes bare
// numbers, sometimes quoted, sometimes padded with whitespace.
func parseNumber(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	s = strings.Trim(s, `"`)
	if s == "" {
		return 0, errors.ErrMalformedValue
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.ErrMalformedValue
	}
	return v, nil
}

func parseString(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	return strings.Trim(s, `"`)
}

// resolve finds the device a reading belongs to, counting a skip when
// no device is known yet.
func (p *Pipeline) resolve(ctx context.Context, topic string) (*device.Device, bool) {
	dev, err := p.resolver.Resolve(ctx)
	if err != nil {
		p.logger.Warn("reading discarded, no device known", "topic", topic)
		p.metrics.RecordMessageSkipped(topic, "no-device")
		return nil, false
	}
	return dev, true
}

func (p *Pipeline) upsert(ctx context.Context, topic string, mac, field string, value any) bool {
	if err := p.devices.UpdateField(ctx, mac, field, value); err != nil {
		p.logger.Warn("store update failed, dropping reading",
			"topic", topic, "mac", mac, "field", field, "error", err)
		p.metrics.RecordMessageSkipped(topic, "store-error")
		return false
	}
	p.metrics.RecordMessageProcessed(topic, "ok")
	return true
}

func (p *Pipeline) handleIdentity(ctx context.Context, topic string, payload []byte) {
	mac := parseString(payload)
	if mac == "" {
		p.logger.Warn("empty identity announcement, skipping")
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	if _, err := p.resolver.Announce(ctx, mac); err != nil {
		p.logger.Warn("identity announcement failed", "mac", mac, "error", err)
		p.metrics.RecordMessageSkipped(topic, "store-error")
		return
	}
	// The firmware announces once per boot, so an announcement doubles
	// as a liveness signal
	if err := p.devices.SetConnected(ctx, mac, true); err != nil {
		p.logger.Warn("could not mark device connected", "mac", mac, "error", err)
	}
	p.metrics.RecordMessageProcessed(topic, "ok")
}

func (p *Pipeline) handleNetworkAddress(ctx context.Context, topic string, payload []byte) {
	ip := parseString(payload)
	if ip == "" {
		ip = device.UnknownAddress
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	p.upsert(ctx, topic, dev.Mac, "ip", ip)
}

func (p *Pipeline) handleWeight(ctx context.Context, topic string, payload []byte) {
	w, err := parseNumber(payload)
	if err != nil {
		p.logger.Warn("malformed weight payload", "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	if !p.upsert(ctx, topic, dev.Mac, "peso", w) {
		return
	}
	dev.Weight = w
	p.machine.HandleWeight(ctx, dev, w)
	p.emitter.WeightUpdated(ctx, dev)
}

func (p *Pipeline) handleNumericField(ctx context.Context, topic, field string, payload []byte) {
	v, err := parseNumber(payload)
	if err != nil {
		p.logger.Warn("malformed numeric payload", "topic", topic, "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	p.upsert(ctx, topic, dev.Mac, field, v)
}

func (p *Pipeline) handleIntField(ctx context.Context, topic, field string, payload []byte) {
	v, err := parseNumber(payload)
	if err != nil {
		p.logger.Warn("malformed numeric payload", "topic", topic, "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	p.upsert(ctx, topic, dev.Mac, field, int(v))
}

func (p *Pipeline) handleStringField(ctx context.Context, topic, field string, payload []byte) {
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	p.upsert(ctx, topic, dev.Mac, field, parseString(payload))
}

func (p *Pipeline) handleValve(ctx context.Context, topic string, payload []byte) {
	state := strings.ToLower(parseString(payload))
	if state != device.ValveOpen && state != device.ValveClosed {
		p.logger.Warn("unknown valve state", "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	if !p.upsert(ctx, topic, dev.Mac, "servo", state) {
		return
	}
	dev.Valve = state
	p.machine.HandleValve(ctx, dev, state)
}

func (p *Pipeline) handleBattery(ctx context.Context, topic string, payload []byte) {
	v, err := parseNumber(payload)
	if err != nil {
		p.logger.Warn("malformed battery payload", "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	charge := int(v)
	if !p.upsert(ctx, topic, dev.Mac, "bateria", charge) {
		return
	}
	dev.Battery = charge
	p.emitter.BatteryUpdated(ctx, dev)
}

func (p *Pipeline) handleTemperature(ctx context.Context, topic string, payload []byte) {
	v, err := parseNumber(payload)
	if err != nil {
		p.logger.Warn("malformed temperature payload", "payload", string(payload))
		p.metrics.RecordMessageSkipped(topic, "malformed")
		return
	}
	dev, ok := p.resolve(ctx, topic)
	if !ok {
		return
	}
	if !p.upsert(ctx, topic, dev.Mac, "temperatura", v) {
		return
	}
	dev.Temperature = v
	p.emitter.TemperatureUpdated(ctx, dev)
}

// handleCommand parses command-channel traffic. A structured dispense
// opens an operator session; bare strings are device acknowledgements.
func (p *Pipeline) handleCommand(ctx context.Context, topic string, payload []byte) {
	parsed := command.ParsePayload(payload)
	if !parsed.IsStructured() {
		p.logger.Info("device acknowledgement", "message", parsed.Simple)
		p.metrics.RecordMessageProcessed(topic, "ack")
		return
	}

	cmd := parsed.Structured
	if cmd.Command != command.CommandDispense {
		p.logger.Warn("unknown command verb", "command", cmd.Command)
		p.metrics.RecordMessageSkipped(topic, "unknown-command")
		return
	}

	mac := cmd.Mac
	if mac == "" {
		dev, ok := p.resolve(ctx, topic)
		if !ok {
			return
		}
		mac = dev.Mac
	}
	dev, err := p.devices.EnsureExists(ctx, mac)
	if err != nil {
		p.logger.Warn("could not load device for command", "mac", mac, "error", err)
		p.metrics.RecordMessageSkipped(topic, "store-error")
		return
	}

	target := cmd.Quantity
	if target == 0 {
		target = dev.Settings.TargetGrams
	}
	if _, err := p.machine.Open(ctx, mac, session.TriggerOperator, dev.Weight, target, cmd.Requester); err != nil {
		if errors.IsInvalid(err) {
			// Already running, most likely our own pre-created session
			p.logger.Debug("command echo ignored, session already active", "mac", mac)
			p.metrics.RecordMessageProcessed(topic, "duplicate")
			return
		}
		p.logger.Warn("could not open session from command", "mac", mac, "error", err)
		p.metrics.RecordMessageSkipped(topic, "store-error")
		return
	}
	p.metrics.RecordMessageProcessed(topic, "ok")
}
