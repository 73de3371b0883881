package command

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/session"
)

// Bus is the slice of the bus client the publisher needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
}

// Publisher sends dispense commands to the device and pre-creates the
// operator session that tracks them.
type Publisher struct {
	bus     Bus
	devices *device.Store
	machine *session.Machine
	subject string
	metrics *metric.Metrics
	logger  *slog.Logger
}

func NewPublisher(bus Bus, devices *device.Store, machine *session.Machine, subject string, metrics *metric.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:     bus,
		devices: devices,
		machine: machine,
		subject: subject,
		metrics: metrics,
		logger:  logger,
	}
}

// Dispense validates and publishes a dispense command for the device.
// A zero quantity means "use the device's configured target". The
// pre-created operator session makes the dispensation visible before
// any telemetry echoes back. When the publish succeeds but the session
// store rejects the pre-create, Dispense returns ErrSessionPending:
// the command is on the wire and must not be re-sent.
func (p *Publisher) Dispense(ctx context.Context, mac string, quantity float64, requester *session.Requester) (*session.Session, error) {
	if !p.bus.IsHealthy() {
		return nil, errors.WrapTransient(errors.ErrBusNotReady, "CommandPublisher", "Dispense", "publish command")
	}

	dev, err := p.devices.Get(ctx, mac)
	if err != nil {
		return nil, err
	}

	if quantity == 0 {
		quantity = dev.Settings.TargetGrams
	}
	if quantity <= 0 || quantity > dev.Settings.Capacity {
		return nil, errors.WrapInvalid(errors.ErrQuantityOutOfRange, "CommandPublisher", "Dispense", "validate quantity")
	}

	if p.machine.HasActive(ctx, mac) {
		return nil, errors.WrapInvalid(errors.ErrSessionActive, "CommandPublisher", "Dispense", "open session")
	}

	cmd := Dispense{Command: CommandDispense, Quantity: quantity, Mac: dev.Mac, Requester: requester}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CommandPublisher", "Dispense", "encode command")
	}
	if err := p.bus.Publish(ctx, p.subject, data); err != nil {
		return nil, errors.WrapTransient(err, "CommandPublisher", "Dispense", "publish command")
	}
	p.metrics.RecordCommandPublished()
	p.logger.Info("dispense command published", "mac", dev.Mac, "quantity", quantity)

	sess, err := p.machine.Open(ctx, mac, session.TriggerOperator, dev.Weight, quantity, requester)
	if err != nil {
		// The command is already on the wire; the echo handler will open
		// the session when the device replays it. ErrSessionPending tells
		// the caller not to retry the publish.
		p.logger.Warn("command sent but session not pre-created", "mac", dev.Mac, "error", err)
		return nil, errors.WrapTransient(errors.ErrSessionPending, "CommandPublisher", "Dispense", "pre-create session")
	}
	return sess, nil
}
