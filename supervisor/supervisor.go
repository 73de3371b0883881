// Package supervisor owns the two transport connections: the telemetry
// bus and the document store. Everything else reaches NATS through it.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/config"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/natsclient"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/pkg/retry"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

const (
	transportBus   = "bus"
	transportStore = "store"
)

// Supervisor connects and watches the bus and store clients. The store
// gets a bounded number of startup attempts because the service is
// useless without it; the bus keeps retrying in the background forever
// because telemetry resumes the moment it comes back.
type Supervisor struct {
	cfg     *config.Config
	metrics *metric.Metrics
	logger  *slog.Logger

	bus   *natsclient.Client
	store *natsclient.Client

	devices  storage.KV
	sessions storage.KV
	alerts   storage.KV

	mu             sync.Mutex
	onBusReconnect []func()
}

// New builds the supervisor and both clients. Nothing connects until
// Connect is called.
func New(cfg *config.Config, metrics *metric.Metrics, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "supervisor"),
	}

	bus, err := natsclient.NewClient(cfg.Bus.URL,
		append(clientOptions(cfg.Bus, s.logger),
			natsclient.WithName("feedercore-bus"),
			natsclient.WithReconnectCallback(s.handleBusReconnect),
			natsclient.WithHealthChangeCallback(func(healthy bool) {
				metrics.RecordTransportStatus(transportBus, healthy)
				if !healthy {
					metrics.RecordTransportFailure(transportBus)
				}
			}),
		)...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Supervisor", "New", "build bus client")
	}
	s.bus = bus

	store, err := natsclient.NewClient(cfg.Store.URL,
		append(clientOptions(cfg.Store.NATSConfig, s.logger),
			natsclient.WithName("feedercore-store"),
			natsclient.WithJetStream(),
			natsclient.WithHealthChangeCallback(func(healthy bool) {
				metrics.RecordTransportStatus(transportStore, healthy)
				if !healthy {
					metrics.RecordTransportFailure(transportStore)
				}
			}),
		)...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Supervisor", "New", "build store client")
	}
	s.store = store

	return s, nil
}

func clientOptions(nc config.NATSConfig, logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(slogAdapter{logger}),
	}
	if nc.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(nc.MaxReconnects))
	}
	if nc.ReconnectWait.Std() > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait.Std()))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}
	return opts
}

// Connect brings up the store, the buckets, and the bus. A store that
// stays down past the attempt ceiling is fatal; a bus that is down at
// startup is retried in the background until the context ends.
func (s *Supervisor) Connect(ctx context.Context) error {
	if err := s.connectStore(ctx); err != nil {
		return err
	}
	s.connectBus(ctx)
	return nil
}

func (s *Supervisor) connectStore(ctx context.Context) error {
	cfg := retry.Startup(s.cfg.Store.MaxConnectAttempts)
	err := retry.Do(ctx, cfg, func() error {
		return s.store.Connect(ctx)
	})
	if err != nil {
		return errors.WrapFatal(
			stderrors.Join(errors.ErrReconnectBudget, err),
			"Supervisor", "Connect", "connect store")
	}
	s.metrics.RecordTransportStatus(transportStore, true)
	s.logger.Info("store connected", "url", s.store.URL())

	if err := s.openBuckets(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) openBuckets(ctx context.Context) error {
	timeout := func(o *natsclient.KVOptions) { o.Timeout = s.cfg.Store.Timeout.Std() }

	buckets := []struct {
		name   string
		target *storage.KV
	}{
		{s.cfg.Store.DeviceBucket, &s.devices},
		{s.cfg.Store.SessionBucket, &s.sessions},
		{s.cfg.Store.AlertBucket, &s.alerts},
	}
	for _, b := range buckets {
		kv, err := s.store.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:  b.name,
			History: 1,
		})
		if err != nil {
			return errors.WrapFatal(err, "Supervisor", "Connect", "open bucket "+b.name)
		}
		*b.target = storage.NewJetStreamKV(s.store.NewKVStore(kv, timeout))
	}
	return nil
}

// connectBus tries once synchronously, then hands a failed bus to a
// background loop. Telemetry loss during the outage is acceptable;
// holding up startup for it is not.
func (s *Supervisor) connectBus(ctx context.Context) {
	if err := s.bus.Connect(ctx); err == nil {
		s.metrics.RecordTransportStatus(transportBus, true)
		s.logger.Info("bus connected", "url", s.bus.URL())
		s.notifyBusReconnect()
		return
	}

	s.logger.Warn("bus unavailable at startup, retrying in background", "url", s.bus.URL())
	go func() {
		// No attempt ceiling here: telemetry resumes whenever the bus
		// comes back, however long that takes.
		backoff := retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
		for attempt := 0; ; attempt++ {
			timer := time.NewTimer(backoff.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.bus.Connect(ctx); err != nil {
				s.logger.Warn("bus connect attempt failed", "attempt", attempt+1, "error", err)
				continue
			}
			s.metrics.RecordTransportStatus(transportBus, true)
			s.logger.Info("bus connected", "url", s.bus.URL())
			s.notifyBusReconnect()
			return
		}
	}()
}

// OnBusReconnect registers a callback fired whenever the bus connection
// is (re)established. The pipeline uses it to re-subscribe.
func (s *Supervisor) OnBusReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBusReconnect = append(s.onBusReconnect, fn)
}

func (s *Supervisor) handleBusReconnect() {
	s.logger.Info("bus reconnected")
	s.metrics.RecordTransportStatus(transportBus, true)
	s.notifyBusReconnect()
}

func (s *Supervisor) notifyBusReconnect() {
	s.mu.Lock()
	callbacks := make([]func(), len(s.onBusReconnect))
	copy(callbacks, s.onBusReconnect)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Bus returns the telemetry bus client.
func (s *Supervisor) Bus() *natsclient.Client { return s.bus }

// BusReady reports whether the bus connection is usable.
func (s *Supervisor) BusReady() bool { return s.bus.IsHealthy() }

// StoreReady reports whether the document store is usable.
func (s *Supervisor) StoreReady() bool { return s.store.IsHealthy() }

// IsReady reports whether both transports are usable.
func (s *Supervisor) IsReady() bool { return s.BusReady() && s.StoreReady() }

// Devices returns the device bucket, nil before Connect.
func (s *Supervisor) Devices() storage.KV { return s.devices }

// Sessions returns the session bucket, nil before Connect.
func (s *Supervisor) Sessions() storage.KV { return s.sessions }

// Alerts returns the alert bucket, nil before Connect.
func (s *Supervisor) Alerts() storage.KV { return s.alerts }

// Close shuts both connections down, draining in-flight messages.
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	if err := s.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.metrics.RecordTransportStatus(transportBus, false)
	s.metrics.RecordTransportStatus(transportStore, false)
	return stderrors.Join(errs...)
}

// slogAdapter bridges the natsclient Logger interface onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a slogAdapter) Errorf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a slogAdapter) Debugf(format string, v ...any) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}
