package device

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
)

// Resolver correlates untagged telemetry with a logical device. The
// firmware announces its hardware address on a dedicated channel once per
// boot, so correlation is anchored on the last announced identity rather
// than a per-message key.
//
// The anchor is a single process-wide value, which assumes at most one
// device is actively interleaving announcements and readings at a time.
// That limitation is inherited from the firmware protocol and documented
// in DESIGN.md rather than silently generalized.
type Resolver struct {
	store  *Store
	logger *slog.Logger

	mu            sync.Mutex
	lastAnnounced string // canonical mac from the identity channel
	lastActive    string // canonical mac of the most recently resolved device
}

// NewResolver creates a resolver over the device store
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: logger.With("component", "identity-resolver"),
	}
}

// Seed primes the most-recently-active fallback from the store. Called at
// startup so correlation survives a process restart that happens between a
// device's identity announcements.
func (r *Resolver) Seed(ctx context.Context) {
	dev, err := r.store.MostRecentlyActive(ctx)
	if err != nil {
		if !stderrors.Is(err, errors.ErrDeviceNotFound) {
			r.logger.Warn("Could not seed resolver from store", "error", err)
		}
		return
	}

	r.mu.Lock()
	r.lastActive = Canonical(dev.Mac)
	r.mu.Unlock()
	r.logger.Info("Seeded correlation fallback", "mac", dev.Mac)
}

// Announce handles an identity announcement: the device row is upserted
// (created when unknown) and the address becomes the anchor for subsequent
// untagged readings.
func (r *Resolver) Announce(ctx context.Context, mac string) (*Device, error) {
	dev, err := r.store.EnsureExists(ctx, mac)
	if err != nil {
		return nil, err
	}

	canonical := Canonical(mac)
	r.mu.Lock()
	r.lastAnnounced = canonical
	r.lastActive = canonical
	r.mu.Unlock()

	return dev, nil
}

// Resolve returns the device an untagged reading pertains to: the last
// announced identity first, then the most recently active device, then a
// store lookup of the most recently active row. Returns ErrNoDevice when
// nothing is known at all; the caller discards the message with a warning.
func (r *Resolver) Resolve(ctx context.Context) (*Device, error) {
	r.mu.Lock()
	mac := r.lastAnnounced
	if mac == "" {
		mac = r.lastActive
	}
	r.mu.Unlock()

	if mac != "" {
		dev, err := r.store.EnsureExists(ctx, mac)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}

	dev, err := r.store.MostRecentlyActive(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrDeviceNotFound) {
			return nil, errors.ErrNoDevice
		}
		return nil, err
	}

	r.mu.Lock()
	r.lastActive = Canonical(dev.Mac)
	r.mu.Unlock()
	return dev, nil
}

// LastAnnounced returns the current identity anchor, empty when no
// announcement has been seen since process start.
func (r *Resolver) LastAnnounced() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAnnounced
}
