package device

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

// Store persists Device documents keyed by normalized hardware address.
// The feeder core is the sole writer of live-reading fields; devices are
// created lazily and never deleted.
type Store struct {
	kv       storage.KV
	defaults Settings
	logger   *slog.Logger
}

// NewStore creates a device store over the given backend. The defaults
// seed the configuration snapshot of lazily created devices.
func NewStore(kv storage.KV, defaults Settings, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:       kv,
		defaults: defaults,
		logger:   logger.With("component", "device-store"),
	}
}

// Get loads a device by hardware address
func (s *Store) Get(ctx context.Context, mac string) (*Device, error) {
	raw, err := s.kv.Get(ctx, Key(mac))
	if err != nil {
		if stderrors.Is(err, storage.ErrKeyNotFound) {
			return nil, errors.ErrDeviceNotFound
		}
		return nil, errors.WrapTransient(err, "DeviceStore", "Get", "read device")
	}

	var dev Device
	if err := json.Unmarshal(raw, &dev); err != nil {
		return nil, errors.WrapInvalid(err, "DeviceStore", "Get", "decode device")
	}
	return &dev, nil
}

// EnsureExists upserts a device row for a hardware address, creating a
// minimal document with default settings when none exists. Returns the
// stored device either way.
func (s *Store) EnsureExists(ctx context.Context, mac string) (*Device, error) {
	dev, err := s.Get(ctx, mac)
	if err == nil {
		return dev, nil
	}
	if !stderrors.Is(err, errors.ErrDeviceNotFound) {
		return nil, err
	}

	created := s.newDevice(mac)
	raw, err := json.Marshal(created)
	if err != nil {
		return nil, errors.WrapInvalid(err, "DeviceStore", "EnsureExists", "encode device")
	}

	if err := s.kv.Create(ctx, Key(mac), raw); err != nil {
		// Lost a creation race, the row exists now
		if existing, gerr := s.Get(ctx, mac); gerr == nil {
			return existing, nil
		}
		return nil, errors.WrapTransient(err, "DeviceStore", "EnsureExists", "create device")
	}

	s.logger.Info("Created device", "mac", mac)
	return created, nil
}

// UpdateField performs a single-field upsert and refreshes lastSeen. The
// document is seeded with defaults when absent so ingestion never fails
// just because a device row doesn't pre-exist.
func (s *Store) UpdateField(ctx context.Context, mac, field string, value any) error {
	now := time.Now().UnixMilli()
	err := s.kv.UpdateJSON(ctx, Key(mac), func(current map[string]any) error {
		if len(current) == 0 {
			s.seed(current, mac)
		}
		current[field] = value
		current["lastSeen"] = now
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "DeviceStore", "UpdateField", field)
	}
	return nil
}

// SetConnected flips the connected flag without touching readings
func (s *Store) SetConnected(ctx context.Context, mac string, connected bool) error {
	err := s.kv.UpdateJSON(ctx, Key(mac), func(current map[string]any) error {
		if len(current) == 0 {
			s.seed(current, mac)
		}
		current["conectado"] = connected
		if connected {
			current["lastSeen"] = time.Now().UnixMilli()
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "DeviceStore", "SetConnected", "update flag")
	}
	return nil
}

// List returns all known devices
func (s *Store) List(ctx context.Context) ([]*Device, error) {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return nil, errors.WrapTransient(err, "DeviceStore", "List", "list keys")
	}

	devices := make([]*Device, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "DeviceStore", "List", "read device")
		}
		var dev Device
		if err := json.Unmarshal(raw, &dev); err != nil {
			s.logger.Warn("Skipping undecodable device document", "key", key, "error", err)
			continue
		}
		devices = append(devices, &dev)
	}
	return devices, nil
}

// MostRecentlyActive returns the device with the highest lastSeen, or
// ErrDeviceNotFound when the store is empty. Used to seed correlation
// after a process restart.
func (s *Store) MostRecentlyActive(ctx context.Context) (*Device, error) {
	devices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var latest *Device
	for _, dev := range devices {
		if latest == nil || dev.LastSeen > latest.LastSeen {
			latest = dev
		}
	}
	if latest == nil {
		return nil, errors.ErrDeviceNotFound
	}
	return latest, nil
}

func (s *Store) newDevice(mac string) *Device {
	return &Device{
		Mac:       Canonical(mac),
		IP:        UnknownAddress,
		Connected: true,
		LastSeen:  time.Now().UnixMilli(),
		Settings:  s.defaults,
	}
}

// seed populates an empty document map with the minimal device shape
func (s *Store) seed(current map[string]any, mac string) {
	dev := s.newDevice(mac)
	raw, err := json.Marshal(dev)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	for k, v := range m {
		current[k] = v
	}
}
