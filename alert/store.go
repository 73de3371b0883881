package alert

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/storage"
)

// Store persists alerts keyed by device, one record per key so that
// appends never contend with each other.
type Store struct {
	kv     storage.KV
	logger *slog.Logger
}

func NewStore(kv storage.KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

func key(mac, id string) string {
	return device.Key(mac) + "." + id
}

// Append writes a new alert record. The write is at-most-once: a store
// outage surfaces as a transient error and the alert is lost, never
// retried against stale telemetry.
func (s *Store) Append(ctx context.Context, a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.WrapInvalid(err, "AlertStore", "Append", "encode alert")
	}
	if err := s.kv.Create(ctx, key(a.Mac, a.ID), data); err != nil {
		return errors.WrapTransient(err, "AlertStore", "Append", "write alert")
	}
	return nil
}

// Acknowledge marks an alert as handled by the operator.
func (s *Store) Acknowledge(ctx context.Context, mac, id string) error {
	err := s.kv.UpdateJSON(ctx, key(mac, id), func(doc map[string]any) error {
		if len(doc) == 0 {
			return storage.ErrKeyNotFound
		}
		doc["atendida"] = true
		return nil
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrKeyNotFound) {
			return errors.WrapInvalid(err, "AlertStore", "Acknowledge", "alert not found")
		}
		return errors.WrapTransient(err, "AlertStore", "Acknowledge", "update alert")
	}
	return nil
}

// List returns the alerts recorded for a device, most recent first.
func (s *Store) List(ctx context.Context, mac string) ([]*Alert, error) {
	keys, err := s.kv.Keys(ctx, device.Key(mac)+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "AlertStore", "List", "list alert keys")
	}
	alerts := make([]*Alert, 0, len(keys))
	for _, k := range keys {
		data, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			s.logger.Warn("skipping corrupt alert record", "key", k, "error", err)
			continue
		}
		alerts = append(alerts, &a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt > alerts[j].CreatedAt
	})
	return alerts, nil
}
