package session

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

// Store persists sessions keyed `<device>.<session-id>` so a device's
// history can be listed by prefix.
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

// Create writes a freshly opened session.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.WrapInvalid(err, "SessionStore", "Create", "encode session")
	}
	if err := s.kv.Create(ctx, key(sess.DeviceMac, sess.ID), data); err != nil {
		return errors.WrapTransient(err, "SessionStore", "Create", "write session")
	}
	return nil
}

// Update rewrites a session document. Sessions are small and owned by a
// single writer, so a plain put is enough.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.WrapInvalid(err, "SessionStore", "Update", "encode session")
	}
	if err := s.kv.Put(ctx, key(sess.DeviceMac, sess.ID), data); err != nil {
		return errors.WrapTransient(err, "SessionStore", "Update", "write session")
	}
	return nil
}

// Get loads one session by device and id.
func (s *Store) Get(ctx context.Context, mac, id string) (*Session, error) {
	data, err := s.kv.Get(ctx, key(mac, id))
	if err != nil {
		if stderrors.Is(err, storage.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrSessionNotFound, "SessionStore", "Get", "lookup session")
		}
		return nil, errors.WrapTransient(err, "SessionStore", "Get", "read session")
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.WrapInvalid(err, "SessionStore", "Get", "decode session")
	}
	return &sess, nil
}

// List returns a device's sessions, most recently started first.
func (s *Store) List(ctx context.Context, mac string) ([]*Session, error) {
	keys, err := s.kv.Keys(ctx, device.Key(mac)+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "SessionStore", "List", "list session keys")
	}
	sessions := make([]*Session, 0, len(keys))
	for _, k := range keys {
		data, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping corrupt session record", "key", k, "error", err)
			continue
		}
		sessions = append(sessions, &sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	return sessions, nil
}

// ActiveForDevice re-derives the device's active session from the
// store: the most recently started non-terminal one, or nil.
func (s *Store) ActiveForDevice(ctx context.Context, mac string) (*Session, error) {
	sessions, err := s.List(ctx, mac)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.Terminal() {
			return sess, nil
		}
	}
	return nil, nil
}
