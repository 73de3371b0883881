// Package storage provides the pluggable document-store backend used by the
// device, session, and alert stores.
//
// The production backend is NATS JetStream KV (see JetStreamKV); tests use
// the in-memory backend from memory.go. Keys are strings with "."
// hierarchy, values are JSON documents.
package storage

import (
	"context"
	"errors"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/natsclient"
)

// ErrKeyNotFound is returned by Get when no document exists for a key.
var ErrKeyNotFound = errors.New("storage: key not found")

// KV is the backend contract for document collections.
//
// UpdateJSON is the single-field upsert primitive: it performs a CAS
// read-modify-write of one JSON document so concurrent updates to other
// fields are never clobbered, and creates the document when absent.
// Implementations must be safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Create(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	UpdateJSON(ctx context.Context, key string, updateFn func(current map[string]any) error) error
}

// jetStreamKV adapts natsclient.KVStore to the KV interface, mapping its
// not-found sentinel onto ErrKeyNotFound.
type jetStreamKV struct {
	kv *natsclient.KVStore
}

// NewJetStreamKV wraps a natsclient KV store as a storage backend
func NewJetStreamKV(kv *natsclient.KVStore) KV {
	return &jetStreamKV{kv: kv}
}

func (s *jetStreamKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *jetStreamKV) Put(ctx context.Context, key string, value []byte) error {
	return s.kv.Put(ctx, key, value)
}

func (s *jetStreamKV) Create(ctx context.Context, key string, value []byte) error {
	return s.kv.Create(ctx, key, value)
}

func (s *jetStreamKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.kv.Keys(ctx, prefix)
}

func (s *jetStreamKV) UpdateJSON(ctx context.Context, key string, updateFn func(map[string]any) error) error {
	return s.kv.UpdateJSON(ctx, key, updateFn)
}
