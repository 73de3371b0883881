package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-memory KV backend. It backs unit tests and can stand in
// for the document store in local development without a JetStream server.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailWrites makes all mutating operations fail, simulating a store
	// outage in tests.
	FailWrites bool
}

// NewMemoryKV creates an empty in-memory KV backend
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get retrieves the value for a key
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put creates or overwrites a key
func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return fmt.Errorf("memory kv: store unavailable")
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Create stores a key only if it does not already exist
func (m *MemoryKV) Create(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return fmt.Errorf("memory kv: store unavailable")
	}
	if _, ok := m.data[key]; ok {
		return fmt.Errorf("memory kv: key exists: %s", key)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Keys lists keys with the given prefix in lexicographic order
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.data {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// UpdateJSON performs a read-modify-write of a JSON document, creating the
// document when absent.
func (m *MemoryKV) UpdateJSON(_ context.Context, key string, updateFn func(current map[string]any) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return fmt.Errorf("memory kv: store unavailable")
	}

	current := make(map[string]any)
	if raw, ok := m.data[key]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("memory kv: unmarshal %s: %w", key, err)
		}
	}

	if err := updateFn(current); err != nil {
		return err
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("memory kv: marshal %s: %w", key, err)
	}
	m.data[key] = raw
	return nil
}

// Len returns the number of stored documents
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
