package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/pkg/retry"
)

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries    int           // Maximum CAS retry attempts
	RetryDelay    time.Duration // Initial delay between retries
	Timeout       time.Duration // Per-operation timeout
	MaxRetryDelay time.Duration // Maximum delay between retries
}

// DefaultKVOptions returns sensible defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		Timeout:       3 * time.Second,
		MaxRetryDelay: time.Second,
	}
}

// KVStore provides document operations over a JetStream KV bucket with
// built-in CAS support. Every operation carries a bounded timeout so a
// stalled store call can never block message processing indefinitely.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore creates a new KV store over the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

// applyTimeout applies the configured timeout to the context if set
func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves the value for a key
func (kv *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return entry.Value(), nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Create only creates if the key doesn't exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Create(ctx, key, value); err != nil {
		if isKVConflictError(err) {
			return ErrKVKeyExists
		}
		return fmt.Errorf("kv create %s: %w", key, err)
	}
	return nil
}

// Keys lists all keys with the given prefix ("" lists everything)
func (kv *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if isKVNotFoundError(err) {
			return nil, nil // empty bucket
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// UpdateJSON performs a CAS read-modify-write on a JSON document with
// automatic retry on conflicts. The key is created when absent, so
// single-field upserts never fail just because the document is new.
func (kv *KVStore) UpdateJSON(ctx context.Context, key string, updateFn func(current map[string]any) error) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	retryConfig := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	err := retry.Do(ctx, retryConfig, func() error {
		var current map[string]any
		var revision uint64

		entry, err := kv.bucket.Get(ctx, key)
		switch {
		case err == nil:
			revision = entry.Revision()
			if len(entry.Value()) > 0 {
				if uerr := json.Unmarshal(entry.Value(), &current); uerr != nil {
					// Stored document is corrupt, retrying won't help
					return retry.NonRetryable(fmt.Errorf("unmarshal current %s: %w", key, uerr))
				}
			}
		case isKVNotFoundError(err):
			revision = 0
		default:
			return fmt.Errorf("kv get failed during update: %w", err)
		}

		if current == nil {
			current = make(map[string]any)
		}

		if err := updateFn(current); err != nil {
			return retry.NonRetryable(fmt.Errorf("update function error: %w", err))
		}

		newValue, err := json.Marshal(current)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("marshal %s: %w", key, err))
		}

		if revision == 0 {
			_, err = kv.bucket.Create(ctx, key, newValue)
		} else {
			_, err = kv.bucket.Update(ctx, key, newValue, revision)
		}
		if err == nil {
			return nil
		}
		if isKVConflictError(err) {
			kv.logger.Debugf("KV update conflict (retrying): key=%s", key)
			return err
		}
		return fmt.Errorf("kv write failed: %w", err)
	})

	if err != nil && isKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// isKVNotFoundError checks if an error indicates key not found
func isKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") ||
		strings.Contains(errMsg, "no keys found") ||
		strings.Contains(errMsg, "10037")
}

// isKVConflictError checks if an error indicates a conflict (key exists or wrong revision)
func isKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") ||
		strings.Contains(errMsg, "10071") ||
		strings.Contains(errMsg, "key exists") ||
		strings.Contains(errMsg, "10058")
}

// Well-known KV errors
var (
	ErrKVKeyNotFound        = errors.New("kv: key not found")
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
)
