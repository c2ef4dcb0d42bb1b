// Package storage defines the secure key-value store the guardian keeps its
// local state in: session backup, crash payloads, the notification retry
// queue, preferences and the push device token.
//
// Drivers live in the memory, redis and postgres subpackages. Wrap any of
// them in Sealed before handing it to a component.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key doesn't exist or has expired
	ErrNotFound = errors.New("key not found")

	// ErrCorrupt is returned when a sealed value fails authentication
	ErrCorrupt = errors.New("sealed value corrupt")
)

// Key layout shared by every component.
const (
	KeySession     = "session:current"
	KeyRetryQueue  = "notify:retry_queue"
	KeyDeviceToken = "push:device_token"

	PrefixCrash       = "crash:"
	PrefixPreferences = "prefs:"
)

// KV is a byte-oriented key-value store.
type KV interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// GetJSON loads key into v.
func GetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v under key.
func SetJSON(ctx context.Context, kv KV, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, data, ttl)
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func DeletePrefix(ctx context.Context, kv KV, prefix string) (int, error) {
	keys, err := kv.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := kv.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}
