// Package kv provides the shared key-value store behind the rate limiter and
// the response cache. Deployments run the valkey-backed store; tests and
// degraded bootstraps run the in-process one.
package kv

import (
	"context"
	"time"
)

// Store is the narrow KV surface the gateway needs. A miss is (nil, false,
// nil); errors are reserved for transport and protocol failures so callers
// can fail open deliberately.
type Store interface {
	// Get returns the value stored under key, if any.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value under key. A positive ttl bounds its lifetime.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Incr atomically increments the counter under key and returns the new
	// value. The ttl is applied only when the increment creates the key, so
	// a counting window expires relative to its first event.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
