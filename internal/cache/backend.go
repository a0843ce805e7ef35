package cache

import (
	"context"
	"time"
)

// Backend is the pluggable cache used for relay-list lookups and other
// cross-restart-tolerant state. A single-process deployment uses the memory
// backend; multi-instance setups point REDIS_URL at a shared instance.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}
