// Package store provides the key-value adapter shared by the rate limiter and
// the response cache. The gateway only depends on the Store interface; the
// Redis implementation is the production backend.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key does not exist in the store.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable indicates the store could not be reached, timed out or
	// is short-circuited by the breaker. Callers fail open on this error.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the minimal protocol the pipeline needs from a networked
// key-value store. Implementations must be safe for concurrent callers.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. The key expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// IncrBounded atomically increments the counter at key unless it has
	// already reached limit. The first increment starts the expiry window.
	// It returns the counter value after the call and whether the increment
	// happened.
	IncrBounded(ctx context.Context, key string, limit int64, window time.Duration) (count int64, incremented bool, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// IsUnavailable reports whether err means the store could not serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
