package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/pkg/store"
)

// NewStore returns a RedisStore talking to a fresh miniredis instance.
// Closing the returned miniredis simulates a store outage.
func NewStore(t testing.TB) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	s := store.NewRedisStoreFromClient(client, store.RedisConfig{
		BreakerFailures: 1000,
		Logger:          zerolog.Nop(),
	})
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}
