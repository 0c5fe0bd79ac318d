//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/ce-gateway/pkg/store"
)

// StartRedis starts a Redis container and returns its URL. The container is
// terminated when the test ends.
func StartRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return "redis://" + host + ":" + port.Port() + "/0"
}

// NewContainerStore returns a RedisStore backed by a fresh Redis container.
func NewContainerStore(t *testing.T) *store.RedisStore {
	t.Helper()

	opts, err := redis.ParseURL(StartRedis(t))
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	s := store.NewRedisStoreFromClient(redis.NewClient(opts), store.RedisConfig{
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { _ = s.Close() })

	return s
}
