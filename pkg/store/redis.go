package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	// DefaultOpTimeout bounds every single store round-trip.
	DefaultOpTimeout = 250 * time.Millisecond

	// DefaultBreakerFailures is the number of consecutive failures that opens the breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long the breaker stays open before probing again.
	DefaultBreakerCooldown = 10 * time.Second

	scanBatch = 200
)

// boundedIncrScript increments KEYS[1] only while it is below ARGV[1].
// The expiry (ARGV[2], milliseconds) is set by the first increment.
// Returns {count, incremented}.
var boundedIncrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

// RedisConfig holds the Redis store configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string (host, port, db index).
	URL string

	// Prefix namespaces every key written by the gateway.
	Prefix string

	// PoolSize overrides the go-redis default pool size when > 0.
	PoolSize int

	// OpTimeout bounds each store call. Zero means DefaultOpTimeout.
	OpTimeout time.Duration

	// BreakerFailures consecutive failures open the breaker.
	BreakerFailures uint32

	// BreakerCooldown is the open-state duration before a probe.
	BreakerCooldown time.Duration

	Logger zerolog.Logger
}

// RedisStore implements Store on top of a pooled go-redis client.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore parses cfg.URL and creates the client. It does not contact
// the server; use Connect to verify connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	return NewRedisStoreFromClient(redis.NewClient(opts), cfg), nil
}

// NewRedisStoreFromClient wraps an existing client. cfg.URL and cfg.PoolSize are ignored.
func NewRedisStoreFromClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	s := &RedisStore{
		client:    client,
		prefix:    cfg.Prefix,
		opTimeout: opTimeout,
		logger:    cfg.Logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-store",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			BreakerState.Set(float64(to))
			event := s.logger.Info()
			if to == gobreaker.StateOpen {
				event = s.logger.Warn()
			}
			event.
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Cache store breaker state changed")
		},
	})

	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// exec runs fn under the breaker with a bounded timeout and maps errors onto
// the package sentinels. Writes are detached from caller cancellation so a
// dropped client connection cannot leave a half-applied update behind.
func (s *RedisStore) exec(ctx context.Context, op string, detach bool, fn func(ctx context.Context) error) error {
	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		OperationsTotal.WithLabelValues(op, "success").Inc()
		return nil
	case errors.Is(err, redis.Nil):
		OperationsTotal.WithLabelValues(op, "not_found").Inc()
		return ErrNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		OperationsTotal.WithLabelValues(op, "open").Inc()
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	default:
		OperationsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: redis %s: %w", ErrUnavailable, op, err)
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.exec(ctx, "get", false, func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, s.key(key)).Bytes()
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("set %q: ttl must be positive", key)
	}
	return s.exec(ctx, "set", true, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
}

// IncrBounded implements Store using a Lua script, so the check and the
// increment are a single atomic step on the server.
func (s *RedisStore) IncrBounded(ctx context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	windowMS := window.Milliseconds()
	if windowMS < 1 {
		windowMS = 1
	}

	var res []int64
	err := s.exec(ctx, "incr_bounded", true, func(ctx context.Context) error {
		var err error
		res, err = boundedIncrScript.Run(ctx, s.client, []string{s.key(key)}, limit, windowMS).Int64Slice()
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: incr_bounded: unexpected reply %v", ErrUnavailable, res)
	}
	return res[0], res[1] == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.exec(ctx, "delete", true, func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
}

// DeletePrefix implements Store with SCAN + DEL. Not atomic across batches;
// keys written concurrently with the scan may survive.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"

	var total int64
	err := s.exec(ctx, "delete_prefix", true, func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := s.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				total += n
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return total, err
	}
	return total, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.exec(ctx, "ping", false, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close implements Store. Safe to call more than once.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// escapeGlob escapes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
