package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/pkg/store"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Decider decides whether identifier may issue one more request under rule.
// scope separates counters of different rules for the same identifier.
type Decider interface {
	Decide(ctx context.Context, scope, identifier string, rule Rule) (Decision, error)
}

// Limiter is the fixed-window Decider backed by the shared store. The
// check-and-increment is a single atomic store operation, so concurrent
// requests of one identifier are linearized and rejections never count.
type Limiter struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a store-backed fixed-window limiter.
func NewLimiter(s store.Store, logger zerolog.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decide implements Decider.
func (l *Limiter) Decide(ctx context.Context, scope, identifier string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rule: limit=%d window=%s", rule.Limit, rule.Window)
	}

	now := l.now()
	idx := WindowIndex(now, rule.Window)
	key := StateKey(scope, identifier, idx)

	count, incremented, err := l.store.IncrBounded(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}

	state := RateLimitState{
		WindowStart:   WindowStart(now, rule.Window),
		Count:         count,
		Limit:         rule.Limit,
		WindowSeconds: rule.WindowSeconds(),
	}
	// sub-second windows
	resetAt := state.WindowStart.Add(rule.Window)

	d := Decision{
		Allowed:   incremented,
		Limit:     rule.Limit,
		Remaining: state.Remaining(),
		ResetAt:   resetAt,
	}
	if !incremented {
		d.Remaining = 0
		d.RetryAfter = resetAt.Sub(now)
	}

	l.logger.Debug().
		Str("key", key).
		Int64("count", count).
		Int64("limit", rule.Limit).
		Bool("allowed", d.Allowed).
		Msg("Rate limit decision")

	return d, nil
}
