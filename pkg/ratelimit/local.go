package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket Decider. Each identifier gets
// a bucket of Limit tokens refilled at Limit per Window, so bursts at window
// boundaries are smoothed out. State is not shared between replicas.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*bucket

	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	lim      *rate.Limiter
	rule     Rule
	lastSeen time.Time
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) LocalOption {
	return func(l *LocalLimiter) { l.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval.
func WithCleanupEvery(d time.Duration) LocalOption {
	return func(l *LocalLimiter) { l.cleanupEvery = d }
}

// WithLocalClock overrides the time source.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) { l.now = now }
}

// NewLocalLimiter creates an in-process token bucket limiter.
func NewLocalLimiter(opts ...LocalOption) *LocalLimiter {
	l := &LocalLimiter{
		entries:      make(map[string]*bucket),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decide implements Decider.
func (l *LocalLimiter) Decide(_ context.Context, scope, identifier string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rule: limit=%d window=%s", rule.Limit, rule.Window)
	}

	now := l.now()
	perSecond := float64(rule.Limit) / rule.Window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := scope + ":" + identifier
	b, ok := l.entries[key]
	if !ok || b.rule != rule {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), int(rule.Limit)), rule: rule}
		l.entries[key] = b
	}
	b.lastSeen = now

	d := Decision{Limit: rule.Limit}
	if b.lim.AllowN(now, 1) {
		tokens := b.lim.TokensAt(now)
		d.Allowed = true
		d.Remaining = int64(math.Floor(tokens))
		// time until the bucket is full again
		d.ResetAt = now.Add(time.Duration((float64(rule.Limit) - tokens) / perSecond * float64(time.Second)))
		return d, nil
	}

	r := b.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)

	d.RetryAfter = delay
	d.ResetAt = now.Add(delay)
	return d, nil
}

// Cleanup drops buckets unused for longer than the idle TTL.
func (l *LocalLimiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.entries {
		if b.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// Len returns the number of tracked identifiers.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// StartJanitor runs Cleanup periodically until ctx is done or Close is called.
func (l *LocalLimiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}

// Close stops the janitor.
func (l *LocalLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}
