// Package ratelimit implements the per-client request quota stage.
// Counters live in the shared store so every gateway replica enforces the
// same quota; an in-process token bucket is available for single-node
// deployments without a store.
package ratelimit

import (
	"fmt"
	"time"
)

// KeyPrefix prefixes every rate limit counter in the store.
const KeyPrefix = "ratelimit"

// RateLimitState is the fixed-window counter of one client.
// Count never exceeds Limit: rejected requests do not increment it.
type RateLimitState struct {
	// WindowStart is the boundary the current window started at.
	WindowStart time.Time `json:"window_start"`

	// Count is the number of admitted requests in the window.
	Count int64 `json:"count"`

	// Limit is the number of requests admitted per window.
	Limit int64 `json:"limit"`

	// WindowSeconds is the window length.
	WindowSeconds int64 `json:"window_seconds"`
}

// ResetAt returns the end of the current window.
func (s *RateLimitState) ResetAt() time.Time {
	return s.WindowStart.Add(time.Duration(s.WindowSeconds) * time.Second)
}

// Remaining returns how many requests the window still admits.
func (s *RateLimitState) Remaining() int64 {
	if s.Count >= s.Limit {
		return 0
	}
	return s.Limit - s.Count
}

// Exhausted reports whether the next request in this window is rejected.
func (s *RateLimitState) Exhausted() bool {
	return s.Count >= s.Limit
}

// TimeUntilReset returns the duration until the window ends.
// Returns 0 if the window has already ended.
func (s *RateLimitState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// WindowIndex returns floor(now / window).
func WindowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// WindowStart returns the boundary of the window containing now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return time.Unix(0, WindowIndex(now, window)*int64(window))
}

// StateKey returns the store key holding the counter of identifier for the
// given window. Keys of past windows are never read again and expire.
func StateKey(scope, identifier string, windowIndex int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", KeyPrefix, scope, identifier, windowIndex)
}
