package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimitState_Remaining(t *testing.T) {
	tests := []struct {
		name          string
		count, limit  int64
		wantRemaining int64
		wantExhausted bool
	}{
		{name: "fresh window", count: 0, limit: 3, wantRemaining: 3},
		{name: "partially used", count: 2, limit: 3, wantRemaining: 1},
		{name: "at limit", count: 3, limit: 3, wantRemaining: 0, wantExhausted: true},
		{name: "over limit never negative", count: 5, limit: 3, wantRemaining: 0, wantExhausted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &RateLimitState{Count: tt.count, Limit: tt.limit}
			if got := s.Remaining(); got != tt.wantRemaining {
				t.Errorf("Remaining() = %d, want %d", got, tt.wantRemaining)
			}
			if got := s.Exhausted(); got != tt.wantExhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.wantExhausted)
			}
		})
	}
}

func TestRateLimitState_TimeUntilReset(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &RateLimitState{WindowStart: start, WindowSeconds: 60}

	if got := s.ResetAt(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("ResetAt() = %v", got)
	}
	if got := s.TimeUntilReset(start.Add(45 * time.Second)); got != 15*time.Second {
		t.Errorf("TimeUntilReset() = %v, want 15s", got)
	}
	if got := s.TimeUntilReset(start.Add(2 * time.Minute)); got != 0 {
		t.Errorf("TimeUntilReset() after window = %v, want 0", got)
	}
}

func TestWindowIndex(t *testing.T) {
	base := time.Unix(1_800_000_000, 0) // divisible by 60

	tests := []struct {
		name   string
		offset time.Duration
		window time.Duration
		want   int64
	}{
		{name: "window start", offset: 0, window: time.Minute, want: 30_000_000},
		{name: "inside window", offset: 59 * time.Second, window: time.Minute, want: 30_000_000},
		{name: "next window", offset: 60 * time.Second, window: time.Minute, want: 30_000_001},
		{name: "one second windows", offset: 1500 * time.Millisecond, window: time.Second, want: 1_800_000_001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := base.Add(tt.offset)
			if got := WindowIndex(now, tt.window); got != tt.want {
				t.Errorf("WindowIndex() = %d, want %d", got, tt.want)
			}
			start := WindowStart(now, tt.window)
			if start.After(now) || now.Sub(start) >= tt.window {
				t.Errorf("WindowStart() = %v does not contain %v", start, now)
			}
		})
	}
}

func TestStateKey(t *testing.T) {
	got := StateKey("anonymous", "ip:10.0.0.1", 42)
	if got != "ratelimit:anonymous:ip:10.0.0.1:42" {
		t.Errorf("StateKey() = %q", got)
	}
}
