package ratelimit

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{Base: 2 * time.Second, Cap: 30 * time.Minute}.withDefaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 5, want: 32 * time.Second},
		{attempt: 11, want: 2048 * time.Second}, // still under cap
		{attempt: 12, want: 30 * time.Minute},
		{attempt: 50, want: 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayMonotone(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{Base: time.Second, Cap: 10 * time.Minute}.withDefaults()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 30; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d < prev {
			t.Fatalf("schedule not monotone: attempt %d gave %v after %v", attempt, d, prev)
		}
		if d > cfg.Cap {
			t.Fatalf("attempt %d exceeded cap: %v", attempt, d)
		}
		prev = d
	}
}

func TestApplyJitterBounds(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{Base: time.Second, Cap: time.Hour, Jitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	base := 10 * time.Second
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)

	for i := 0; i < 1000; i++ {
		j := applyJitter(cfg, base, rng)
		if j < lo || j > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", j, lo, hi)
		}
	}
}

func TestApplyJitterNeverExceedsCap(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{Base: 2 * time.Second, Cap: 10 * time.Second, Jitter: 0.2}
	rng := rand.New(rand.NewSource(7))

	// Attempt 10 sits at the cap; upward jitter must not push past it.
	for i := 0; i < 1000; i++ {
		d := applyJitter(cfg, backoffDelay(cfg, 10), rng)
		if d > cfg.Cap {
			t.Fatalf("jittered delay %v exceeds cap %v", d, cfg.Cap)
		}
	}
}

func TestApplyJitterDisabled(t *testing.T) {
	t.Parallel()
	cfg := BackoffConfig{Jitter: 0}
	if got := applyJitter(cfg, 5*time.Second, rand.New(rand.NewSource(1))); got != 5*time.Second {
		t.Fatalf("jitter-disabled delay changed: %v", got)
	}
}
