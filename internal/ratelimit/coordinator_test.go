package ratelimit

import (
	"context"
	"testing"
	"time"

	logx "boostd/pkg/logx"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *time.Time) {
	t.Helper()
	c := New(cfg, logx.Nop())
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	c.SetNow(func() time.Time { return now })
	return c, &now
}

func TestOnRateLimitedSignalledWait(t *testing.T) {
	t.Parallel()
	c, now := newTestCoordinator(t, Config{CooldownFloor: 5 * time.Second, CooldownBuffer: 5 * time.Second})

	until := c.OnRateLimited(1, 30*time.Second, 1)
	// signalled wait + buffer
	if want := now.Add(35 * time.Second); !until.Equal(want) {
		t.Fatalf("until = %v, want %v", until, want)
	}
	rem, waiting := c.CooldownFor(1)
	if !waiting || rem != 35*time.Second {
		t.Fatalf("CooldownFor = (%v, %v), want (35s, true)", rem, waiting)
	}
}

func TestOnRateLimitedFloor(t *testing.T) {
	t.Parallel()
	c, now := newTestCoordinator(t, Config{CooldownFloor: 5 * time.Second, CooldownBuffer: time.Second})

	until := c.OnRateLimited(1, time.Second, 1)
	if want := now.Add(5 * time.Second); !until.Equal(want) {
		t.Fatalf("floor not applied: until = %v, want %v", until, want)
	}
}

func TestOnRateLimitedFallbackBackoff(t *testing.T) {
	t.Parallel()
	c, now := newTestCoordinator(t, Config{
		CooldownFloor: time.Second,
		Backoff:       BackoffConfig{Base: 2 * time.Second, Cap: time.Minute, Jitter: 0.2},
	})

	// No signalled wait: the attempt count drives the exponential schedule.
	until := c.OnRateLimited(1, 0, 3)
	if want := now.Add(8 * time.Second); !until.Equal(want) {
		t.Fatalf("fallback until = %v, want %v", until, want)
	}
}

func TestCooldownNeverShrinks(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, Config{CooldownFloor: time.Second, CooldownBuffer: 0})

	long := c.OnRateLimited(1, time.Hour, 1)
	short := c.OnRateLimited(1, time.Minute, 1)
	if short.Before(long) {
		t.Fatalf("later shorter signal shrank cooldown: %v < %v", short, long)
	}
}

func TestCooldownExpiry(t *testing.T) {
	t.Parallel()
	c, now := newTestCoordinator(t, Config{CooldownFloor: time.Second})

	c.OnRateLimited(7, 10*time.Second, 1)
	*now = now.Add(16 * time.Second)
	if _, waiting := c.CooldownFor(7); waiting {
		t.Fatal("cooldown should have expired")
	}
}

func TestRestoreAndClear(t *testing.T) {
	t.Parallel()
	c, now := newTestCoordinator(t, Config{})

	c.Restore(3, now.Add(time.Minute))
	if _, waiting := c.CooldownFor(3); !waiting {
		t.Fatal("restored cooldown missing")
	}
	// Stale restores are ignored.
	c.Restore(4, now.Add(-time.Minute))
	if _, waiting := c.CooldownFor(4); waiting {
		t.Fatal("stale cooldown restored")
	}

	c.Clear(3)
	if _, waiting := c.CooldownFor(3); waiting {
		t.Fatal("cleared cooldown still present")
	}
}

func TestBackoffJittered(t *testing.T) {
	t.Parallel()
	c := New(Config{Backoff: BackoffConfig{Base: 2 * time.Second, Cap: time.Minute, Jitter: 0.2}}, logx.Nop())

	for attempt := 1; attempt <= 5; attempt++ {
		want := backoffDelay(c.cfg.Backoff, attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		got := c.Backoff(attempt)
		if got < lo || got > hi {
			t.Fatalf("Backoff(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()
	// 1 call/min budget: the second acquire must block until ctx expires.
	c := New(Config{AccountPerMinute: 1, GlobalPerMinute: 1000}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := c.Acquire(ctx, 1); err == nil {
		t.Fatal("second acquire should have hit the deadline")
	}
}
