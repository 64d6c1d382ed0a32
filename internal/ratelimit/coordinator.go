// Package ratelimit tracks per-account cooldowns and computes retry backoff.
//
// Two failure causes stay independent here: "the platform told us to wait T"
// (OnRateLimited, authoritative) and "we are guessing a backoff"
// (Backoff, exponential). Keeping them apart makes throttling auditable.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "boostd/pkg/logx"
)

type Config struct {
	// Calls-per-minute throttles, mirroring the platform's practical limits.
	AccountPerMinute int
	GlobalPerMinute  int

	// CooldownFloor is the minimum cooldown applied on any rate-limit signal.
	CooldownFloor time.Duration
	// CooldownBuffer is added on top of the platform-signalled wait.
	CooldownBuffer time.Duration

	Backoff BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.AccountPerMinute <= 0 {
		c.AccountPerMinute = 20
	}
	if c.GlobalPerMinute <= 0 {
		c.GlobalPerMinute = 100
	}
	if c.CooldownFloor <= 0 {
		c.CooldownFloor = 5 * time.Second
	}
	if c.CooldownBuffer <= 0 {
		c.CooldownBuffer = 5 * time.Second
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Coordinator owns cooldown state and API-call throttling for all accounts.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	cooldowns map[int64]time.Time // account id -> until
	limiters  map[int64]*rate.Limiter
	global    *rate.Limiter

	rng *rand.Rand
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		cooldowns: make(map[int64]time.Time),
		limiters:  make(map[int64]*rate.Limiter),
		global:    rate.NewLimiter(perMinute(cfg.GlobalPerMinute), cfg.GlobalPerMinute),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (c *Coordinator) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// CooldownFor returns the remaining cooldown for an account, if any.
func (c *Coordinator) CooldownFor(id int64) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[id]
	if !ok {
		return 0, false
	}
	rem := until.Sub(c.now())
	if rem <= 0 {
		delete(c.cooldowns, id)
		return 0, false
	}
	return rem, true
}

// OnRateLimited records a platform flood-wait signal for an account.
// The signalled wait is authoritative when present; otherwise the attempt
// count falls back to the exponential schedule.
func (c *Coordinator) OnRateLimited(id int64, signalled time.Duration, attempt int) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := signalled
	if wait <= 0 {
		wait = backoffDelay(c.cfg.Backoff, max(attempt, 1))
	} else {
		wait += c.cfg.CooldownBuffer
	}
	if wait < c.cfg.CooldownFloor {
		wait = c.cfg.CooldownFloor
	}

	until := c.now().Add(wait)
	if prev, ok := c.cooldowns[id]; !ok || until.After(prev) {
		c.cooldowns[id] = until
	}
	c.log.Warn("account cooldown set",
		logx.Int64("account", id),
		logx.Duration("signalled", signalled),
		logx.Duration("wait", wait),
	)
	return c.cooldowns[id]
}

// Restore re-installs a persisted cooldown on startup.
func (c *Coordinator) Restore(id int64, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until.After(c.now()) {
		c.cooldowns[id] = until
	}
}

// Clear removes an account's cooldown and limiter state (account removed).
func (c *Coordinator) Clear(id int64) {
	c.mu.Lock()
	delete(c.cooldowns, id)
	delete(c.limiters, id)
	c.mu.Unlock()
}

// Backoff returns the jittered delay before the next retry of an operation
// that has failed attempt times.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt < 1 {
		attempt = 1
	}
	return applyJitter(c.cfg.Backoff, backoffDelay(c.cfg.Backoff, attempt), c.rng)
}

func (c *Coordinator) accountLimiter(id int64) *rate.Limiter {
	lim := c.limiters[id]
	if lim == nil {
		lim = rate.NewLimiter(perMinute(c.cfg.AccountPerMinute), c.cfg.AccountPerMinute)
		c.limiters[id] = lim
	}
	return lim
}

// Acquire blocks until both the global and the per-account call budget admit
// one call, or ctx is done. Callers must already hold the account lease, so
// waiting here never blocks another account's traffic.
func (c *Coordinator) Acquire(ctx context.Context, id int64) error {
	c.mu.Lock()
	lim := c.accountLimiter(id)
	global := c.global
	c.mu.Unlock()

	if err := global.Wait(ctx); err != nil {
		return err
	}
	return lim.Wait(ctx)
}
