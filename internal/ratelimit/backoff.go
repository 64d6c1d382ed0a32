package ratelimit

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the exponential retry schedule used when the platform
// did not tell us how long to wait.
type BackoffConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // 0.2 = 20%
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = 2 * time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 30 * time.Minute
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// backoffDelay computes the delay before attempt+1, doubling per attempt up
// to the cap. Jitter is applied by the caller so the unjittered schedule
// stays monotone.
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	d := cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.Cap {
			return cfg.Cap
		}
	}
	if d > cfg.Cap {
		d = cfg.Cap
	}
	return d
}

// applyJitter spreads d by ±cfg.Jitter to avoid synchronized retries when
// many operations fail at once. The cap bounds the jittered value too, so
// the schedule never exceeds it.
func applyJitter(cfg BackoffConfig, d time.Duration, rng *rand.Rand) time.Duration {
	if cfg.Jitter <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * cfg.Jitter
	j := time.Duration(float64(d) * (1 + r))
	if j < 0 {
		return 0
	}
	if cfg.Cap > 0 && j > cfg.Cap {
		return cfg.Cap
	}
	return j
}
