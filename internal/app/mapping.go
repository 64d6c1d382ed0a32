package app

import (
	"fmt"
	"strings"
	"time"

	"boostd/internal/config"
	"boostd/internal/dispatch"
	"boostd/internal/queue"
	"boostd/internal/ratelimit"
	"boostd/internal/storage"
	"boostd/internal/watch"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rl := cfg.RateLimit
	floor, err := config.Duration("ratelimit.cooldown_floor", rl.CooldownFloor)
	if err != nil {
		return ratelimit.Config{}, err
	}
	buffer, err := config.Duration("ratelimit.cooldown_buffer", rl.CooldownBuffer)
	if err != nil {
		return ratelimit.Config{}, err
	}
	base, err := config.Duration("ratelimit.backoff_base", rl.BackoffBase)
	if err != nil {
		return ratelimit.Config{}, err
	}
	ceil, err := config.Duration("ratelimit.backoff_cap", rl.BackoffCap)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if rl.BackoffJitter < 0 || rl.BackoffJitter >= 1 {
		if rl.BackoffJitter != 0 {
			return ratelimit.Config{}, fmt.Errorf("ratelimit.backoff_jitter must be in [0, 1)")
		}
	}
	return ratelimit.Config{
		AccountPerMinute: rl.AccountPerMinute,
		GlobalPerMinute:  rl.GlobalPerMinute,
		CooldownFloor:    floor,
		CooldownBuffer:   buffer,
		Backoff: ratelimit.BackoffConfig{
			Base:   base,
			Cap:    ceil,
			Jitter: rl.BackoffJitter,
		},
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, queue.Config, error) {
	dc := cfg.Dispatcher
	if dc.Workers < 0 {
		return dispatch.Config{}, queue.Config{}, fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if dc.FanoutDefault < 0 {
		return dispatch.Config{}, queue.Config{}, fmt.Errorf("dispatcher.fanout_default must be >= 0")
	}
	if dc.MaxAttempts < 0 {
		return dispatch.Config{}, queue.Config{}, fmt.Errorf("dispatcher.max_attempts must be >= 0")
	}
	staggerMin, err := config.Duration("dispatcher.stagger_min", dc.StaggerMin)
	if err != nil {
		return dispatch.Config{}, queue.Config{}, err
	}
	staggerMax, err := config.Duration("dispatcher.stagger_max", dc.StaggerMax)
	if err != nil {
		return dispatch.Config{}, queue.Config{}, err
	}
	if staggerMax > 0 && staggerMax < staggerMin {
		return dispatch.Config{}, queue.Config{}, fmt.Errorf("dispatcher.stagger_max must be >= stagger_min")
	}
	callTimeout, err := config.Duration("dispatcher.call_timeout", dc.CallTimeout)
	if err != nil {
		return dispatch.Config{}, queue.Config{}, err
	}
	leaseTimeout, err := config.Duration("dispatcher.lease_timeout", dc.LeaseTimeout)
	if err != nil {
		return dispatch.Config{}, queue.Config{}, err
	}

	d := dispatch.Config{
		Workers:       dc.Workers,
		FanoutDefault: dc.FanoutDefault,
		StaggerMin:    staggerMin,
		StaggerMax:    staggerMax,
		CallTimeout:   callTimeout,
	}
	q := queue.Config{
		MaxAttempts:  dc.MaxAttempts,
		LeaseTimeout: leaseTimeout,
	}
	return d, q, nil
}

func mapWatcherConfig(cfg *config.Config) (watch.Config, error) {
	wc := cfg.Watcher
	interval, err := config.Duration("watcher.interval", wc.Interval)
	if err != nil {
		return watch.Config{}, err
	}
	if wc.JoinAccounts < 0 {
		return watch.Config{}, fmt.Errorf("watcher.join_accounts must be >= 0")
	}
	return watch.Config{
		Interval:            interval,
		JoinAccountsDefault: wc.JoinAccounts,
	}, nil
}

// validate is the hot-reload gate: a config that fails here is rejected and
// the previous snapshot stays committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	return nil
}
