package config

// Config is the root of the boostd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Telegram TelegramConfig `json:"telegram"`

	Dispatcher DispatcherConfig `json:"dispatcher"`
	RateLimit  RateLimitConfig  `json:"ratelimit"`
	Watcher    WatcherConfig    `json:"watcher"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./boostd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelegramConfig configures the operator control bot, not the managed
// accounts — those are registered at runtime and live in storage.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// DispatcherConfig controls the worker pool and retry budget.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - fanout_default: 3
//   - max_attempts: 3
//   - stagger_min: "1s", stagger_max: "5s"
//   - call_timeout: "30s"
//   - lease_timeout: "2m"
type DispatcherConfig struct {
	Workers       int    `json:"workers,omitempty"`
	FanoutDefault int    `json:"fanout_default,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	StaggerMin    string `json:"stagger_min,omitempty"`
	StaggerMax    string `json:"stagger_max,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`
	LeaseTimeout  string `json:"lease_timeout,omitempty"`
}

// RateLimitConfig controls per-account and global call budgets plus the
// flood-wait/backoff schedule.
type RateLimitConfig struct {
	AccountPerMinute int `json:"account_per_minute,omitempty"`
	GlobalPerMinute  int `json:"global_per_minute,omitempty"`

	CooldownFloor  string `json:"cooldown_floor,omitempty"`
	CooldownBuffer string `json:"cooldown_buffer,omitempty"`

	BackoffBase   string  `json:"backoff_base,omitempty"`
	BackoffCap    string  `json:"backoff_cap,omitempty"`
	BackoffJitter float64 `json:"backoff_jitter,omitempty"`
}

// WatcherConfig controls live-broadcast detection.
type WatcherConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	// JoinAccounts is the default per-broadcast account count; 0 uses the
	// built-in default. Per-target preferences override it.
	JoinAccounts int `json:"join_accounts,omitempty"`
}
