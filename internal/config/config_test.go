package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./boostd.db
  busy_timeout: 5s
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
dispatcher:
  workers: 4
  fanout_default: 3
  max_attempts: 3
  stagger_min: 1s
  stagger_max: 5s
  call_timeout: 30s
  lease_timeout: 2m
ratelimit:
  account_per_minute: 20
  global_per_minute: 100
  cooldown_floor: 5s
  cooldown_buffer: 5s
  backoff_base: 2s
  backoff_cap: 30m
  backoff_jitter: 0.2
watcher:
  enabled: true
  interval: 15s
  join_accounts: 2
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Dispatcher.Workers != 4 || cfg.Dispatcher.MaxAttempts != 3 || cfg.Dispatcher.StaggerMax != "5s" {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.RateLimit.AccountPerMinute != 20 || cfg.RateLimit.BackoffJitter != 0.2 {
		t.Fatalf("ratelimit = %+v", cfg.RateLimit)
	}
	if !cfg.Watcher.Enabled || cfg.Watcher.Interval != "15s" || cfg.Watcher.JoinAccounts != 2 {
		t.Fatalf("watcher = %+v", cfg.Watcher)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},
		  "telegram":{"token":"t","owner_user_ids":[],"poll_timeout":"5s"},
		  "dispatcher":{},"ratelimit":{},"watcher":{"enabled":false}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Watcher.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
logging: {level: info, console: true}
dispatcher: {workerz: 4}
ratelimit: {}
watcher: {enabled: false}
telegram: {token: "", owner_user_ids: [], poll_timeout: ""}
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""}},"telegram":{"token":"","owner_user_ids":[],"poll_timeout":""},"dispatcher":{},"ratelimit":{},"watcher":{"enabled":false}}{}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "seconds", raw: "10s", want: 10 * time.Second},
		{name: "minutes", raw: "2m", want: 2 * time.Minute},
		{name: "spaces", raw: " 500ms ", want: 500 * time.Millisecond},
		{name: "negative", raw: "-1s", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Duration("x", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Duration(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if d, err := DurationOr("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default not applied: (%v, %v)", d, err)
	}
	if d, err := DurationOr("x", "3s", 7*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("explicit value ignored: (%v, %v)", d, err)
	}
}
