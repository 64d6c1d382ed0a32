package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and Open returns (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AccountRecord mirrors one managed account row.
//
// Nullable timestamps are stored as unix milliseconds with 0 meaning unset;
// keeps scanning simple and the schema stable.
type AccountRecord struct {
	ID             int64  `db:"id"`
	Phone          string `db:"phone"`
	Username       string `db:"username"`
	Session        string `db:"session_name"`
	APIID          int    `db:"api_id"`
	APIHash        string `db:"api_hash"`
	State          string `db:"state"`
	CooldownUntil  int64  `db:"cooldown_until"` // unix milli, 0 = none
	LastUsed       int64  `db:"last_used"`      // unix milli, 0 = never
	FailedAttempts int    `db:"failed_attempts"`
	CreatedAt      int64  `db:"created_at"` // unix milli
}

// TargetRecord is a channel (or message source) operations act on.
type TargetRecord struct {
	Link        string `db:"link"`
	Title       string `db:"title"`
	TotalBoosts int64  `db:"total_boosts"`
	Monitored   bool   `db:"monitored"`
	// JoinAccounts is the operator's account-count preference for live joins.
	// 0 means "all eligible".
	JoinAccounts int   `db:"join_accounts"`
	CreatedAt    int64 `db:"created_at"`
}

// OperationRecord is the persisted form of a queued operation. The retry
// queue is reconstructable from the set of records whose Status is pending
// or leased.
type OperationRecord struct {
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	Target      string `db:"target"`
	ParamsJSON  string `db:"params"`
	AccountID   int64  `db:"account_id"` // 0 = any eligible
	Fanout      int    `db:"fanout"`
	NotBefore   int64  `db:"not_before"` // unix milli
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	LastError   string `db:"last_error"`
	Status      string `db:"status"`
	ResultsJSON string `db:"results"` // per-account share outcomes
	DedupKey    string `db:"dedup_key"`
	CreatedAt   int64  `db:"created_at"`
}

// LogEntry records a single attempt outcome. Append-only, never mutated.
type LogEntry struct {
	At        time.Time
	OpID      string
	AccountID int64
	Kind      string
	Target    string
	Outcome   string // "success", "flood_wait", "banned", "error"
	Error     string
	TookMS    int64
}
