package storage

import (
	"context"
	"errors"
	"strings"

	logx "boostd/pkg/logx"
)

// Store is the persistence API consumed by the orchestration core.
type Store interface {
	SaveAccount(ctx context.Context, a AccountRecord) (int64, error)
	LoadAccounts(ctx context.Context) ([]AccountRecord, error)

	SaveTarget(ctx context.Context, t TargetRecord) error
	LoadTargets(ctx context.Context) ([]TargetRecord, error)
	IncrementTargetBoosts(ctx context.Context, link string, n int) error

	SaveOperation(ctx context.Context, op OperationRecord) error
	LoadPendingOperations(ctx context.Context) ([]OperationRecord, error)

	AppendLog(ctx context.Context, e LogEntry) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
