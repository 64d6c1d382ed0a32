package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "boostd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a AccountRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	// Upsert by phone: re-registering an existing identity refreshes its
	// session/state instead of failing.
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO accounts(phone, username, session_name, api_id, api_hash, state,
		                      cooldown_until, last_used, failed_attempts, created_at)
		 VALUES(:phone, :username, :session_name, :api_id, :api_hash, :state,
		        :cooldown_until, :last_used, :failed_attempts, :created_at)
		 ON CONFLICT(phone) DO UPDATE SET
		        username=excluded.username,
		        session_name=excluded.session_name,
		        api_id=excluded.api_id,
		        api_hash=excluded.api_hash,
		        state=excluded.state,
		        cooldown_until=excluded.cooldown_until,
		        last_used=excluded.last_used,
		        failed_attempts=excluded.failed_attempts`,
		a,
	)
	if err != nil {
		return 0, err
	}
	if a.ID != 0 {
		return a.ID, nil
	}
	// For a fresh insert LastInsertId is the row id; for an upsert of an
	// existing phone it may be stale, so fall back to a lookup.
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		var phone string
		if qerr := s.db.QueryRowContext(ctx, `SELECT phone FROM accounts WHERE id = ?`, id).Scan(&phone); qerr == nil && phone == a.Phone {
			return id, nil
		}
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE phone = ?`, a.Phone).Scan(&id)
	return id, err
}

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]AccountRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var out []AccountRecord
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM accounts ORDER BY id`)
	return out, err
}

func (s *sqliteStore) SaveTarget(ctx context.Context, t TargetRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO targets(link, title, total_boosts, monitored, join_accounts, created_at)
		 VALUES(:link, :title, :total_boosts, :monitored, :join_accounts, :created_at)
		 ON CONFLICT(link) DO UPDATE SET
		        title=excluded.title,
		        monitored=excluded.monitored,
		        join_accounts=excluded.join_accounts`,
		t,
	)
	return err
}

func (s *sqliteStore) LoadTargets(ctx context.Context) ([]TargetRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var out []TargetRecord
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM targets ORDER BY created_at`)
	return out, err
}

func (s *sqliteStore) IncrementTargetBoosts(ctx context.Context, link string, n int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET total_boosts = total_boosts + ? WHERE link = ?`, n, link)
	return err
}

func (s *sqliteStore) SaveOperation(ctx context.Context, op OperationRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO operations(id, kind, target, params, account_id, fanout, not_before,
		                        attempts, max_attempts, last_error, status, results, dedup_key, created_at)
		 VALUES(:id, :kind, :target, :params, :account_id, :fanout, :not_before,
		        :attempts, :max_attempts, :last_error, :status, :results, :dedup_key, :created_at)
		 ON CONFLICT(id) DO UPDATE SET
		        not_before=excluded.not_before,
		        attempts=excluded.attempts,
		        last_error=excluded.last_error,
		        status=excluded.status,
		        results=excluded.results`,
		op,
	)
	return err
}

func (s *sqliteStore) LoadPendingOperations(ctx context.Context) ([]OperationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// Leased rows load as pending too: a lease held at crash time must become
	// visible again after restart.
	var out []OperationRecord
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM operations WHERE status IN ('pending', 'leased') ORDER BY not_before, created_at`)
	return out, err
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(at, op_id, account_id, kind, target, outcome, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.OpID, e.AccountID, e.Kind, e.Target,
		e.Outcome, e.Error, e.TookMS,
	)
	return err
}
