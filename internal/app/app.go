// Package app wires configuration, storage, and the orchestration services
// into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boostd/internal/account"
	"boostd/internal/config"
	"boostd/internal/dispatch"
	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/queue"
	"boostd/internal/ratelimit"
	"boostd/internal/runtime/supervisor"
	"boostd/internal/storage"
	"boostd/internal/transport/telegram"
	"boostd/internal/watch"
	logx "boostd/pkg/logx"
)

// Option customizes app construction.
type Option func(*App)

// WithClient plugs in the protocol client implementation. Without it the
// daemon runs with proto.Unconfigured and every call fails until wired.
func WithClient(c proto.Client) Option {
	return func(a *App) { a.client = c }
}

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	client proto.Client

	cool    *ratelimit.Coordinator
	reg     *account.Registry
	q       *queue.Queue
	disp    *dispatch.Dispatcher
	watcher *watch.Watcher
	control *telegram.Bot

	sup *supervisor.Supervisor
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, client: proto.Unconfigured{}}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rlCfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.cool = ratelimit.New(rlCfg, log.With(logx.String("comp", "ratelimit")))

	a.reg = account.NewRegistry(a.store, a.client, a.cool, a.bus,
		log.With(logx.String("comp", "accounts")))

	dCfg, qCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.q = queue.New(qCfg, a.store, a.bus,
		log.With(logx.String("comp", "queue")), a.cool.Backoff)

	a.disp = dispatch.New(dCfg, a.reg, a.q, a.cool, a.client, a.store, a.bus,
		log.With(logx.String("comp", "dispatch")))

	if cfg.Watcher.Enabled {
		wCfg, err := mapWatcherConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.watcher = watch.New(wCfg, a.reg, a.q, a.client, a.store, a.bus,
			log.With(logx.String("comp", "watch")))
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bot, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
			PollTimeout:  pollTimeout,
		}, a.reg, a.q, a.watcher, a.bus, log.With(logx.String("comp", "control")))
		if err != nil {
			return nil, err
		}
		a.control = bot
	}

	return a, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	sctx := a.sup.Context()

	// Reject bad hot reloads before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	// Restore persisted state before anything produces or consumes work.
	if err := a.reg.Load(sctx); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if err := a.q.Load(sctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Load(sctx); err != nil {
			return fmt.Errorf("restore targets: %w", err)
		}
	}

	a.reg.ConnectAll(sctx)

	a.disp.Start(sctx)
	if a.watcher != nil {
		a.watcher.Start(sctx)
	}
	if a.control != nil {
		a.control.Start(sctx)
	}

	a.log.Info("boostd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Stop producers before the pool so no new work appears mid-drain.
	if a.watcher != nil {
		a.watcher.Stop(ctx)
	}
	if a.control != nil {
		a.control.Stop(ctx)
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.reg != nil {
		a.reg.Close()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
