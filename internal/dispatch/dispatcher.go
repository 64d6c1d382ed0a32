// Package dispatch runs the worker pool that drains the retry queue, fans
// operations out across eligible accounts, and routes per-account outcomes
// back to the registry, the rate coordinator, and the queue.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"boostd/internal/account"
	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/queue"
	"boostd/internal/ratelimit"
	rtsup "boostd/internal/runtime/supervisor"
	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

type Config struct {
	Workers       int
	FanoutDefault int

	// StaggerMin/Max bound the randomized delay between successive
	// per-account invocations of one operation, so a fan-out burst doesn't
	// trip the platform's limits by itself.
	StaggerMin time.Duration
	StaggerMax time.Duration

	// CallTimeout bounds each protocol call; a deadline hit counts as a
	// transient failure.
	CallTimeout time.Duration

	// SweepEvery is how often expired leases are returned to the queue.
	SweepEvery time.Duration

	// IdleWait caps how long a worker sleeps when the queue is empty.
	IdleWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FanoutDefault <= 0 {
		c.FanoutDefault = 3
	}
	if c.StaggerMin <= 0 {
		c.StaggerMin = 1 * time.Second
	}
	if c.StaggerMax < c.StaggerMin {
		c.StaggerMax = c.StaggerMin + 4*time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	return c
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg    *account.Registry
	q      *queue.Queue
	cool   *ratelimit.Coordinator
	client proto.Client
	store  storage.Store

	sup   *rtsup.Supervisor
	sweep *cron.Cron

	now func() time.Time
}

func New(cfg Config, reg *account.Registry, q *queue.Queue, cool *ratelimit.Coordinator, client proto.Client, store storage.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		reg:    reg,
		q:      q,
		cool:   cool,
		client: client,
		store:  store,
		now:    time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Start launches the worker pool and the lease sweeper. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		// Worker failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup

	d.sweep = cron.New()
	_, _ = d.sweep.AddFunc("@every "+d.cfg.SweepEvery.String(), func() {
		if n := d.q.SweepExpiredLeases(context.Background()); n > 0 {
			d.log.Warn("expired leases requeued", logx.Int("count", n))
		}
	})
	d.sweep.Start()
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(workerName(idx), func(c context.Context) error {
			d.worker(c, idx)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}

	d.log.Info("dispatcher started",
		logx.Int("workers", d.cfg.Workers),
		logx.Int("fanout_default", d.cfg.FanoutDefault),
	)
}

// Stop drains the pool. In-flight attempts finish; their leases otherwise
// fall back to the sweeper after restart.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	sup := d.sup
	sweep := d.sweep
	d.sup = nil
	d.sweep = nil
	d.mu.Unlock()

	if sweep != nil {
		<-sweep.Stop().Done()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
			d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
			return
		}
	}
	d.log.Info("dispatcher stopped")
}

func workerName(idx int) string {
	return fmt.Sprintf("worker.%d", idx)
}
