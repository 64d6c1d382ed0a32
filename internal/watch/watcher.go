// Package watch polls monitored targets for active live broadcasts and
// feeds join operations into the retry queue.
//
// The watcher only ever produces work; it never executes protocol calls
// itself. Per-broadcast dedup keys keep repeated polls from re-enqueueing
// joins for accounts that already hold one.
package watch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"boostd/internal/account"
	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/queue"
	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

// Config tunes the watcher.
type Config struct {
	// Interval between detection polls across all monitored targets.
	Interval time.Duration `json:"interval"`
	// JoinAccountsDefault is used when a target carries no per-target
	// account-count preference.
	JoinAccountsDefault int `json:"join_accounts_default"`
	// EndAfterMisses is how many consecutive absent polls end a broadcast.
	// Two avoids flapping on a single transient detection gap.
	EndAfterMisses int `json:"end_after_misses"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.JoinAccountsDefault <= 0 {
		c.JoinAccountsDefault = 3
	}
	if c.EndAfterMisses <= 0 {
		c.EndAfterMisses = 2
	}
	return c
}

// targetState is the per-target broadcast state machine. A nil instance
// means idle.
type targetState struct {
	link         string
	title        string
	joinAccounts int

	instance string
	missed   int
	// joined holds accounts with a confirmed join for the current instance.
	joined map[account.ID]bool
}

// BroadcastEvent is the bus payload for broadcast lifecycle topics.
type BroadcastEvent struct {
	Target      string `json:"target"`
	InstanceKey string `json:"instance_key"`
}

// Watcher runs the detection loop over all monitored targets.
type Watcher struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	reg    *account.Registry
	q      *queue.Queue
	client proto.Client
	store  storage.Store

	mu      sync.Mutex
	targets map[string]*targetState
	cron    *cron.Cron
}

func New(cfg Config, reg *account.Registry, q *queue.Queue, client proto.Client, store storage.Store, bus eventbus.Bus, log logx.Logger) *Watcher {
	w := &Watcher{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		reg:     reg,
		q:       q,
		client:  client,
		store:   store,
		targets: map[string]*targetState{},
	}
	// Join confirmations ride the queue's synchronous terminal hook rather
	// than a bus subscription: a dropped confirmation would leave the account
	// unmarked and every later tick would re-enqueue its join.
	q.OnTerminal(w.onOpTerminal)
	return w
}

// Load restores the monitored-target set from the store.
func (w *Watcher) Load(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	recs, err := w.store.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range recs {
		if !rec.Monitored {
			continue
		}
		w.targets[rec.Link] = &targetState{
			link:         rec.Link,
			title:        rec.Title,
			joinAccounts: rec.JoinAccounts,
		}
	}
	w.log.Info("monitored targets restored", logx.Int("count", len(w.targets)))
	return nil
}

// Monitor adds a target to the detection loop and persists the preference.
// joinAccounts 0 uses the configured default.
func (w *Watcher) Monitor(ctx context.Context, link, title string, joinAccounts int) error {
	w.mu.Lock()
	if st, ok := w.targets[link]; ok {
		st.joinAccounts = joinAccounts
		if title != "" {
			st.title = title
		}
	} else {
		w.targets[link] = &targetState{link: link, title: title, joinAccounts: joinAccounts}
	}
	w.mu.Unlock()

	if w.store != nil {
		err := w.store.SaveTarget(ctx, storage.TargetRecord{
			Link:         link,
			Title:        title,
			Monitored:    true,
			JoinAccounts: joinAccounts,
		})
		if err != nil {
			return fmt.Errorf("persist target %s: %w", link, err)
		}
	}
	w.log.Info("target monitored", logx.String("target", link))
	return nil
}

// Unmonitor removes a target. Any tracked broadcast instance is discarded;
// already-enqueued joins run to completion on their own.
func (w *Watcher) Unmonitor(ctx context.Context, link string) error {
	w.mu.Lock()
	st, ok := w.targets[link]
	delete(w.targets, link)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	if w.store != nil {
		err := w.store.SaveTarget(ctx, storage.TargetRecord{
			Link:         st.link,
			Title:        st.title,
			Monitored:    false,
			JoinAccounts: st.joinAccounts,
		})
		if err != nil {
			return fmt.Errorf("persist target %s: %w", link, err)
		}
	}
	w.log.Info("target unmonitored", logx.String("target", link))
	return nil
}

// Targets lists monitored target links.
func (w *Watcher) Targets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.targets))
	for link := range w.targets {
		out = append(out, link)
	}
	return out
}

// Start launches the poll schedule. Idempotent.
func (w *Watcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.cron != nil {
		w.mu.Unlock()
		return
	}
	w.cron = cron.New()
	_, _ = w.cron.AddFunc("@every "+w.cfg.Interval.String(), func() {
		w.tick(ctx)
	})
	w.cron.Start()
	w.mu.Unlock()

	w.log.Info("watcher started", logx.Duration("interval", w.cfg.Interval))
}

// Stop halts polling. Already-enqueued joins are unaffected.
func (w *Watcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	cr := w.cron
	w.cron = nil
	w.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	w.log.Info("watcher stopped")
}

// tick polls every monitored target once. A poll failure on one target is
// logged and never halts monitoring of the others.
func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	links := make([]string, 0, len(w.targets))
	for link := range w.targets {
		links = append(links, link)
	}
	w.mu.Unlock()

	for _, link := range links {
		if ctx.Err() != nil {
			return
		}
		st, err := w.client.PollBroadcast(ctx, link)
		if err != nil {
			w.log.Warn("broadcast poll failed", logx.String("target", link), logx.Err(err))
			continue
		}
		w.observe(ctx, link, st)
	}
}

// observe advances one target's state machine with a fresh poll result.
func (w *Watcher) observe(ctx context.Context, link string, bs proto.BroadcastState) {
	w.mu.Lock()
	st, ok := w.targets[link]
	if !ok {
		// Unmonitored between snapshot and poll.
		w.mu.Unlock()
		return
	}

	switch {
	case !bs.Active:
		if st.instance == "" {
			w.mu.Unlock()
			return
		}
		st.missed++
		if st.missed < w.cfg.EndAfterMisses {
			w.mu.Unlock()
			return
		}
		ended := st.instance
		st.instance = ""
		st.missed = 0
		st.joined = nil
		w.mu.Unlock()

		w.log.Info("broadcast ended", logx.String("target", link), logx.String("instance", ended))
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{Type: eventbus.TopicBroadcastEnd, Data: BroadcastEvent{Target: link, InstanceKey: ended}})
		}
		return

	case bs.InstanceKey != st.instance:
		// New broadcast session. A key change while one is tracked means the
		// previous session ended between polls.
		st.instance = bs.InstanceKey
		st.missed = 0
		st.joined = map[account.ID]bool{}
		w.mu.Unlock()

		w.log.Info("broadcast detected", logx.String("target", link), logx.String("instance", bs.InstanceKey))
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{Type: eventbus.TopicBroadcast, Data: BroadcastEvent{Target: link, InstanceKey: bs.InstanceKey}})
		}
		w.emitJoins(ctx, link)
		return

	default:
		// Same instance still live. Catch-up joins cover accounts that
		// failed earlier or were added after the first emission.
		st.missed = 0
		w.mu.Unlock()
		w.emitJoins(ctx, link)
		return
	}
}

// emitJoins enqueues one pinned join operation per selected account that has
// not yet confirmed a join for the current instance. The queue's dedup key
// makes re-emission while a join is unresolved a no-op.
func (w *Watcher) emitJoins(ctx context.Context, link string) {
	w.mu.Lock()
	st, ok := w.targets[link]
	if !ok || st.instance == "" {
		w.mu.Unlock()
		return
	}
	instance := st.instance
	want := st.joinAccounts
	if want <= 0 {
		want = w.cfg.JoinAccountsDefault
	}
	remaining := want - len(st.joined)
	exclude := make(map[account.ID]bool, len(st.joined))
	for id := range st.joined {
		exclude[id] = true
	}
	w.mu.Unlock()

	if remaining <= 0 {
		return
	}

	ids := w.reg.Select(account.Eligibility{Count: remaining, Exclude: exclude})
	for _, id := range ids {
		op := &queue.Operation{
			Kind:      queue.KindJoinLive,
			Target:    link,
			AccountID: id,
			Params:    queue.Params{InstanceKey: instance},
			DedupKey:  joinKey(link, instance, id),
		}
		err := w.q.Enqueue(ctx, op)
		switch {
		case err == nil:
			w.log.Debug("join enqueued",
				logx.String("target", link),
				logx.String("instance", instance),
				logx.Int64("account", id),
			)
		case err == queue.ErrDuplicate:
			// Unresolved join already in flight for this account.
		default:
			w.log.Warn("join enqueue failed",
				logx.String("target", link),
				logx.Int64("account", id),
				logx.Err(err),
			)
		}
	}
}

// onOpTerminal marks accounts joined when their pinned join operations
// complete. Runs synchronously on the completing worker's goroutine.
func (w *Watcher) onOpTerminal(oe queue.OpEvent) {
	if oe.Kind != string(queue.KindJoinLive) || oe.DedupKey == "" {
		return
	}
	w.confirm(oe)
}

func (w *Watcher) confirm(oe queue.OpEvent) {
	instance, id, ok := parseJoinKey(oe.DedupKey, oe.Target)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	st, tracked := w.targets[oe.Target]
	if !tracked || st.instance != instance {
		// Broadcast already ended or target unmonitored; nothing to track.
		return
	}
	for _, done := range oe.Done {
		if done == id {
			if st.joined == nil {
				st.joined = map[account.ID]bool{}
			}
			st.joined[id] = true
		}
	}
}

func joinKey(link, instance string, id account.ID) string {
	return fmt.Sprintf("%s#%s#%d", link, instance, id)
}

// parseJoinKey inverts joinKey given the known target link.
func parseJoinKey(key, link string) (instance string, id account.ID, ok bool) {
	rest, found := strings.CutPrefix(key, link+"#")
	if !found {
		return "", 0, false
	}
	// Instance keys may themselves contain '#'; the account id never does.
	sep := strings.LastIndexByte(rest, '#')
	if sep < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:sep], n, true
}
