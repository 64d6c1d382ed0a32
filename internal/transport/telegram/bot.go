// Package telegram is the operator-facing control surface.
//
// It is deliberately thin: commands call the core contracts (enqueue,
// cancel, registry snapshots, watch list) and render text. No core behavior
// depends on it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"boostd/internal/account"
	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/queue"
	"boostd/internal/runtime/supervisor"
	"boostd/internal/watch"
	logx "boostd/pkg/logx"
)

// Config configures the control bot.
type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Bot drives operator commands and pushes failure notifications.
type Bot struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	bus     eventbus.Bus
	reg     *account.Registry
	q       *queue.Queue
	watcher *watch.Watcher

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func New(cfg Config, reg *account.Registry, q *queue.Queue, watcher *watch.Watcher, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, log: log, bot: tb, bus: bus, reg: reg, q: q, watcher: watcher}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) owner(id int64) bool {
	for _, o := range b.cfg.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}

// handle wraps a command handler with the owner gate.
func (b *Bot) handle(cmd string, fn func(c tele.Context) error) {
	b.bot.Handle(cmd, func(c tele.Context) error {
		s := c.Sender()
		if s == nil || !b.owner(s.ID) {
			return nil
		}
		if err := fn(c); err != nil {
			b.log.Warn("command failed", logx.String("cmd", cmd), logx.Err(err))
			return c.Send("error: " + err.Error())
		}
		return nil
	})
}

func (b *Bot) registerHandlers() {
	b.handle("/status", b.cmdStatus)
	b.handle("/accounts", b.cmdAccounts)
	b.handle("/register", b.cmdRegister)
	b.handle("/remove", b.cmdRemove)
	b.handle("/queue", b.cmdQueue)
	b.handle("/boost", b.cmdBoost)
	b.handle("/join", b.cmdJoin)
	b.handle("/react", b.cmdReact)
	b.handle("/vote", b.cmdVote)
	b.handle("/monitor", b.cmdMonitor)
	b.handle("/unmonitor", b.cmdUnmonitor)
	b.handle("/cancel", b.cmdCancel)
}

// Start begins long-polling and the notification consumer. Idempotent.
func (b *Bot) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.sup = supervisor.New(ctx,
		supervisor.WithLogger(b.log.With(logx.String("comp", "control"))),
		supervisor.WithCancelOnError(false),
	)
	sup := b.sup
	b.runMu.Unlock()

	sup.Go0("telebot.poll", func(c context.Context) {
		b.bot.Start()
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	if b.bus != nil {
		sup.GoRestart("control.notify", b.consumeNotifications)
	}
	b.log.Info("control bot started")
}

// Stop halts polling.
func (b *Bot) Stop(ctx context.Context) {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.running = false
	b.runMu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// consumeNotifications surfaces operator-visible failures: operations out of
// retry budget and accounts flagged banned.
func (b *Bot) consumeNotifications(ctx context.Context) error {
	events, unsub := b.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case eventbus.TopicOpFailed:
				if oe, ok := ev.Data.(queue.OpEvent); ok {
					b.notify(fmt.Sprintf("operation failed: %s %s on %s after %d attempts\nlast error: %s",
						oe.ID, oe.Kind, oe.Target, oe.Attempts, oe.Err))
				}
			case eventbus.TopicAccountState:
				if se, ok := ev.Data.(account.StateEvent); ok && se.To == account.StateBanned.String() {
					b.notify(fmt.Sprintf("account banned: %s (id %d)", se.Phone, se.AccountID))
				}
			}
		}
	}
}

func (b *Bot) notify(text string) {
	for _, owner := range b.cfg.OwnerUserIDs {
		if _, err := b.bot.Send(&tele.User{ID: owner}, text); err != nil {
			b.log.Warn("notify failed", logx.Int64("owner", owner), logx.Err(err))
		}
	}
}

func (b *Bot) cmdStatus(c tele.Context) error {
	st := b.q.Stats()
	accs := b.reg.Snapshot()
	active := 0
	for _, a := range accs {
		if a.State == account.StateActive {
			active++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "accounts: %d (%d active)\n", len(accs), active)
	fmt.Fprintf(&sb, "queue: %d ready, %d in flight\n", st.Ready, st.InFlight)
	if b.watcher != nil {
		fmt.Fprintf(&sb, "monitored: %s", strings.Join(b.watcher.Targets(), ", "))
	}
	return c.Send(sb.String())
}

func (b *Bot) cmdAccounts(c tele.Context) error {
	accs := b.reg.Snapshot()
	if len(accs) == 0 {
		return c.Send("no accounts registered")
	}
	var sb strings.Builder
	for _, a := range accs {
		fmt.Fprintf(&sb, "%d %s [%s]", a.ID, a.Creds.Phone, a.State)
		if !a.CooldownUntil.IsZero() && a.CooldownUntil.After(time.Now()) {
			fmt.Fprintf(&sb, " cooldown %s", time.Until(a.CooldownUntil).Round(time.Second))
		}
		if a.FailedAttempts > 0 {
			fmt.Fprintf(&sb, " failures=%d", a.FailedAttempts)
		}
		sb.WriteByte('\n')
	}
	return c.Send(sb.String())
}

func (b *Bot) cmdQueue(c tele.Context) error {
	ops := b.q.Snapshot()
	if len(ops) == 0 {
		return c.Send("queue is empty")
	}
	var sb strings.Builder
	for _, op := range ops {
		fmt.Fprintf(&sb, "%s %s %s [%s] attempts=%d\n",
			shortID(op.ID), op.Kind, op.Target, op.Status, op.Attempts)
	}
	return c.Send(sb.String())
}

// /boost <link> <msgid> [msgid...]
func (b *Bot) cmdBoost(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return errors.New("usage: /boost <link> <msgid> [msgid...]")
	}
	ids := make([]int, 0, len(args)-1)
	for _, raw := range args[1:] {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("bad message id %q", raw)
		}
		ids = append(ids, n)
	}
	op := &queue.Operation{
		Kind:   queue.KindBoostViews,
		Target: args[0],
		Params: queue.Params{MessageIDs: ids, MarkRead: true},
	}
	if err := b.q.Enqueue(context.Background(), op); err != nil {
		return err
	}
	return c.Send("boost queued: " + shortID(op.ID))
}

// /join <link>
func (b *Bot) cmdJoin(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return errors.New("usage: /join <link>")
	}
	op := &queue.Operation{Kind: queue.KindJoinChannel, Target: args[0]}
	if err := b.q.Enqueue(context.Background(), op); err != nil {
		return err
	}
	return c.Send("join queued: " + shortID(op.ID))
}

// /react <link> <msgid> <emoji>
func (b *Bot) cmdReact(c tele.Context) error {
	args := c.Args()
	if len(args) != 3 {
		return errors.New("usage: /react <link> <msgid> <emoji>")
	}
	msgID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad message id %q", args[1])
	}
	op := &queue.Operation{
		Kind:   queue.KindReact,
		Target: args[0],
		Params: queue.Params{MessageIDs: []int{msgID}, Emoji: args[2]},
	}
	if err := b.q.Enqueue(context.Background(), op); err != nil {
		return err
	}
	return c.Send("reaction queued: " + shortID(op.ID))
}

// /vote <link> <pollmsg> <option>
func (b *Bot) cmdVote(c tele.Context) error {
	args := c.Args()
	if len(args) != 3 {
		return errors.New("usage: /vote <link> <pollmsg> <option>")
	}
	pollMsg, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad poll message %q", args[1])
	}
	option, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad option %q", args[2])
	}
	op := &queue.Operation{
		Kind:   queue.KindVote,
		Target: args[0],
		Params: queue.Params{PollMessage: pollMsg, PollOption: option},
	}
	if err := b.q.Enqueue(context.Background(), op); err != nil {
		return err
	}
	return c.Send("vote queued: " + shortID(op.ID))
}

// /monitor <link> [accounts]
func (b *Bot) cmdMonitor(c tele.Context) error {
	if b.watcher == nil {
		return errors.New("watcher disabled")
	}
	args := c.Args()
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: /monitor <link> [accounts]")
	}
	n := 0
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return fmt.Errorf("bad account count %q", args[1])
		}
		n = v
	}
	if err := b.watcher.Monitor(context.Background(), args[0], "", n); err != nil {
		return err
	}
	return c.Send("monitoring " + args[0])
}

// /unmonitor <link>
func (b *Bot) cmdUnmonitor(c tele.Context) error {
	if b.watcher == nil {
		return errors.New("watcher disabled")
	}
	args := c.Args()
	if len(args) != 1 {
		return errors.New("usage: /unmonitor <link>")
	}
	if err := b.watcher.Unmonitor(context.Background(), args[0]); err != nil {
		return err
	}
	return c.Send("stopped monitoring " + args[0])
}

// /cancel <opid>
//
// Accepts the short prefix shown by /queue as long as it is unambiguous.
func (b *Bot) cmdCancel(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return errors.New("usage: /cancel <opid>")
	}
	id, err := b.resolveOpID(args[0])
	if err != nil {
		return err
	}
	if err := b.q.Cancel(context.Background(), id); err != nil {
		return err
	}
	return c.Send("cancelled " + shortID(id))
}

// resolveOpID expands an operation id prefix to the full id.
func (b *Bot) resolveOpID(prefix string) (string, error) {
	var match string
	for _, op := range b.q.Snapshot() {
		if !strings.HasPrefix(op.ID, prefix) {
			continue
		}
		if match != "" && match != op.ID {
			return "", fmt.Errorf("ambiguous op id %q", prefix)
		}
		match = op.ID
	}
	if match == "" {
		// Possibly the full id of an op no longer tracked in memory.
		return prefix, nil
	}
	return match, nil
}

// /register <phone> <session> <api_id> <api_hash>
func (b *Bot) cmdRegister(c tele.Context) error {
	args := c.Args()
	if len(args) != 4 {
		return errors.New("usage: /register <phone> <session> <api_id> <api_hash>")
	}
	apiID, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad api id %q", args[2])
	}
	id, err := b.reg.Register(context.Background(), proto.Credentials{
		Phone:   args[0],
		Session: args[1],
		APIID:   apiID,
		APIHash: args[3],
	})
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("account registered: id %d", id))
}

// /remove <account_id>
func (b *Bot) cmdRemove(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return errors.New("usage: /remove <account_id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad account id %q", args[0])
	}
	if err := b.reg.Remove(context.Background(), id); err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("account %d removed", id))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
