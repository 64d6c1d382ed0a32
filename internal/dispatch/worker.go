package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"boostd/internal/account"
	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/queue"
	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

var errNoEligibleAccounts = errors.New("no eligible accounts")

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	// Per-worker RNG: avoids global lock contention when many workers
	// stagger concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		if ctx.Err() != nil {
			return
		}

		op, ok := d.q.Lease()
		if !ok {
			d.idle(ctx)
			continue
		}
		d.execOne(ctx, op, rng)
	}
}

// idle sleeps until new work is signalled, the next scheduled operation
// becomes ready, or the idle cap elapses.
func (d *Dispatcher) idle(ctx context.Context) {
	wait := d.cfg.IdleWait
	if next, ok := d.q.NextReady(); ok {
		if until := next.Sub(d.now()); until > 0 && until < wait {
			wait = until
		}
	}
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-d.q.Ready():
	case <-tmr.C:
	}
}

// execOne runs one leased operation across its remaining fan-out, one
// account at a time, and resolves the lease.
func (d *Dispatcher) execOne(ctx context.Context, op *queue.Operation, rng *rand.Rand) {
	want := d.fanoutFor(op)

	// Accounts that already reached a terminal share are never re-selected
	// for this operation.
	exclude := make(map[account.ID]bool, len(op.Results))
	for id := range op.Results {
		exclude[id] = true
	}

	remaining := want - len(op.Results)
	if remaining <= 0 {
		d.q.Complete(ctx, op, nil)
		return
	}

	var ids []account.ID
	if op.AccountID != 0 {
		// Pinned operation: the affinity account or nothing.
		if !exclude[op.AccountID] {
			ids = filterTo(d.reg.Select(account.Eligibility{}), op.AccountID)
			if len(ids) == 0 {
				if rem, waiting := d.cool.CooldownFor(op.AccountID); waiting {
					// Merely cooling down: retry later, no budget burn.
					d.q.Requeue(ctx, op, rem)
					return
				}
			}
		}
	} else {
		ids = d.reg.Select(account.Eligibility{Count: remaining, Exclude: exclude})
		if len(ids) == 0 {
			d.completeShort(ctx, op)
			return
		}
	}

	if len(ids) == 0 {
		d.q.Complete(ctx, op, errNoEligibleAccounts)
		return
	}

	var (
		transientErr error
		rateLimited  int
		minCooldown  time.Duration
	)

	for i, id := range ids {
		if ctx.Err() != nil {
			// Shutting down mid-batch: hand the lease back untouched.
			d.q.Requeue(ctx, op, 0)
			return
		}
		if i > 0 {
			if !d.stagger(ctx, rng) {
				d.q.Requeue(ctx, op, 0)
				return
			}
		}

		outcome := d.invoke(ctx, op, id)
		switch {
		case outcome.err == nil:
			op.Results[id] = queue.ShareDone
		case outcome.floodWait:
			rateLimited++
			if minCooldown == 0 || outcome.cooldown < minCooldown {
				minCooldown = outcome.cooldown
			}
		case outcome.banned:
			op.Results[id] = queue.ShareBanned
		default:
			transientErr = outcome.err
		}
	}

	remaining = want - len(op.Results)
	if remaining <= 0 {
		d.q.Complete(ctx, op, nil)
		return
	}

	if transientErr != nil {
		d.q.Complete(ctx, op, fmt.Errorf("%d of %d shares done: %w", len(op.Results), want, transientErr))
		return
	}
	if rateLimited > 0 {
		// Every unfinished share hit a flood-wait. That is expected platform
		// throttling, not a failure: retry after the shortest cooldown
		// without touching the attempt budget.
		if minCooldown <= 0 {
			minCooldown = d.cool.Backoff(1)
		}
		d.q.Requeue(ctx, op, minCooldown)
		return
	}
	d.completeShort(ctx, op)
}

// completeShort resolves an operation whose fan-out could not be filled this
// round. Accounts that are merely cooling down or mid-call come back, so the
// operation is requeued to wait for one without burning attempt budget; it
// fails only when no account can ever serve it.
func (d *Dispatcher) completeShort(ctx context.Context, op *queue.Operation) {
	exclude := make(map[account.ID]bool, len(op.Results))
	for id := range op.Results {
		exclude[id] = true
	}
	if wait, ok := d.reg.NextEligible(exclude); ok {
		if wait <= 0 {
			wait = d.cool.Backoff(1)
		}
		d.q.Requeue(ctx, op, wait)
		return
	}
	d.q.Complete(ctx, op, errNoEligibleAccounts)
}

func (d *Dispatcher) fanoutFor(op *queue.Operation) int {
	if op.AccountID != 0 {
		return 1
	}
	if op.Fanout > 0 {
		return op.Fanout
	}
	return d.cfg.FanoutDefault
}

// stagger waits a short randomized delay between successive per-account
// invocations. Returns false if ctx was canceled.
func (d *Dispatcher) stagger(ctx context.Context, rng *rand.Rand) bool {
	span := d.cfg.StaggerMax - d.cfg.StaggerMin
	wait := d.cfg.StaggerMin
	if span > 0 {
		wait += time.Duration(rng.Int63n(int64(span)))
	}
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

type attemptOutcome struct {
	err       error
	floodWait bool
	banned    bool
	cooldown  time.Duration
}

// invoke performs one protocol call with one account, reports the result to
// the registry/coordinator, and appends exactly one log entry.
func (d *Dispatcher) invoke(ctx context.Context, op *queue.Operation, id account.ID) attemptOutcome {
	attemptID := uuid.NewString()

	h, ok := d.reg.Acquire(id)
	if !ok {
		// Lost a race for the handle; treat as a skipped share this round.
		return attemptOutcome{err: fmt.Errorf("account %d busy", id)}
	}
	defer d.reg.Release(id)

	if err := d.cool.Acquire(ctx, id); err != nil {
		return attemptOutcome{err: err}
	}

	start := d.now()
	callCtx, cancel := proto.CallTimeout(ctx, d.cfg.CallTimeout)
	err := d.client.Execute(callCtx, h, op.Call())
	cancel()
	took := time.Since(start)

	out := attemptOutcome{err: err}
	logOutcome := "success"

	switch {
	case err == nil:
		d.reg.Report(ctx, id, account.Outcome{AttemptID: attemptID, Kind: account.OutcomeSuccess})
		if op.Kind == queue.KindBoostViews && d.store != nil {
			if serr := d.store.IncrementTargetBoosts(ctx, op.Target, len(op.Params.MessageIDs)); serr != nil {
				d.log.Error("boost counter update failed", logx.String("target", op.Target), logx.Err(serr))
			}
		}
	case isFloodWait(err):
		wait, _ := proto.AsFloodWait(err)
		until := d.cool.OnRateLimited(id, wait, op.Attempts+1)
		d.reg.Report(ctx, id, account.Outcome{AttemptID: attemptID, Kind: account.OutcomeRateLimited, CooldownUntil: until})
		out.floodWait = true
		out.cooldown = until.Sub(d.now())
		logOutcome = "flood_wait"
	case proto.IsAccountInvalid(err):
		d.reg.Report(ctx, id, account.Outcome{AttemptID: attemptID, Kind: account.OutcomeBanned})
		out.banned = true
		logOutcome = "banned"
	default:
		d.reg.Report(ctx, id, account.Outcome{AttemptID: attemptID, Kind: account.OutcomeError})
		logOutcome = "error"
	}

	// Every attempt produces exactly one log entry, success or not.
	if d.store != nil {
		entry := storage.LogEntry{
			At:        start,
			OpID:      op.ID,
			AccountID: id,
			Kind:      string(op.Kind),
			Target:    op.Target,
			Outcome:   logOutcome,
			TookMS:    took.Milliseconds(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if serr := d.store.AppendLog(ctx, entry); serr != nil {
			d.log.Error("attempt log append failed", logx.String("op", op.ID), logx.Err(serr))
		}
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicAttemptDone, Data: AttemptEvent{
			OpID:      op.ID,
			AccountID: id,
			Kind:      string(op.Kind),
			Target:    op.Target,
			Outcome:   logOutcome,
			TookMS:    took.Milliseconds(),
		}})
	}

	d.log.Debug("attempt finished",
		logx.String("op", op.ID),
		logx.Int64("account", id),
		logx.String("outcome", logOutcome),
		logx.Duration("took", took),
	)
	return out
}

func isFloodWait(err error) bool {
	_, ok := proto.AsFloodWait(err)
	return ok
}

func filterTo(ids []account.ID, want account.ID) []account.ID {
	for _, id := range ids {
		if id == want {
			return []account.ID{id}
		}
	}
	return nil
}

// AttemptEvent is the bus payload for per-attempt outcomes.
type AttemptEvent struct {
	OpID      string `json:"op_id"`
	AccountID int64  `json:"account_id"`
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	TookMS    int64  `json:"took_ms"`
}
