package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"boostd/internal/eventbus"
	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

var (
	ErrDuplicate = errors.New("duplicate operation for unresolved dedup key")
	ErrNotFound  = errors.New("operation not found")
)

// Queue is the single funnel all operations flow through. Ready ordering is
// earliest NotBefore first, ties broken by creation time, so immediate work
// naturally sorts ahead of scheduled work.
type Queue struct {
	mu sync.Mutex

	ready    opHeap
	byID     map[string]*item
	inflight map[string]*Operation
	dedup    map[string]string // dedup key -> unresolved operation id
	cancels  map[string]bool   // cancel requested while leased

	store     storage.Store
	bus       eventbus.Bus
	log       logx.Logger
	backoff   func(attempt int) time.Duration
	observers []func(OpEvent)

	leaseTimeout time.Duration
	maxAttempts  int

	notify chan struct{}
	now    func() time.Time
}

type item struct {
	op    *Operation
	index int // heap position, -1 when not in the ready heap
}

type opHeap []*item

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	a, b := h[i].op, h[j].op
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *opHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type Config struct {
	MaxAttempts  int
	LeaseTimeout time.Duration
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, backoff func(int) time.Duration) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if backoff == nil {
		backoff = func(int) time.Duration { return 2 * time.Second }
	}
	return &Queue{
		byID:         make(map[string]*item),
		inflight:     make(map[string]*Operation),
		dedup:        make(map[string]string),
		cancels:      make(map[string]bool),
		store:        store,
		bus:          bus,
		log:          log,
		backoff:      backoff,
		leaseTimeout: cfg.LeaseTimeout,
		maxAttempts:  cfg.MaxAttempts,
		notify:       make(chan struct{}, 1),
		now:          time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (q *Queue) SetNow(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Ready signals (coalesced) whenever work is enqueued or re-enqueued.
func (q *Queue) Ready() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Load reconstructs the queue from persisted non-terminal operations.
// Operations leased at crash time come back leasable immediately.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	recs, err := q.store.LoadPendingOperations(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, rec := range recs {
		op := fromRecord(rec)
		if op.Status == StatusLeased {
			op.Status = StatusPending
		}
		it := &item{op: op, index: -1}
		q.byID[op.ID] = it
		heap.Push(&q.ready, it)
		if op.DedupKey != "" {
			q.dedup[op.DedupKey] = op.ID
		}
	}
	n := len(recs)
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("retry queue reloaded", logx.Int("pending", n))
		q.wake()
	}
	return nil
}

// Enqueue accepts a new operation. A second enqueue for the same dedup key
// while the first is unresolved returns ErrDuplicate and changes nothing.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) error {
	if op == nil {
		return errors.New("nil operation")
	}
	q.mu.Lock()
	now := q.now()
	if op.DedupKey != "" {
		if _, exists := q.dedup[op.DedupKey]; exists {
			q.mu.Unlock()
			return ErrDuplicate
		}
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.NotBefore.IsZero() {
		op.NotBefore = now
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.maxAttempts
	}
	if op.Results == nil {
		op.Results = map[int64]ShareState{}
	}
	op.Status = StatusPending

	it := &item{op: op, index: -1}
	q.byID[op.ID] = it
	heap.Push(&q.ready, it)
	if op.DedupKey != "" {
		q.dedup[op.DedupKey] = op.ID
	}
	q.mu.Unlock()

	q.persist(ctx, op)
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TopicOpEnqueued, Data: opEvent(op)})
	}
	q.wake()
	return nil
}

// Lease atomically removes and returns the earliest-ready operation, marking
// it in-flight. A leased operation is invisible to other leases until
// completion or lease expiry.
func (q *Queue) Lease() (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if q.ready.Len() == 0 {
		return nil, false
	}
	it := q.ready[0]
	if it.op.NotBefore.After(now) {
		return nil, false
	}
	heap.Pop(&q.ready)
	it.op.Status = StatusLeased
	it.op.leasedAt = now
	q.inflight[it.op.ID] = it.op
	return it.op, true
}

// NextReady reports when the earliest queued operation becomes leasable.
func (q *Queue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return time.Time{}, false
	}
	return q.ready[0].op.NotBefore, true
}

// Complete resolves a leased operation.
//
// attemptErr nil marks it succeeded. A non-nil attemptErr counts against the
// retry budget: under budget the operation re-enters the queue after the
// computed backoff; at budget it is marked permanently failed. Either way
// the record is persisted, never discarded. A cancellation requested while
// in-flight wins over any outcome.
func (q *Queue) Complete(ctx context.Context, op *Operation, attemptErr error) {
	if op == nil {
		return
	}
	q.mu.Lock()
	if _, ok := q.inflight[op.ID]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, op.ID)

	if q.cancels[op.ID] {
		q.finishLocked(op, StatusCancelled, "")
		q.mu.Unlock()
		q.persist(ctx, op)
		q.publishTerminal(op)
		return
	}

	if attemptErr == nil {
		q.finishLocked(op, StatusSucceeded, "")
		q.mu.Unlock()
		q.persist(ctx, op)
		q.publishTerminal(op)
		return
	}

	op.Attempts++
	op.LastError = attemptErr.Error()
	if op.Attempts >= op.MaxAttempts {
		q.finishLocked(op, StatusFailed, op.LastError)
		q.mu.Unlock()
		q.persist(ctx, op)
		q.publishTerminal(op)
		q.log.Warn("operation permanently failed",
			logx.String("op", op.ID),
			logx.String("kind", string(op.Kind)),
			logx.Int("attempts", op.Attempts),
			logx.String("last_error", op.LastError),
		)
		return
	}

	delay := q.backoff(op.Attempts)
	op.Status = StatusPending
	op.NotBefore = q.now().Add(delay)
	it := q.byID[op.ID]
	if it == nil {
		it = &item{op: op, index: -1}
		q.byID[op.ID] = it
	}
	heap.Push(&q.ready, it)
	q.mu.Unlock()

	q.persist(ctx, op)
	q.log.Debug("operation re-enqueued",
		logx.String("op", op.ID),
		logx.Int("attempt", op.Attempts),
		logx.Duration("delay", delay),
	)
	q.wake()
}

// Requeue returns a leased operation to the ready state after delay without
// touching its attempt budget. Used when an attempt made no progress for
// reasons that are not failures, e.g. every eligible account was inside a
// rate-limit cooldown.
func (q *Queue) Requeue(ctx context.Context, op *Operation, delay time.Duration) {
	if op == nil {
		return
	}
	q.mu.Lock()
	if _, ok := q.inflight[op.ID]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, op.ID)

	if q.cancels[op.ID] {
		q.finishLocked(op, StatusCancelled, "")
		q.mu.Unlock()
		q.persist(ctx, op)
		q.publishTerminal(op)
		return
	}

	if delay < 0 {
		delay = 0
	}
	op.Status = StatusPending
	op.NotBefore = q.now().Add(delay)
	it := q.byID[op.ID]
	if it == nil {
		it = &item{op: op, index: -1}
		q.byID[op.ID] = it
	}
	heap.Push(&q.ready, it)
	q.mu.Unlock()

	q.persist(ctx, op)
	q.wake()
}

// Cancel marks an operation terminal-cancelled. Safe while leased: the
// in-flight attempt's outcome is discarded at its completion boundary.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	it := q.byID[id]
	if it == nil {
		q.mu.Unlock()
		return ErrNotFound
	}
	op := it.op
	if op.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	if _, leased := q.inflight[id]; leased {
		// Observed on the next completion attempt.
		q.cancels[id] = true
		q.mu.Unlock()
		return nil
	}
	if it.index >= 0 {
		heap.Remove(&q.ready, it.index)
	}
	q.finishLocked(op, StatusCancelled, "")
	q.mu.Unlock()

	q.persist(ctx, op)
	q.publishTerminal(op)
	return nil
}

// SweepExpiredLeases returns operations stuck in-flight beyond the lease
// timeout to the ready state. Covers workers lost to panics mid-attempt.
func (q *Queue) SweepExpiredLeases(ctx context.Context) int {
	q.mu.Lock()
	now := q.now()
	var expired []*Operation
	for id, op := range q.inflight {
		if now.Sub(op.leasedAt) >= q.leaseTimeout {
			delete(q.inflight, id)
			expired = append(expired, op)
		}
	}
	for _, op := range expired {
		op.Status = StatusPending
		op.NotBefore = now
		it := q.byID[op.ID]
		if it == nil {
			it = &item{op: op, index: -1}
			q.byID[op.ID] = it
		}
		heap.Push(&q.ready, it)
	}
	q.mu.Unlock()

	for _, op := range expired {
		q.log.Warn("lease expired, operation requeued", logx.String("op", op.ID), logx.String("kind", string(op.Kind)))
		q.persist(ctx, op)
	}
	if len(expired) > 0 {
		q.wake()
	}
	return len(expired)
}

// Stats is a lightweight queue view for diagnostics.
type Stats struct {
	Ready    int
	InFlight int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ready: q.ready.Len(), InFlight: len(q.inflight)}
}

// Snapshot returns copies of all tracked non-terminal operations.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0, len(q.byID))
	for _, it := range q.byID {
		if !it.op.Status.Terminal() {
			out = append(out, *it.op)
		}
	}
	return out
}

// finishLocked moves an operation to a terminal state. Caller holds q.mu.
func (q *Queue) finishLocked(op *Operation, st Status, lastErr string) {
	op.Status = st
	if lastErr != "" {
		op.LastError = lastErr
	}
	delete(q.byID, op.ID)
	delete(q.cancels, op.ID)
	if op.DedupKey != "" && q.dedup[op.DedupKey] == op.ID {
		delete(q.dedup, op.DedupKey)
	}
}

func (q *Queue) persist(ctx context.Context, op *Operation) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveOperation(ctx, op.toRecord()); err != nil {
		q.log.Error("operation persist failed", logx.String("op", op.ID), logx.Err(err))
	}
}

// OpEvent is the bus payload for operation lifecycle topics.
type OpEvent struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	DedupKey string `json:"dedup_key,omitempty"`
	// Done lists accounts whose share succeeded.
	Done []int64 `json:"done,omitempty"`
	Err  string  `json:"err,omitempty"`
}

func opEvent(op *Operation) OpEvent {
	ev := OpEvent{
		ID:       op.ID,
		Kind:     string(op.Kind),
		Target:   op.Target,
		Status:   op.Status.String(),
		Attempts: op.Attempts,
		DedupKey: op.DedupKey,
		Err:      op.LastError,
	}
	for id, st := range op.Results {
		if st == ShareDone {
			ev.Done = append(ev.Done, id)
		}
	}
	return ev
}

// OnTerminal registers a synchronous observer for terminal transitions.
// Observers run on the completing goroutine; unlike bus subscribers they
// can never miss an event to a full buffer.
func (q *Queue) OnTerminal(fn func(OpEvent)) {
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

func (q *Queue) publishTerminal(op *Operation) {
	ev := opEvent(op)

	q.mu.Lock()
	obs := q.observers
	q.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}

	if q.bus == nil {
		return
	}
	topic := eventbus.TopicOpCompleted
	switch op.Status {
	case StatusFailed:
		topic = eventbus.TopicOpFailed
	case StatusCancelled:
		topic = eventbus.TopicOpCancelled
	}
	q.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}
