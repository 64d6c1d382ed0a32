package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

// memStore records saved operations and replays them as pending state.
type memStore struct {
	mu  sync.Mutex
	ops map[string]storage.OperationRecord
}

func newMemStore() *memStore {
	return &memStore{ops: map[string]storage.OperationRecord{}}
}

func (s *memStore) SaveOperation(_ context.Context, op storage.OperationRecord) error {
	s.mu.Lock()
	s.ops[op.ID] = op
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadPendingOperations(context.Context) ([]storage.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OperationRecord
	for _, op := range s.ops {
		if op.Status == "pending" || op.Status == "leased" {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *memStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[id].Status
}

func (s *memStore) SaveAccount(context.Context, storage.AccountRecord) (int64, error) {
	return 0, nil
}
func (s *memStore) LoadAccounts(context.Context) ([]storage.AccountRecord, error) {
	return nil, nil
}
func (s *memStore) SaveTarget(context.Context, storage.TargetRecord) error { return nil }
func (s *memStore) LoadTargets(context.Context) ([]storage.TargetRecord, error) {
	return nil, nil
}
func (s *memStore) IncrementTargetBoosts(context.Context, string, int) error { return nil }
func (s *memStore) AppendLog(context.Context, storage.LogEntry) error        { return nil }
func (s *memStore) Close() error                                             { return nil }

func newTestQueue(t *testing.T, store storage.Store, backoff func(int) time.Duration) (*Queue, *time.Time) {
	t.Helper()
	q := New(Config{MaxAttempts: 3, LeaseTimeout: 2 * time.Minute}, store, nil, logx.Nop(), backoff)
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return now })
	return q, &now
}

func enqueue(t *testing.T, q *Queue, op *Operation) *Operation {
	t.Helper()
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return op
}

func TestLeaseOrdersByReadiness(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, nil, nil)

	scheduled := enqueue(t, q, &Operation{Kind: KindBoostViews, Target: "a", NotBefore: now.Add(time.Minute)})
	immediate := enqueue(t, q, &Operation{Kind: KindJoinChannel, Target: "b"})

	op, ok := q.Lease()
	if !ok || op.ID != immediate.ID {
		t.Fatalf("leased %v, want immediate op %s", op, immediate.ID)
	}
	// The scheduled op is not ready yet.
	if _, ok := q.Lease(); ok {
		t.Fatal("scheduled op leased before NotBefore")
	}
	*now = now.Add(2 * time.Minute)
	op, ok = q.Lease()
	if !ok || op.ID != scheduled.ID {
		t.Fatalf("leased %v, want scheduled op %s", op, scheduled.ID)
	}
}

func TestLeaseTieBreakByCreation(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, nil, nil)

	first := enqueue(t, q, &Operation{Kind: KindReact, Target: "a"})
	*now = now.Add(time.Millisecond)
	enqueue(t, q, &Operation{Kind: KindReact, Target: "b"})

	op, ok := q.Lease()
	if !ok || op.ID != first.ID {
		t.Fatalf("leased %s, want first-created %s", op.ID, first.ID)
	}
}

func TestLeaseInvisibleWhileInFlight(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, nil, nil)
	enqueue(t, q, &Operation{Kind: KindVote, Target: "a"})

	if _, ok := q.Lease(); !ok {
		t.Fatal("lease failed")
	}
	if _, ok := q.Lease(); ok {
		t.Fatal("operation leased twice without completion")
	}
}

func TestCompleteSuccess(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	q, _ := newTestQueue(t, store, nil)
	op := enqueue(t, q, &Operation{Kind: KindBoostViews, Target: "a"})

	leased, _ := q.Lease()
	q.Complete(context.Background(), leased, nil)

	if op.Status != StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", op.Status)
	}
	if got := store.status(op.ID); got != "succeeded" {
		t.Fatalf("persisted status = %s, want succeeded", got)
	}
	if st := q.Stats(); st.Ready != 0 || st.InFlight != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func TestCompleteRetriesUntilBudgetExhausted(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	backoff := func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
	q, now := newTestQueue(t, store, backoff)
	op := enqueue(t, q, &Operation{Kind: KindJoinChannel, Target: "a"})

	for attempt := 1; attempt < 3; attempt++ {
		leased, ok := q.Lease()
		if !ok {
			t.Fatalf("attempt %d: lease failed", attempt)
		}
		q.Complete(context.Background(), leased, errors.New("transient"))
		if op.Status != StatusPending {
			t.Fatalf("attempt %d: status = %v, want pending", attempt, op.Status)
		}
		// Re-enqueued with the computed backoff delay.
		if want := now.Add(time.Duration(attempt) * time.Second); !op.NotBefore.Equal(want) {
			t.Fatalf("attempt %d: NotBefore = %v, want %v", attempt, op.NotBefore, want)
		}
		*now = now.Add(time.Minute)
	}

	leased, _ := q.Lease()
	q.Complete(context.Background(), leased, errors.New("transient"))
	if op.Status != StatusFailed {
		t.Fatalf("status = %v, want failed after %d attempts", op.Status, op.Attempts)
	}
	if op.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", op.Attempts)
	}
	if got := store.status(op.ID); got != "failed" {
		t.Fatalf("persisted status = %s, want failed", got)
	}
}

func TestRequeueDoesNotBurnBudget(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, nil, nil)
	op := enqueue(t, q, &Operation{Kind: KindJoinLive, Target: "a"})

	leased, _ := q.Lease()
	q.Requeue(context.Background(), leased, 30*time.Second)

	if op.Attempts != 0 {
		t.Fatalf("requeue burned budget: attempts = %d", op.Attempts)
	}
	if want := now.Add(30 * time.Second); !op.NotBefore.Equal(want) {
		t.Fatalf("NotBefore = %v, want %v", op.NotBefore, want)
	}
	if _, ok := q.Lease(); ok {
		t.Fatal("requeued op leasable before its delay")
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, nil, nil)
	enqueue(t, q, &Operation{Kind: KindJoinLive, Target: "a", DedupKey: "a#live1#5"})

	err := q.Enqueue(context.Background(), &Operation{Kind: KindJoinLive, Target: "a", DedupKey: "a#live1#5"})
	if err != ErrDuplicate {
		t.Fatalf("second enqueue err = %v, want ErrDuplicate", err)
	}

	// Terminal resolution clears the key for future instances.
	leased, _ := q.Lease()
	q.Complete(context.Background(), leased, nil)
	if err := q.Enqueue(context.Background(), &Operation{Kind: KindJoinLive, Target: "a", DedupKey: "a#live1#5"}); err != nil {
		t.Fatalf("enqueue after resolution err = %v", err)
	}
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	q, _ := newTestQueue(t, store, nil)
	op := enqueue(t, q, &Operation{Kind: KindReact, Target: "a"})

	if err := q.Cancel(context.Background(), op.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if op.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", op.Status)
	}
	if _, ok := q.Lease(); ok {
		t.Fatal("cancelled op still leasable")
	}
	if err := q.Cancel(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Cancel(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCancelWhileLeased(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, nil, nil)
	op := enqueue(t, q, &Operation{Kind: KindVote, Target: "a"})

	leased, _ := q.Lease()
	if err := q.Cancel(context.Background(), op.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	// Cancellation wins over the in-flight outcome, success included.
	q.Complete(context.Background(), leased, nil)
	if op.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", op.Status)
	}
}

func TestSweepExpiredLeases(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, nil, nil)
	op := enqueue(t, q, &Operation{Kind: KindBoostViews, Target: "a"})

	if _, ok := q.Lease(); !ok {
		t.Fatal("lease failed")
	}
	if n := q.SweepExpiredLeases(context.Background()); n != 0 {
		t.Fatalf("fresh lease swept: %d", n)
	}

	*now = now.Add(3 * time.Minute)
	if n := q.SweepExpiredLeases(context.Background()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	leased, ok := q.Lease()
	if !ok || leased.ID != op.ID {
		t.Fatal("swept operation not leasable again")
	}
}

func TestLoadReconstructsQueue(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	q, now := newTestQueue(t, store, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		op := enqueue(t, q, &Operation{
			Kind:   KindBoostViews,
			Target: fmt.Sprintf("chan%d", i),
			Params: Params{MessageIDs: []int{i}, MarkRead: true},
		})
		ids = append(ids, op.ID)
	}
	// One op is mid-flight at crash time.
	if _, ok := q.Lease(); !ok {
		t.Fatal("lease failed")
	}

	// Fresh process: rebuild from the store.
	q2, _ := newTestQueue(t, store, nil)
	q2.SetNow(func() time.Time { return *now })
	if err := q2.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if st := q2.Stats(); st.Ready != 5 {
		t.Fatalf("reloaded %d ready ops, want 5", st.Ready)
	}

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		op, ok := q2.Lease()
		if !ok {
			t.Fatalf("lease %d failed after reload", i)
		}
		seen[op.ID] = true
		if op.Status != StatusLeased {
			t.Fatalf("reloaded op status = %v", op.Status)
		}
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("operation %s lost across restart", id)
		}
	}
}

func TestLoadPreservesDedupKeys(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	q, _ := newTestQueue(t, store, nil)
	enqueue(t, q, &Operation{Kind: KindJoinLive, Target: "a", DedupKey: "a#live1#3"})

	q2, _ := newTestQueue(t, store, nil)
	if err := q2.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	err := q2.Enqueue(context.Background(), &Operation{Kind: KindJoinLive, Target: "a", DedupKey: "a#live1#3"})
	if err != ErrDuplicate {
		t.Fatalf("dedup lost across restart: err = %v", err)
	}
}

func TestOnTerminalObserverSeesEveryTerminal(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, nil, nil)

	var got []OpEvent
	q.OnTerminal(func(ev OpEvent) { got = append(got, ev) })

	op := &Operation{Kind: KindJoinLive, Target: "chan", AccountID: 7, DedupKey: "k1"}
	if err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, ok := q.Lease()
	if !ok {
		t.Fatal("lease failed")
	}
	leased.Results[7] = ShareDone
	q.Complete(context.Background(), leased, nil)

	fail := &Operation{Kind: KindVote, Target: "chan"}
	if err := q.Enqueue(context.Background(), fail); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, ok = q.Lease()
	if !ok {
		t.Fatal("lease failed")
	}
	leased.Attempts = leased.MaxAttempts - 1
	q.Complete(context.Background(), leased, errors.New("boom"))

	if len(got) != 2 {
		t.Fatalf("observer saw %d terminals, want 2", len(got))
	}
	if got[0].Status != StatusSucceeded.String() || got[0].DedupKey != "k1" {
		t.Fatalf("first terminal = %+v, want succeeded with dedup key", got[0])
	}
	if len(got[0].Done) != 1 || got[0].Done[0] != 7 {
		t.Fatalf("done accounts = %v, want [7]", got[0].Done)
	}
	if got[1].Status != StatusFailed.String() {
		t.Fatalf("second terminal = %+v, want failed", got[1])
	}
}
