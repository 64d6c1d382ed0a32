package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"boostd/internal/proto"
	logx "boostd/pkg/logx"
)

type fakeHandle struct {
	phone  string
	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) AccountPhone() string { return h.phone }
func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	handles    []*fakeHandle
}

func (c *fakeClient) Connect(_ context.Context, creds proto.Credentials) (proto.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	h := &fakeHandle{phone: creds.Phone}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeClient) Execute(context.Context, proto.Handle, proto.Call) error { return nil }

func (c *fakeClient) PollBroadcast(context.Context, string) (proto.BroadcastState, error) {
	return proto.BroadcastState{}, nil
}

type fakeCooldowns struct {
	mu    sync.Mutex
	until map[int64]time.Time
	now   time.Time
}

func (f *fakeCooldowns) CooldownFor(id int64) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.until[id]
	if !ok || !u.After(f.now) {
		return 0, false
	}
	return u.Sub(f.now), true
}
func (f *fakeCooldowns) Restore(id int64, until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.until == nil {
		f.until = map[int64]time.Time{}
	}
	f.until[id] = until
}
func (f *fakeCooldowns) Clear(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.until, id)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClient, *fakeCooldowns, *time.Time) {
	t.Helper()
	client := &fakeClient{}
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	cool := &fakeCooldowns{now: now}
	r := NewRegistry(nil, client, cool, nil, logx.Nop())
	r.SetNow(func() time.Time { return now })
	return r, client, cool, &now
}

func register(t *testing.T, r *Registry, phone string) ID {
	t.Helper()
	id, err := r.Register(context.Background(), proto.Credentials{Phone: phone, Session: phone + ".session"})
	if err != nil {
		t.Fatalf("Register(%s) error: %v", phone, err)
	}
	return id
}

func TestRegisterPromotesToActive(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)

	id := register(t, r, "+100")
	a, ok := r.Get(id)
	if !ok {
		t.Fatal("account missing after register")
	}
	if a.State != StateActive {
		t.Fatalf("state = %v, want active", a.State)
	}
}

func TestRegisterUpsertsByPhone(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)

	first := register(t, r, "+100")
	second := register(t, r, "+100")
	if first != second {
		t.Fatalf("same phone produced two ids: %d and %d", first, second)
	}
	if got := len(r.Snapshot()); got != 1 {
		t.Fatalf("snapshot has %d accounts, want 1", got)
	}
}

func TestRegisterConnectFailure(t *testing.T) {
	t.Parallel()
	r, client, _, _ := newTestRegistry(t)
	client.connectErr = proto.AccountInvalid("session revoked")

	id, err := r.Register(context.Background(), proto.Credentials{Phone: "+100"})
	if err == nil {
		t.Fatal("expected connect error")
	}
	a, _ := r.Get(id)
	if a.State != StateBanned {
		t.Fatalf("invalid session should ban: state = %v", a.State)
	}

	// Re-registering a banned identity is refused.
	if _, err := r.Register(context.Background(), proto.Credentials{Phone: "+100"}); err != ErrBanned {
		t.Fatalf("re-register of banned account: err = %v, want ErrBanned", err)
	}
}

func TestSelectOrdersByLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	r, _, _, now := newTestRegistry(t)

	a := register(t, r, "+1")
	b := register(t, r, "+2")
	c := register(t, r, "+3")

	// Use b, then a; c stays untouched and should lead.
	r.Report(context.Background(), b, Outcome{AttemptID: "t1", Kind: OutcomeSuccess})
	*now = now.Add(time.Second)
	r.Report(context.Background(), a, Outcome{AttemptID: "t2", Kind: OutcomeSuccess})

	got := r.Select(Eligibility{Count: 3})
	want := []ID{c, b, a}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("Select order = %v, want %v", got, want)
	}
}

func TestSelectExcludesCooldown(t *testing.T) {
	t.Parallel()
	r, _, cool, now := newTestRegistry(t)

	a := register(t, r, "+1")
	b := register(t, r, "+2")

	// a got rate-limited for 30 seconds.
	until := now.Add(30 * time.Second)
	cool.Restore(a, until)
	r.Report(context.Background(), a, Outcome{AttemptID: "t1", Kind: OutcomeRateLimited, CooldownUntil: until})

	got := r.Select(Eligibility{Count: 2})
	if len(got) != 1 || got[0] != b {
		t.Fatalf("Select with cooldown = %v, want [%d]", got, b)
	}

	// After the cooldown elapses the account is selectable again.
	*now = now.Add(31 * time.Second)
	cool.now = *now
	got = r.Select(Eligibility{Count: 2})
	if len(got) != 2 {
		t.Fatalf("Select after cooldown = %v, want both accounts", got)
	}
	if a2, _ := r.Get(a); a2.State != StateActive {
		t.Fatalf("elapsed flood-wait should promote to active, got %v", a2.State)
	}
}

func TestSelectHonorsExclude(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)

	a := register(t, r, "+1")
	b := register(t, r, "+2")

	got := r.Select(Eligibility{Count: 2, Exclude: map[ID]bool{a: true}})
	if len(got) != 1 || got[0] != b {
		t.Fatalf("Select with exclude = %v, want [%d]", got, b)
	}
}

func TestAcquireSingleLease(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)
	id := register(t, r, "+1")

	h1, ok := r.Acquire(id)
	if !ok || h1 == nil {
		t.Fatal("first acquire failed")
	}
	if _, ok := r.Acquire(id); ok {
		t.Fatal("second acquire succeeded while leased")
	}
	// A leased account is also invisible to selection.
	if got := r.Select(Eligibility{Count: 1}); len(got) != 0 {
		t.Fatalf("leased account selected: %v", got)
	}

	r.Release(id)
	if _, ok := r.Acquire(id); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestReportIdempotentPerAttempt(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRegistry(t)
	id := register(t, r, "+1")

	r.Report(context.Background(), id, Outcome{AttemptID: "a1", Kind: OutcomeError})
	r.Report(context.Background(), id, Outcome{AttemptID: "a1", Kind: OutcomeError})
	a, _ := r.Get(id)
	if a.FailedAttempts != 1 {
		t.Fatalf("duplicate report applied: failed attempts = %d, want 1", a.FailedAttempts)
	}

	r.Report(context.Background(), id, Outcome{AttemptID: "a2", Kind: OutcomeError})
	a, _ = r.Get(id)
	if a.FailedAttempts != 2 {
		t.Fatalf("distinct attempt dropped: failed attempts = %d, want 2", a.FailedAttempts)
	}
}

func TestReportBannedIsSticky(t *testing.T) {
	t.Parallel()
	r, client, _, _ := newTestRegistry(t)
	id := register(t, r, "+1")

	r.Report(context.Background(), id, Outcome{AttemptID: "a1", Kind: OutcomeBanned})
	a, _ := r.Get(id)
	if a.State != StateBanned {
		t.Fatalf("state = %v, want banned", a.State)
	}
	if !client.handles[0].isClosed() {
		t.Fatal("banned account's handle not closed")
	}

	// Nothing un-bans from the report path.
	r.Report(context.Background(), id, Outcome{AttemptID: "a2", Kind: OutcomeSuccess})
	if a, _ := r.Get(id); a.State != StateBanned {
		t.Fatalf("banned account transitioned to %v", a.State)
	}
	if got := r.Select(Eligibility{Count: 1}); len(got) != 0 {
		t.Fatalf("banned account selected: %v", got)
	}
}

func TestRemoveReleasesHandle(t *testing.T) {
	t.Parallel()
	r, client, _, _ := newTestRegistry(t)
	id := register(t, r, "+1")

	if err := r.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if !client.handles[0].isClosed() {
		t.Fatal("removed account's handle not closed")
	}
	if a, _ := r.Get(id); a.State != StateInactive {
		t.Fatalf("state = %v, want inactive", a.State)
	}
	if err := r.Remove(context.Background(), 999); err != ErrNotFound {
		t.Fatalf("Remove(unknown) = %v, want ErrNotFound", err)
	}
}

func TestNextEligibleDistinguishesCoolingFromGone(t *testing.T) {
	t.Parallel()
	r, _, cool, now := newTestRegistry(t)

	a := register(t, r, "+1")

	// Cooling down: temporarily unavailable, back after the remaining wait.
	cool.Restore(a, now.Add(45*time.Second))
	wait, ok := r.NextEligible(nil)
	if !ok || wait != 45*time.Second {
		t.Fatalf("NextEligible = (%v, %v), want (45s, true)", wait, ok)
	}

	// Mid-call: back as soon as the lease returns.
	cool.Clear(a)
	if _, ok := r.Acquire(a); !ok {
		t.Fatal("acquire failed")
	}
	if wait, ok = r.NextEligible(nil); !ok || wait != 0 {
		t.Fatalf("NextEligible while leased = (%v, %v), want (0, true)", wait, ok)
	}
	r.Release(a)

	// Banned is forever: nothing left to wait for.
	r.Report(context.Background(), a, Outcome{AttemptID: "att-ban", Kind: OutcomeBanned})
	if _, ok := r.NextEligible(nil); ok {
		t.Fatal("banned account still reported as coming back")
	}

	// Excluded accounts don't count either.
	b := register(t, r, "+2")
	if _, ok := r.NextEligible(map[ID]bool{b: true}); ok {
		t.Fatal("excluded account still reported as coming back")
	}
}
