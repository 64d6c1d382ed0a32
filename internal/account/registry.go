package account

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"boostd/internal/eventbus"
	"boostd/internal/proto"
	"boostd/internal/storage"
	logx "boostd/pkg/logx"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrBanned   = errors.New("account is banned")
)

// CooldownTracker is the slice of the rate coordinator the registry needs.
type CooldownTracker interface {
	CooldownFor(id int64) (time.Duration, bool)
	Restore(id int64, until time.Time)
	Clear(id int64)
}

// Registry tracks every account's identity, connection handle, and health
// state. It is the single owner of connection handles: opened on successful
// registration/reconnect, closed on removal or ban.
type Registry struct {
	mu sync.Mutex

	accounts map[ID]*Account
	handles  map[ID]proto.Handle
	leased   map[ID]bool
	lastRpt  map[ID]string // attempt-id idempotency guard

	store  storage.Store
	client proto.Client
	cool   CooldownTracker
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time
}

func NewRegistry(store storage.Store, client proto.Client, cool CooldownTracker, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		accounts: make(map[ID]*Account),
		handles:  make(map[ID]proto.Handle),
		leased:   make(map[ID]bool),
		lastRpt:  make(map[ID]string),
		store:    store,
		client:   client,
		cool:     cool,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Load rebuilds the account table from the store. Flood-waits whose deadline
// already passed come back as active; leases never survive a restart.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, rec := range recs {
		a := fromRecord(rec)
		if a.State == StateFloodWait {
			if a.CooldownUntil.After(now) {
				if r.cool != nil {
					r.cool.Restore(a.ID, a.CooldownUntil)
				}
			} else {
				a.State = StateActive
				a.CooldownUntil = time.Time{}
			}
		}
		r.accounts[a.ID] = a
	}
	r.log.Info("accounts loaded", logx.Int("count", len(recs)))
	return nil
}

// Register upserts an account by credential identity and opens its handle.
// An existing identity gets its stored session refreshed rather than a
// duplicate error; a banned identity stays banned.
func (r *Registry) Register(ctx context.Context, creds proto.Credentials) (ID, error) {
	r.mu.Lock()
	var existing *Account
	for _, a := range r.accounts {
		if a.Creds.Phone == creds.Phone {
			existing = a
			break
		}
	}
	if existing != nil && existing.State == StateBanned {
		r.mu.Unlock()
		return existing.ID, ErrBanned
	}
	r.mu.Unlock()

	// Persist first so the identity survives even if connect fails: the
	// account sits inactive until a reconnect succeeds.
	a := &Account{Creds: creds, State: StateInactive, CreatedAt: r.now()}
	if existing != nil {
		a.ID = existing.ID
		a.Username = existing.Username
		a.CreatedAt = existing.CreatedAt
		a.FailedAttempts = existing.FailedAttempts
	}
	id, err := r.save(ctx, a)
	if err != nil {
		return 0, err
	}
	a.ID = id

	h, err := r.client.Connect(ctx, creds)
	if err != nil {
		if proto.IsAccountInvalid(err) {
			r.transition(ctx, a, StateBanned)
			return id, err
		}
		r.transition(ctx, a, StateInactive)
		return id, err
	}

	r.mu.Lock()
	if old := r.handles[id]; old != nil {
		_ = old.Close()
	}
	r.handles[id] = h
	r.accounts[id] = a
	r.mu.Unlock()

	r.transition(ctx, a, StateActive)
	r.log.Info("account registered", logx.Int64("account", id), logx.String("phone", creds.Phone))
	return id, nil
}

// ConnectAll re-opens handles for every non-banned loaded account. Accounts
// whose session no longer authorizes drop to inactive (or banned).
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.Lock()
	var todo []*Account
	for _, a := range r.accounts {
		if a.State == StateBanned || a.State == StateInactive {
			continue
		}
		if r.handles[a.ID] == nil {
			todo = append(todo, a)
		}
	}
	r.mu.Unlock()

	for _, a := range todo {
		h, err := r.client.Connect(ctx, a.Creds)
		if err != nil {
			if proto.IsAccountInvalid(err) {
				r.transition(ctx, a, StateBanned)
			} else {
				r.transition(ctx, a, StateInactive)
			}
			r.log.Warn("session reconnect failed", logx.Int64("account", a.ID), logx.Err(err))
			continue
		}
		r.mu.Lock()
		r.handles[a.ID] = h
		r.mu.Unlock()
		r.log.Info("session restored", logx.Int64("account", a.ID), logx.String("phone", a.Creds.Phone))
	}
}

// Eligibility narrows Select.
type Eligibility struct {
	Exclude map[ID]bool
	Count   int
}

// Select returns up to Count eligible account ids, least-recently-used first.
// Eligible means active (or flood-wait elapsed), not excluded, and not
// currently holding an in-flight call lease.
func (r *Registry) Select(el Eligibility) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cands := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if el.Exclude[a.ID] || r.leased[a.ID] {
			continue
		}
		if r.handles[a.ID] == nil {
			continue
		}
		if !a.Eligible(now) {
			continue
		}
		if r.cool != nil {
			if _, waiting := r.cool.CooldownFor(a.ID); waiting {
				continue
			}
		}
		// Elapsed flood-wait promotes lazily on selection.
		if a.State == StateFloodWait {
			a.State = StateActive
			a.CooldownUntil = time.Time{}
		}
		cands = append(cands, a)
	}

	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].LastUsed.Equal(cands[j].LastUsed) {
			return cands[i].LastUsed.Before(cands[j].LastUsed)
		}
		return cands[i].ID < cands[j].ID
	})

	n := el.Count
	if n <= 0 || n > len(cands) {
		n = len(cands)
	}
	out := make([]ID, 0, n)
	for _, a := range cands[:n] {
		out = append(out, a.ID)
	}
	return out
}

// NextEligible reports how long until some non-excluded account could become
// selectable again. It returns false only when every such account is gone for
// good (banned, disconnected, or removed) rather than merely cooling down or
// busy with an in-flight call.
func (r *Registry) NextEligible(exclude map[ID]bool) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	wait := time.Duration(-1)
	for _, a := range r.accounts {
		if exclude[a.ID] || r.handles[a.ID] == nil || a.State == StateBanned {
			continue
		}
		var rem time.Duration
		switch {
		case r.leased[a.ID]:
			// Busy with a call; back as soon as the lease returns.
		case a.State == StateFloodWait:
			rem = a.CooldownUntil.Sub(now)
		case a.State != StateActive:
			continue
		}
		if rem < 0 {
			// Elapsed flood-wait; selectable on the next pass.
			rem = 0
		}
		if r.cool != nil {
			if cd, waiting := r.cool.CooldownFor(a.ID); waiting && cd > rem {
				rem = cd
			}
		}
		if wait < 0 || rem < wait {
			wait = rem
		}
	}
	if wait < 0 {
		return 0, false
	}
	return wait, true
}

// Acquire marks an account's handle as in-flight. The connection is a
// single-writer resource: at most one protocol call per account at a time.
func (r *Registry) Acquire(id ID) (proto.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[id]
	if h == nil || r.leased[id] {
		return nil, false
	}
	a := r.accounts[id]
	if a == nil || a.State == StateBanned {
		return nil, false
	}
	r.leased[id] = true
	return h, true
}

// Release returns the handle lease taken by Acquire.
func (r *Registry) Release(id ID) {
	r.mu.Lock()
	delete(r.leased, id)
	r.mu.Unlock()
}

// Report applies an attempt outcome to the account state machine.
// Duplicate reports for the same attempt id are dropped.
func (r *Registry) Report(ctx context.Context, id ID, o Outcome) {
	r.mu.Lock()
	a := r.accounts[id]
	if a == nil {
		r.mu.Unlock()
		return
	}
	if o.AttemptID != "" && r.lastRpt[id] == o.AttemptID {
		r.mu.Unlock()
		return
	}
	if o.AttemptID != "" {
		r.lastRpt[id] = o.AttemptID
	}
	// BANNED is terminal; nothing un-bans an account from here.
	if a.State == StateBanned {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	switch o.Kind {
	case OutcomeConnected:
		r.transition(ctx, a, StateActive)
	case OutcomeSuccess:
		r.mu.Lock()
		a.LastUsed = r.now()
		a.FailedAttempts = 0
		r.mu.Unlock()
		r.transition(ctx, a, StateActive)
	case OutcomeRateLimited:
		r.mu.Lock()
		a.CooldownUntil = o.CooldownUntil
		a.LastUsed = r.now()
		r.mu.Unlock()
		r.transition(ctx, a, StateFloodWait)
	case OutcomeBanned:
		r.closeHandle(id)
		r.transition(ctx, a, StateBanned)
	case OutcomeError:
		r.mu.Lock()
		a.FailedAttempts++
		a.LastUsed = r.now()
		r.mu.Unlock()
		r.persist(ctx, a)
	}
}

// Remove releases the account's handle and drops it from selection.
func (r *Registry) Remove(ctx context.Context, id ID) error {
	r.mu.Lock()
	a := r.accounts[id]
	r.mu.Unlock()
	if a == nil {
		return ErrNotFound
	}
	r.closeHandle(id)
	if r.cool != nil {
		r.cool.Clear(id)
	}
	r.transition(ctx, a, StateInactive)
	r.log.Info("account removed", logx.Int64("account", id), logx.String("phone", a.Creds.Phone))
	return nil
}

// Get returns a copy of the account, if known.
func (r *Registry) Get(id ID) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return Account{}, false
	}
	return *a, true
}

// Snapshot returns copies of all accounts, ordered by id.
func (r *Registry) Snapshot() []Account {
	r.mu.Lock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases every handle. Shutdown path.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[ID]proto.Handle)
	r.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
}

func (r *Registry) closeHandle(id ID) {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	delete(r.leased, id)
	r.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

func (r *Registry) transition(ctx context.Context, a *Account, to State) {
	r.mu.Lock()
	from := a.State
	a.State = to
	if to != StateFloodWait {
		a.CooldownUntil = time.Time{}
	}
	r.mu.Unlock()

	r.persist(ctx, a)

	if from != to && r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicAccountState, Data: StateEvent{
			AccountID: a.ID,
			Phone:     a.Creds.Phone,
			From:      from.String(),
			To:        to.String(),
		}})
	}
}

func (r *Registry) persist(ctx context.Context, a *Account) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	rec := toRecord(a)
	r.mu.Unlock()
	if _, err := r.store.SaveAccount(ctx, rec); err != nil {
		r.log.Error("account persist failed", logx.Int64("account", a.ID), logx.Err(err))
	}
}

func (r *Registry) save(ctx context.Context, a *Account) (ID, error) {
	if r.store == nil {
		// Storeless registries (tests) still need unique ids.
		r.mu.Lock()
		id := a.ID
		if id == 0 {
			id = ID(len(r.accounts) + 1)
			for r.accounts[id] != nil {
				id++
			}
		}
		a.ID = id
		r.accounts[id] = a
		r.mu.Unlock()
		return id, nil
	}
	id, err := r.store.SaveAccount(ctx, toRecord(a))
	if err != nil {
		return 0, err
	}
	a.ID = id
	r.mu.Lock()
	r.accounts[id] = a
	r.mu.Unlock()
	return id, nil
}

func toRecord(a *Account) storage.AccountRecord {
	rec := storage.AccountRecord{
		ID:             a.ID,
		Phone:          a.Creds.Phone,
		Username:       a.Username,
		Session:        a.Creds.Session,
		APIID:          a.Creds.APIID,
		APIHash:        a.Creds.APIHash,
		State:          a.State.String(),
		FailedAttempts: a.FailedAttempts,
	}
	if !a.CooldownUntil.IsZero() {
		rec.CooldownUntil = a.CooldownUntil.UnixMilli()
	}
	if !a.LastUsed.IsZero() {
		rec.LastUsed = a.LastUsed.UnixMilli()
	}
	if !a.CreatedAt.IsZero() {
		rec.CreatedAt = a.CreatedAt.UnixMilli()
	}
	return rec
}

func fromRecord(rec storage.AccountRecord) *Account {
	a := &Account{
		ID: rec.ID,
		Creds: proto.Credentials{
			Phone:   rec.Phone,
			Session: rec.Session,
			APIID:   rec.APIID,
			APIHash: rec.APIHash,
		},
		Username:       rec.Username,
		State:          ParseState(rec.State),
		FailedAttempts: rec.FailedAttempts,
	}
	if rec.CooldownUntil > 0 {
		a.CooldownUntil = time.UnixMilli(rec.CooldownUntil)
	}
	if rec.LastUsed > 0 {
		a.LastUsed = time.UnixMilli(rec.LastUsed)
	}
	if rec.CreatedAt > 0 {
		a.CreatedAt = time.UnixMilli(rec.CreatedAt)
	}
	return a
}
