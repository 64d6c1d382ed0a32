// Package account owns the registry of managed remote accounts: identity,
// connection-handle lifecycle, health state, and eligibility selection.
package account

import (
	"time"

	"boostd/internal/proto"
)

// ID is the store-assigned account identifier.
type ID = int64

// State is an account's health state.
type State int8

const (
	StateInactive State = iota
	StateActive
	StateFloodWait
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateFloodWait:
		return "flood_wait"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// ParseState maps a persisted state string back to its State.
// Unknown strings load as inactive, so a schema hiccup never invents an
// eligible account.
func ParseState(s string) State {
	switch s {
	case "active":
		return StateActive
	case "flood_wait":
		return StateFloodWait
	case "banned":
		return StateBanned
	default:
		return StateInactive
	}
}

// Account is one managed identity. All fields are guarded by the registry's
// lock; callers receive copies.
type Account struct {
	ID       ID
	Creds    proto.Credentials
	Username string
	State    State

	// CooldownUntil is set while the account is in flood-wait.
	CooldownUntil time.Time
	// LastUsed orders least-recently-used selection.
	LastUsed       time.Time
	FailedAttempts int
	CreatedAt      time.Time
}

// Eligible reports whether the account may be selected at the given time.
func (a *Account) Eligible(now time.Time) bool {
	switch a.State {
	case StateActive:
		return true
	case StateFloodWait:
		return !a.CooldownUntil.After(now)
	default:
		return false
	}
}

// OutcomeKind classifies a report about one account-level attempt.
type OutcomeKind int8

const (
	// OutcomeConnected confirms the protocol client opened the handle.
	OutcomeConnected OutcomeKind = iota
	// OutcomeSuccess is a completed call.
	OutcomeSuccess
	// OutcomeRateLimited carries a cooldown deadline from the coordinator.
	OutcomeRateLimited
	// OutcomeBanned means the platform reported the account invalid. Sticky.
	OutcomeBanned
	// OutcomeError is a transient per-account failure.
	OutcomeError
)

// Outcome reports the result of one attempt on one account.
//
// AttemptID makes Report idempotent: duplicate reports for the same attempt
// are dropped.
type Outcome struct {
	AttemptID     string
	Kind          OutcomeKind
	CooldownUntil time.Time // OutcomeRateLimited only
}

// StateEvent is published on the event bus when an account transitions.
type StateEvent struct {
	AccountID ID     `json:"account_id"`
	Phone     string `json:"phone"`
	From      string `json:"from"`
	To        string `json:"to"`
}
