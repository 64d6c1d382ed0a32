// Package proto defines the contract between the orchestration core and the
// underlying messaging-platform client.
//
// The core never speaks the wire protocol itself. It hands an opaque Call to
// a Client implementation and interprets the returned error through the
// taxonomy in errors.go. Production wiring plugs in an MTProto-backed client;
// tests plug in fakes.
package proto

import (
	"context"
	"time"
)

// Credentials identifies one managed remote account.
//
// Phone is the stable identity key; Session names the serialized session blob
// the client uses to reconnect without a fresh login.
type Credentials struct {
	Phone   string
	Session string
	APIID   int
	APIHash string
}

// Handle is an open, authorized connection for a single account.
// Exactly one Handle exists per account; the account registry owns its
// lifecycle.
type Handle interface {
	// AccountPhone reports the identity this handle is bound to.
	AccountPhone() string
	Close() error
}

// CallKind enumerates the remote operations the core dispatches.
type CallKind string

const (
	CallJoinChannel CallKind = "join_channel"
	CallBoostViews  CallKind = "boost_views"
	CallReact       CallKind = "react"
	CallVote        CallKind = "vote"
	CallJoinLive    CallKind = "join_live"
)

// Call is one remote operation against a target, executed with a single
// account's handle.
type Call struct {
	Kind   CallKind
	Target string // channel link or id

	// Kind-specific parameters.
	MessageIDs  []int  // boost_views, react
	Emoji       string // react
	PollMessage int    // vote
	PollOption  int    // vote
	MarkRead    bool   // boost_views
	InstanceKey string // join_live: broadcast instance being joined
}

// BroadcastState is the result of polling a target for a live broadcast.
type BroadcastState struct {
	Active      bool
	InstanceKey string // stable per live session; empty when inactive
}

// Client executes single remote calls. Implementations must be safe for
// concurrent use across distinct handles; the core guarantees at most one
// in-flight call per handle.
type Client interface {
	// Connect opens the connection handle for an account. A returned
	// AccountInvalidError means the stored session is dead (terminal).
	Connect(ctx context.Context, creds Credentials) (Handle, error)

	// Execute performs one call. The error is classified via errors.go:
	// nil success, FloodWaitError, AccountInvalidError, anything else
	// transient.
	Execute(ctx context.Context, h Handle, call Call) error

	// PollBroadcast checks a target for an active live broadcast.
	PollBroadcast(ctx context.Context, target string) (BroadcastState, error)
}

// CallTimeout bounds a protocol call; a deadline hit is treated as a
// transient failure by the dispatcher.
func CallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
