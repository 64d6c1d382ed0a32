// Package queue is the durable holding area every operation flows through,
// whether newly created or awaiting a retry. It owns an operation from
// acceptance until a terminal state and guarantees none is silently dropped.
package queue

import (
	"encoding/json"
	"time"

	"boostd/internal/proto"
	"boostd/internal/storage"
)

// Kind tags what remote work an operation requests. Opaque to the queue;
// the dispatcher maps it to a protocol call.
type Kind string

const (
	KindJoinChannel Kind = "join_channel"
	KindBoostViews  Kind = "boost_views"
	KindReact       Kind = "react"
	KindVote        Kind = "vote"
	KindJoinLive    Kind = "join_live"
)

// CallKind maps the operation kind to its protocol call kind.
func (k Kind) CallKind() proto.CallKind { return proto.CallKind(k) }

// Status is an operation's lifecycle state.
type Status int8

const (
	StatusPending Status = iota
	StatusLeased
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLeased:
		return "leased"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func parseStatus(s string) Status {
	switch s {
	case "leased":
		return StatusLeased
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Params carries kind-specific call parameters.
type Params struct {
	MessageIDs  []int  `json:"message_ids,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	PollMessage int    `json:"poll_message,omitempty"`
	PollOption  int    `json:"poll_option,omitempty"`
	MarkRead    bool   `json:"mark_read,omitempty"`
	InstanceKey string `json:"instance_key,omitempty"`
}

// ShareState is the terminal outcome of one account's share of an operation.
type ShareState string

const (
	ShareDone   ShareState = "done"
	ShareBanned ShareState = "banned"
)

// Operation is one unit of requested remote work.
//
// Ownership: the queue owns the record; a dispatcher worker holds it
// exclusively between Lease and Complete. Nothing else mutates it while
// leased.
type Operation struct {
	ID     string
	Kind   Kind
	Target string
	Params Params

	// AccountID pins the operation to one account; 0 means any eligible.
	AccountID int64
	// Fanout is how many accounts to execute across; 0 means the
	// dispatcher's configured default.
	Fanout int

	NotBefore   time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	Status      Status

	// Results records per-account terminal outcomes so retries skip
	// accounts that already finished their share. Partial success is a
	// valid persisted intermediate state.
	Results map[int64]ShareState

	// DedupKey suppresses duplicate enqueues while this operation is
	// unresolved (broadcast-instance joins).
	DedupKey  string
	CreatedAt time.Time

	leasedAt time.Time
}

// DoneShares counts accounts whose share completed successfully.
func (o *Operation) DoneShares() int {
	n := 0
	for _, st := range o.Results {
		if st == ShareDone {
			n++
		}
	}
	return n
}

// Call builds the protocol call for this operation.
func (o *Operation) Call() proto.Call {
	return proto.Call{
		Kind:        o.Kind.CallKind(),
		Target:      o.Target,
		MessageIDs:  o.Params.MessageIDs,
		Emoji:       o.Params.Emoji,
		PollMessage: o.Params.PollMessage,
		PollOption:  o.Params.PollOption,
		MarkRead:    o.Params.MarkRead,
		InstanceKey: o.Params.InstanceKey,
	}
}

func (o *Operation) toRecord() storage.OperationRecord {
	params, _ := json.Marshal(o.Params)
	results, _ := json.Marshal(o.Results)
	rec := storage.OperationRecord{
		ID:          o.ID,
		Kind:        string(o.Kind),
		Target:      o.Target,
		ParamsJSON:  string(params),
		AccountID:   o.AccountID,
		Fanout:      o.Fanout,
		Attempts:    o.Attempts,
		MaxAttempts: o.MaxAttempts,
		LastError:   o.LastError,
		Status:      o.Status.String(),
		ResultsJSON: string(results),
		DedupKey:    o.DedupKey,
	}
	if !o.NotBefore.IsZero() {
		rec.NotBefore = o.NotBefore.UnixMilli()
	}
	if !o.CreatedAt.IsZero() {
		rec.CreatedAt = o.CreatedAt.UnixMilli()
	}
	return rec
}

func fromRecord(rec storage.OperationRecord) *Operation {
	o := &Operation{
		ID:          rec.ID,
		Kind:        Kind(rec.Kind),
		Target:      rec.Target,
		AccountID:   rec.AccountID,
		Fanout:      rec.Fanout,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		LastError:   rec.LastError,
		Status:      parseStatus(rec.Status),
		DedupKey:    rec.DedupKey,
		Results:     map[int64]ShareState{},
	}
	if rec.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(rec.ParamsJSON), &o.Params)
	}
	if rec.ResultsJSON != "" {
		_ = json.Unmarshal([]byte(rec.ResultsJSON), &o.Results)
	}
	if rec.NotBefore > 0 {
		o.NotBefore = time.UnixMilli(rec.NotBefore)
	}
	if rec.CreatedAt > 0 {
		o.CreatedAt = time.UnixMilli(rec.CreatedAt)
	}
	return o
}
