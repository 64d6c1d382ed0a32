// Package eventbus carries in-process lifecycle signals between the
// orchestration components: queue transitions, per-attempt outcomes, account
// state changes, and broadcast detection.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics. "op.*" follows an operation through the queue; the rest announce
// account and broadcast changes.
const (
	TopicOpEnqueued   = "op.enqueued"
	TopicOpCompleted  = "op.completed"
	TopicOpFailed     = "op.failed"
	TopicOpCancelled  = "op.cancelled"
	TopicAttemptDone  = "op.attempt"
	TopicAccountState = "account.state"
	TopicBroadcast    = "broadcast.detected"
	TopicBroadcastEnd = "broadcast.ended"
)

// Event is a small, ideally JSON-serializable signal.
//
// Delivery is best-effort: Publish never blocks, so a subscriber that falls
// behind loses events rather than stalling a worker. Anything that must not
// be missed takes a synchronous path instead of riding the bus.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so no lock is held while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		trySend(ch, e)
	}
}

// trySend drops the event when the subscriber's buffer is full. A concurrent
// unsubscribe may close the channel mid-send; the recover absorbs that.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because trySend recovers from the closed-channel panic.
			close(ch)
		})
	}
	return ch, unsub
}
