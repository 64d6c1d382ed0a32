package telegram

import (
	"context"
	"testing"

	"boostd/internal/queue"
	logx "boostd/pkg/logx"
)

func TestResolveOpIDPrefix(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, nil, nil, logx.Nop(), nil)
	ops := []*queue.Operation{
		{Kind: queue.KindJoinChannel, Target: "a"},
		{Kind: queue.KindJoinChannel, Target: "b"},
	}
	for _, op := range ops {
		if err := q.Enqueue(context.Background(), op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	b := &Bot{q: q}

	// The short prefix shown by /queue resolves to the full id, so the id
	// an operator sees is always one they can cancel.
	id, err := b.resolveOpID(shortID(ops[0].ID))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != ops[0].ID {
		t.Fatalf("resolved %q, want %q", id, ops[0].ID)
	}

	// Full ids resolve to themselves.
	if id, err := b.resolveOpID(ops[1].ID); err != nil || id != ops[1].ID {
		t.Fatalf("full id = (%q, %v)", id, err)
	}

	// An ambiguous prefix is rejected rather than cancelling the wrong op.
	if _, err := b.resolveOpID(""); err == nil {
		t.Fatal("ambiguous prefix accepted")
	}

	// Unknown ids pass through untouched for the queue to reject.
	if id, err := b.resolveOpID("zzzz"); err != nil || id != "zzzz" {
		t.Fatalf("passthrough = (%q, %v)", id, err)
	}

	if err := q.Cancel(context.Background(), "zzzz"); err == nil {
		t.Fatal("queue accepted an unknown id")
	}
}
