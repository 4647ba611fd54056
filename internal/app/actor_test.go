package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

func TestActorSendBackpressure(t *testing.T) {
	a := &actor{
		id:      "s1",
		mailbox: make(chan request, 1),
		done:    make(chan struct{}),
	}
	a.mailbox <- request{kind: reqInfo}

	_, err := a.send(context.Background(), request{kind: reqAdmit, event: model.Event{SessionID: "s1"}})
	if !errors.Is(err, model.ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.send(ctx, request{kind: reqInfo}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queries wait for room until the context ends, got %v", err)
	}
}

func TestActorSendAfterExit(t *testing.T) {
	a := &actor{
		id:      "s1",
		mailbox: make(chan request),
		done:    make(chan struct{}),
	}
	close(a.done)

	if _, err := a.send(context.Background(), request{kind: reqAdmit}); !errors.Is(err, errActorDone) {
		t.Fatalf("expected errActorDone, got %v", err)
	}
	if _, err := a.send(context.Background(), request{kind: reqEnd}); !errors.Is(err, errActorDone) {
		t.Fatalf("expected errActorDone, got %v", err)
	}
}

func TestRegistryTombstones(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := newRegistry(10, time.Minute)
	a := &actor{id: "s1"}
	r.live["s1"] = a

	if n := r.bury(a, model.SessionInfo{SessionID: "s1", State: model.StateTerminated}, now); n != 1 {
		t.Fatalf("expected one tombstone, got %d", n)
	}
	r.mu.Lock()
	live, tomb := r.lookup("s1", now.Add(30*time.Second))
	r.mu.Unlock()
	if live != nil || tomb == nil || tomb.info.State != model.StateTerminated {
		t.Fatalf("expected a tombstone, got live=%v tomb=%v", live, tomb)
	}

	if n := r.evict(now.Add(time.Minute)); n != 0 {
		t.Fatalf("expected the tombstone to expire, %d left", n)
	}
}

func TestRejectLabel(t *testing.T) {
	cases := map[string]error{
		model.RejectLate:    model.Reject(model.RejectLate, ""),
		"backpressure":      model.ErrBackpressure,
		"too_many_sessions": model.ErrTooManySessions,
		"canceled":          context.Canceled,
		"other":             errors.New("boom"),
	}
	for want, err := range cases {
		if got := rejectLabel(err); got != want {
			t.Errorf("rejectLabel(%v) = %q, want %q", err, got, want)
		}
	}
}
