package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/session"
)

func windowJob(id string, i int) Job {
	start := time.Date(2024, 5, 1, 10, i, 0, 0, time.UTC)
	return WindowJob(session.Closed{
		Window: model.FeatureWindow{SessionID: id, Index: i, Start: start, End: start.Add(time.Minute)},
		Phase:  model.StateActive,
	})
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if err := q.Enqueue(ctx, windowJob("s1", 0)); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	j := <-q.Dequeue(ctx)
	if j.SessionID != "s1" || j.Kind != KindWindow || j.Window.Window.Index != 0 {
		t.Errorf("unexpected job %+v", j)
	}
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Full(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, windowJob("s1", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(ctx, windowJob("s1", 2)); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	if err := q.Enqueue(ctx, windowJob("s1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	sum := &model.Summary{SessionID: "s1", Reason: model.ReasonEndSignal}
	if err := q.Enqueue(ctx, SummaryJob(sum)); err != nil {
		t.Fatalf("enqueue summary: %v", err)
	}
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if err := q.Enqueue(ctx, windowJob("s1", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	// buffered jobs drain in order after close
	var kinds []Kind
	for j := range q.Dequeue(ctx) {
		kinds = append(kinds, j.Kind)
	}
	if len(kinds) != 2 || kinds[0] != KindWindow || kinds[1] != KindSummary {
		t.Errorf("expected window then summary, got %v", kinds)
	}

	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got error: %v", err)
	}
}

func TestPartitioned_RoutesBySession(t *testing.T) {
	p := NewPartitioned(4, 100)
	ctx := context.Background()

	ids := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	for i := 0; i < 5; i++ {
		for _, id := range ids {
			if err := p.Enqueue(ctx, windowJob(id, i)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	if l := p.Len(ctx); l != 5*len(ids) {
		t.Errorf("expected %d jobs, got %d", 5*len(ids), l)
	}
	_ = p.Close()

	for part := 0; part < p.Partitions(); part++ {
		last := map[string]int{}
		for j := range p.Partition(part).Dequeue(ctx) {
			if got := p.PartitionOf(j.SessionID); got != part {
				t.Errorf("session %s found on partition %d, expected %d", j.SessionID, part, got)
			}
			if prev, ok := last[j.SessionID]; ok && j.Window.Window.Index != prev+1 {
				t.Errorf("session %s out of order: %d after %d", j.SessionID, j.Window.Window.Index, prev)
			}
			last[j.SessionID] = j.Window.Window.Index
		}
	}
}

func TestPartitioned_ConcurrentProducers(t *testing.T) {
	p := NewPartitioned(3, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := p.Enqueue(ctx, windowJob(fmt.Sprintf("s-%d", g), i)); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if l := p.Len(ctx); l != 500 {
		t.Errorf("expected 500 jobs, got %d", l)
	}
}
