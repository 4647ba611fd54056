// Package queue carries closed windows and session summaries from the session
// actors to the worker pool.
//
// Jobs are partitioned by session id so a single worker sees every job of a
// session, in the order the session emitted them.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/session"
	"github.com/okian/ocufatigue/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 1024
	defaultPartitions    = 4
)

// Kind tells a worker what a job carries.
type Kind int

// Job kinds.
const (
	KindWindow Kind = iota
	KindSummary
)

func (k Kind) String() string {
	if k == KindSummary {
		return "summary"
	}
	return "window"
}

// Job is an immutable unit of work handed from a session to a worker.
type Job struct {
	SessionID string
	Kind      Kind
	Window    session.Closed
	Summary   *model.Summary
}

// WindowJob wraps a closed window.
func WindowJob(c session.Closed) Job {
	return Job{SessionID: c.Window.SessionID, Kind: KindWindow, Window: c}
}

// SummaryJob wraps a terminal summary.
func SummaryJob(s *model.Summary) Job {
	return Job{SessionID: s.SessionID, Kind: KindSummary, Summary: s}
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job without blocking. It returns ErrFull when the
	// queue is at capacity and ErrClosed after Close.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel that yields jobs until the queue is closed
	// and drained.
	Dequeue(ctx context.Context) <-chan Job

	// Len returns the current number of queued jobs.
	Len(ctx context.Context) int

	// Close stops accepting jobs. Buffered jobs stay readable.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int
	name     string

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		name:     "queue",
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)
	return q
}

// Enqueue adds a job to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return ErrClosed
	}

	select {
	case q.jobs <- j:
		return nil
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError("context_cancelled")
		return fmt.Errorf("enqueue %s: %w", q.name, ctx.Err())
	default:
		metrics.RecordQueueEnqueueError("queue_full")
		metrics.RecordErrorByComponent("queue", "queue_full")
		return ErrFull
	}
}

// Dequeue returns the job channel.
func (q *InMemoryQueue) Dequeue(_ context.Context) <-chan Job {
	return q.jobs
}

// Len returns the current number of queued jobs.
func (q *InMemoryQueue) Len(_ context.Context) int {
	return len(q.jobs)
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Partitioned routes each job to one of several queues by session id hash.
type Partitioned struct {
	parts []*InMemoryQueue
}

// NewPartitioned creates n partitions of the given per-partition capacity.
func NewPartitioned(n, capacity int) *Partitioned {
	if n < 1 {
		n = defaultPartitions
	}
	p := &Partitioned{parts: make([]*InMemoryQueue, n)}
	for i := range p.parts {
		p.parts[i] = NewInMemoryQueue(WithCapacity(capacity), WithName(fmt.Sprintf("partition-%d", i)))
	}
	metrics.UpdateQueueCapacity(n * p.parts[0].capacity)
	metrics.UpdateQueueSize(0)
	return p
}

// PartitionOf returns the partition index for a session id.
func (p *Partitioned) PartitionOf(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.parts))) //nolint:gosec // len(parts) is small and positive
}

// Partitions returns the number of partitions.
func (p *Partitioned) Partitions() int { return len(p.parts) }

// Partition returns partition i.
func (p *Partitioned) Partition(i int) *InMemoryQueue { return p.parts[i] }

// Enqueue routes j to its session's partition.
func (p *Partitioned) Enqueue(ctx context.Context, j Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	if err := p.parts[p.PartitionOf(j.SessionID)].Enqueue(ctx, j); err != nil {
		return err
	}
	metrics.UpdateQueueSize(p.Len(ctx))
	return nil
}

// Len returns the total number of queued jobs.
func (p *Partitioned) Len(ctx context.Context) int {
	n := 0
	for _, q := range p.parts {
		n += q.Len(ctx)
	}
	return n
}

// Close closes every partition.
func (p *Partitioned) Close() error {
	for _, q := range p.parts {
		_ = q.Close()
	}
	return nil
}
