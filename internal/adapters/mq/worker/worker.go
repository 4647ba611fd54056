package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/ocufatigue/internal/adapters/mq/queue"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/scoring"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

// Default worker configuration constants.
const (
	metricsUpdateInterval = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Store persists worker output.
type Store interface {
	SaveWindow(ctx context.Context, w model.FeatureWindow) error
	SaveDerived(ctx context.Context, stats []model.DerivedStatistic) error
	SaveScore(ctx context.Context, s model.FatigueScore) error
	SaveSummary(ctx context.Context, s model.Summary) error
}

// Publisher pushes scores and summaries to subscribers.
type Publisher interface {
	PublishScore(ctx context.Context, s model.FatigueScore) error
	PublishSummary(ctx context.Context, s model.Summary) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes jobs until its queue is closed and drained.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue closes.
	Run(ctx context.Context)

	// Shutdown waits for Run to return.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker owns one queue partition. Every job of a session reaches the
// same worker, so per-session state here needs no locking.
type InMemoryWorker struct {
	queue     Queue
	store     Store
	scorer    scoring.Scorer
	publisher Publisher
	name      string

	// last score emitted per live session, reported in its summary
	last map[string]model.FatigueScore

	done chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, store Store, scorer scoring.Scorer, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:  q,
		store:  store,
		scorer: scorer,
		name:   "worker",
		last:   make(map[string]model.FatigueScore),
		done:   make(chan struct{}),
		logger: logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Error(ctx, "error processing job",
					logger.String("session_id", job.SessionID),
					logger.String("kind", job.Kind.String()),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown waits for the worker to finish.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	switch job.Kind {
	case queue.KindWindow:
		return w.processWindow(ctx, job)
	case queue.KindSummary:
		return w.processSummary(ctx, job)
	}
	return fmt.Errorf("unknown job kind %d", job.Kind)
}

func (w *InMemoryWorker) processWindow(ctx context.Context, job queue.Job) error { //nolint:gocritic // hugeParam
	c := job.Window
	metrics.RecordWindowClosed()

	var errs []error
	if err := w.store.SaveWindow(ctx, c.Window); err != nil {
		metrics.RecordErrorByComponent("worker", "store_window")
		errs = append(errs, fmt.Errorf("save window: %w", err))
	}
	if c.Phase != model.StateActive {
		return errors.Join(errs...)
	}

	for _, ds := range c.Stats {
		if ds.AlarmPos {
			metrics.RecordTrendAlarm(string(ds.Feature), "up")
		}
		if ds.AlarmNeg {
			metrics.RecordTrendAlarm(string(ds.Feature), "down")
		}
	}
	if len(c.Stats) > 0 {
		if err := w.store.SaveDerived(ctx, c.Stats); err != nil {
			metrics.RecordErrorByComponent("worker", "store_derived")
			errs = append(errs, fmt.Errorf("save derived: %w", err))
		}
	}

	scoreStart := time.Now()
	score, err := w.scorer.Score(ctx, scoring.Input{
		Window:          c.Window,
		Stats:           c.Stats,
		Elapsed:         c.Elapsed,
		BaselinePartial: c.BaselinePartial,
	})
	metrics.RecordScoringLatency(float64(time.Since(scoreStart).Microseconds()) / 1000)
	if err != nil {
		cause := scoring.FailureCause(err)
		metrics.RecordScoringFailure(cause)
		w.logger.Warn(ctx, "scoring failed, emitting flagged record",
			logger.String("session_id", job.SessionID),
			logger.Time("window_start", c.Window.Start),
			logger.String("cause", cause),
			logger.Error(err),
		)
	} else {
		metrics.RecordScoreEmitted(score.Score, score.Flags.Has(model.FlagPartialInput))
	}

	if err := w.store.SaveScore(ctx, score); err != nil {
		metrics.RecordErrorByComponent("worker", "store_score")
		errs = append(errs, fmt.Errorf("save score: %w", err))
	}
	w.last[job.SessionID] = score
	if w.publisher != nil {
		if err := w.publisher.PublishScore(ctx, score); err != nil {
			errs = append(errs, fmt.Errorf("publish score: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *InMemoryWorker) processSummary(ctx context.Context, job queue.Job) error { //nolint:gocritic // hugeParam
	if job.Summary == nil {
		return fmt.Errorf("summary job for %s without summary", job.SessionID)
	}
	sum := *job.Summary
	if last, ok := w.last[job.SessionID]; ok {
		sum.LastScore = &last
		delete(w.last, job.SessionID)
	}

	var errs []error
	if err := w.store.SaveSummary(ctx, sum); err != nil {
		metrics.RecordErrorByComponent("worker", "store_summary")
		errs = append(errs, fmt.Errorf("save summary: %w", err))
	}
	if w.publisher != nil {
		if err := w.publisher.PublishSummary(ctx, sum); err != nil {
			errs = append(errs, fmt.Errorf("publish summary: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Pool runs one worker per queue partition.
type Pool struct {
	workers []*InMemoryWorker
	queue   *queue.Partitioned

	shutdown chan struct{}

	logger logger.Logger
}

// NewPool creates a worker for every partition of q.
func NewPool(q *queue.Partitioned, store Store, scorer scoring.Scorer, opts ...Option) *Pool {
	pool := &Pool{
		workers:  make([]*InMemoryWorker, q.Partitions()),
		queue:    q,
		shutdown: make(chan struct{}),
		logger:   logger.Get().Named("worker-pool"),
	}
	for i := range pool.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q.Partition(i), store, scorer, wopts...)
	}
	metrics.UpdateWorkerCount(len(pool.workers))
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			metrics.UpdateQueueSize(p.queue.Len(ctx))
		}
	}
}

// Shutdown closes the queue and waits for the workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}
	close(p.shutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for i, worker := range p.workers {
		if err := worker.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			timedOut = true
		}
	}
	metrics.UpdateWorkerCount(0)
	metrics.UpdateQueueSize(p.queue.Len(ctx))
	if timedOut {
		return fmt.Errorf("worker pool: %w", context.DeadlineExceeded)
	}
	return nil
}
