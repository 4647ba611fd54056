// Package service provides the core business service that implements
// the dependencies required by the HTTP API and the ingest adapters.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/ocufatigue/internal/adapters/mq/queue"
	"github.com/okian/ocufatigue/internal/adapters/mq/worker"
	"github.com/okian/ocufatigue/internal/adapters/repository"
	"github.com/okian/ocufatigue/internal/domain/dedupe"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/scoring"
	"github.com/okian/ocufatigue/internal/domain/session"
	"github.com/okian/ocufatigue/internal/domain/validate"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

const evictInterval = 30 * time.Second

// Service owns the session registry, the result queue and the worker pool.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     repository.Store
	scorer    scoring.Scorer
	publisher worker.Publisher
	validator *validate.Validator
	deduper   dedupe.Deduper
	jobs      *queue.Partitioned
	pool      *worker.Pool
	reg       *registry

	// Configuration
	cfg          session.Config
	clock        func() time.Time
	workerCount  int
	queueSize    int
	mailboxSize  int
	maxSessions  int
	dedupeSize   int
	tombstoneTTL time.Duration
	autoStart    bool
	pixelsPerMM  float64

	calibrating atomic.Int64
	active      atomic.Int64

	// State
	started bool
	stopCh  chan struct{}

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithScorer sets the scorer. Defaults to the built-in z-score model.
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Service) {
		if sc != nil {
			s.scorer = sc
		}
	}
}

// WithPublisher sets where scores and summaries are pushed.
func WithPublisher(p worker.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithSessionConfig sets the pipeline parameters of new sessions.
func WithSessionConfig(cfg session.Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithValidator sets the event validator.
func WithValidator(v *validate.Validator) Option {
	return func(s *Service) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of each worker's queue partition.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithMailboxSize sets how many requests a session buffers.
func WithMailboxSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.mailboxSize = size
		}
	}
}

// WithMaxSessions caps the number of live sessions.
func WithMaxSessions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithDedupeSize sets the size of the deduplication cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithTombstoneTTL sets how long terminated session ids stay reserved.
// Zero forgets them immediately.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl >= 0 {
			s.tombstoneTTL = ttl
		}
	}
}

// WithAutoStart makes the first event of an unknown session start it.
func WithAutoStart(enabled bool) Option {
	return func(s *Service) {
		s.autoStart = enabled
	}
}

// WithPixelsPerMM sets the pupil area conversion used by IngestRaw.
func WithPixelsPerMM(v float64) Option {
	return func(s *Service) {
		if v >= 0 {
			s.pixelsPerMM = v
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		cfg:          session.DefaultConfig(),
		clock:        time.Now,
		workerCount:  runtime.NumCPU(),
		queueSize:    1024,
		mailboxSize:  256,
		maxSessions:  10_000,
		dedupeSize:   50_000,
		tombstoneTTL: time.Hour,
		autoStart:    true,
		stopCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.scorer == nil {
		s.scorer = scoring.NewModelScorer(scoring.ZScoreModel{})
	}
	if s.validator == nil {
		s.validator = validate.New()
	}

	s.logger.Info(ctx, "starting fatigue service...")

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.jobs = queue.NewPartitioned(s.workerCount, s.queueSize)
	s.reg = newRegistry(s.maxSessions, s.tombstoneTTL)
	s.pool = worker.NewPool(s.jobs, s.store, s.scorer, worker.WithPublisher(s.publisher))
	// workers outlive ctx so Stop can drain the queue
	s.pool.Start(context.WithoutCancel(ctx))

	s.stopCh = make(chan struct{})
	go s.evictLoop()

	s.started = true
	s.logger.Info(ctx, "fatigue service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("maxSessions", s.maxSessions),
		logger.Duration("window", s.cfg.Window),
		logger.Duration("calibration", s.cfg.Calibration),
		logger.Duration("maxDuration", s.cfg.MaxDuration),
	)
	return nil
}

// Stop terminates every live session with reason shutdown, waits for their
// windows and summaries to be processed and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Info(ctx, "stopping fatigue service...")

	live := s.reg.shutdown()
	for _, a := range live {
		close(a.stop)
	}
	var errs []error
	for _, a := range live {
		select {
		case <-a.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session %s: %w", a.id, ctx.Err()))
		}
	}

	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	close(s.stopCh)
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info(ctx, "fatigue service stopped", logger.Int("sessions_ended", len(live)))
	return errors.Join(errs...)
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Service) now() time.Time { return s.clock() }

// Ingest validates ev, drops duplicates and hands it to its session.
// A duplicate is not an error.
func (s *Service) Ingest(ctx context.Context, ev model.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.validator.Validate(ev, time.Time{}); err != nil {
		metrics.RecordEventRejected(rejectLabel(err))
		return err
	}

	key := ""
	if ev.EventID != "" {
		key = ev.SessionID + "/" + ev.EventID
		if s.SeenAndRecord(ctx, key) {
			s.logger.Debug(ctx, "duplicate event detected, skipping",
				logger.String("session_id", ev.SessionID),
				logger.String("event_id", ev.EventID),
			)
			return nil
		}
	}

	err := s.admit(ctx, ev)
	if err != nil {
		if key != "" {
			s.Unrecord(ctx, key)
		}
		metrics.RecordEventRejected(rejectLabel(err))
		s.logger.Debug(ctx, "event rejected",
			logger.String("session_id", ev.SessionID),
			logger.Error(err),
		)
		return err
	}
	metrics.RecordEventAccepted()
	return nil
}

func (s *Service) admit(ctx context.Context, ev model.Event) error {
	var (
		a   *actor
		err error
	)
	if s.autoStart {
		// the first event anchors the session on its sensor clock
		a, err = s.actorFor(ctx, ev.SessionID, ev.Timestamp, ev.Timestamp.Sub(s.now()))
	} else {
		a, err = s.liveActor(ev.SessionID)
	}
	if err != nil {
		return err
	}
	res, err := a.send(ctx, request{kind: reqAdmit, event: ev})
	if errors.Is(err, errActorDone) {
		return terminatedErr()
	}
	if err != nil {
		return err
	}
	return res.err
}

// IngestRaw decodes one wire message and ingests it. source labels metrics.
func (s *Service) IngestRaw(ctx context.Context, data []byte, source string) error {
	metrics.RecordEventReceived(source)
	ev, err := model.DecodeEvent(data, s.pixelsPerMM)
	if err != nil {
		metrics.RecordIngestDecodeError(source)
		metrics.RecordEventRejected(rejectLabel(err))
		return err
	}
	return s.Ingest(ctx, ev)
}

// StartSession starts id at the current time. Starting a live session
// returns its current view.
func (s *Service) StartSession(ctx context.Context, id string) (model.SessionInfo, error) {
	if err := s.ready(); err != nil {
		return model.SessionInfo{}, err
	}
	if id == "" {
		return model.SessionInfo{}, model.Reject(model.RejectEmptySession, "")
	}
	a, err := s.actorFor(ctx, id, s.now(), 0)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return s.ask(ctx, a, request{kind: reqInfo})
}

// EndSession terminates id with reason end_signal. Ending a terminated
// session returns its final view.
func (s *Service) EndSession(ctx context.Context, id string) (model.SessionInfo, error) {
	return s.query(ctx, id, request{kind: reqEnd, reason: model.ReasonEndSignal})
}

// Session returns the current view of id, including recently terminated
// sessions.
func (s *Service) Session(ctx context.Context, id string) (model.SessionInfo, error) {
	return s.query(ctx, id, request{kind: reqInfo})
}

func (s *Service) query(ctx context.Context, id string, req request) (model.SessionInfo, error) {
	if err := s.ready(); err != nil {
		return model.SessionInfo{}, err
	}
	s.reg.mu.Lock()
	a, t := s.reg.lookup(id, s.now())
	s.reg.mu.Unlock()
	switch {
	case t != nil:
		return t.info, nil
	case a == nil:
		return model.SessionInfo{}, unknownErr(id)
	}
	return s.ask(ctx, a, req)
}

// ask sends req and falls back to the tombstone when the actor has already
// retired.
func (s *Service) ask(ctx context.Context, a *actor, req request) (model.SessionInfo, error) {
	res, err := a.send(ctx, req)
	if errors.Is(err, errActorDone) {
		s.reg.mu.Lock()
		_, t := s.reg.lookup(a.id, s.now())
		s.reg.mu.Unlock()
		if t != nil {
			return t.info, nil
		}
		return model.SessionInfo{}, unknownErr(a.id)
	}
	if err != nil {
		return model.SessionInfo{}, err
	}
	return res.info, nil
}

// actorFor returns the live actor of id, creating one that starts at start
// when none exists. offset is the sensor clock minus the server clock.
func (s *Service) actorFor(ctx context.Context, id string, start time.Time, offset time.Duration) (*actor, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if s.reg.closed {
		return nil, ErrNotStarted
	}
	a, t := s.reg.lookup(id, s.now())
	if a != nil {
		return a, nil
	}
	if t != nil {
		return nil, terminatedErr()
	}
	if len(s.reg.live) >= s.reg.max {
		metrics.RecordSessionRejected()
		s.logger.Error(ctx, "session limit reached",
			logger.String("session_id", id),
			logger.Int("max_sessions", s.reg.max),
		)
		return nil, fmt.Errorf("%d live sessions: %w", s.reg.max, model.ErrTooManySessions)
	}

	p, err := session.New(id, start, s.cfg, s.validator)
	if err != nil {
		return nil, err
	}
	a = newActor(s, p, offset)
	s.reg.live[id] = a
	s.stateChanged(model.StateTerminated, a.state)
	go a.run()

	s.logger.Info(ctx, "session started",
		logger.String("session_id", id),
		logger.Time("start", start),
		logger.Duration("clock_offset", offset),
	)
	return a, nil
}

func (s *Service) liveActor(id string) (*actor, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	a, t := s.reg.lookup(id, s.now())
	switch {
	case a != nil:
		return a, nil
	case t != nil:
		return nil, terminatedErr()
	}
	return nil, unknownErr(id)
}

// retire is called by an actor once its session has terminated.
func (s *Service) retire(a *actor, info model.SessionInfo) {
	metrics.UpdateTombstones(s.reg.bury(a, info, s.now()))
}

// stateChanged moves one session between the state gauges. Terminated
// sessions are not counted.
func (s *Service) stateChanged(from, to model.State) {
	if g := s.gauge(from); g != nil {
		metrics.UpdateSessions(from.String(), int(g.Add(-1)))
	}
	if g := s.gauge(to); g != nil {
		metrics.UpdateSessions(to.String(), int(g.Add(1)))
	}
}

func (s *Service) gauge(st model.State) *atomic.Int64 {
	switch st {
	case model.StateCalibrating:
		return &s.calibrating
	case model.StateActive:
		return &s.active
	}
	return nil
}

func (s *Service) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			metrics.UpdateTombstones(s.reg.evict(s.now()))
		}
	}
}

// SeenAndRecord atomically checks if an event id was seen and records it if not.
// Returns true if the event was already seen, false if it was newly recorded.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	seen := s.deduper.SeenAndRecord(ctx, id)
	if seen {
		metrics.RecordEventDuplicate()
	}
	return seen
}

// Unrecord removes an event ID from the seen list, allowing it to be retried.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.deduper.Unrecord(ctx, id)
}

// Windows returns the latest closed windows of a session, oldest first.
func (s *Service) Windows(ctx context.Context, id string, limit int) ([]model.FeatureWindow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ws, err := s.store.Windows(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if len(ws) == 0 && !s.known(id) {
		return nil, unknownErr(id)
	}
	return ws, nil
}

// Derived returns the z-scores and CUSUM statistics of a session.
func (s *Service) Derived(ctx context.Context, id string) ([]model.DerivedStatistic, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ds, err := s.store.Derived(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 && !s.known(id) {
		return nil, unknownErr(id)
	}
	return ds, nil
}

// Scores returns the latest fatigue scores of a session, oldest first.
func (s *Service) Scores(ctx context.Context, id string, limit int) ([]model.FatigueScore, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	scores, err := s.store.Scores(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 && !s.known(id) {
		return nil, unknownErr(id)
	}
	return scores, nil
}

// Summary returns the terminal summary of a session. It wraps
// repository.ErrNotFound while the session is still running.
func (s *Service) Summary(ctx context.Context, id string) (model.Summary, error) {
	if err := s.ready(); err != nil {
		return model.Summary{}, err
	}
	sum, err := s.store.Summary(ctx, id)
	if errors.Is(err, repository.ErrNotFound) && !s.known(id) {
		return model.Summary{}, unknownErr(id)
	}
	return sum, err
}

func (s *Service) known(id string) bool {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	a, t := s.reg.lookup(id, s.now())
	return a != nil || t != nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"mailboxSize": s.mailboxSize,
		"maxSessions": s.maxSessions,
		"dedupeSize":  s.dedupeSize,
	}

	if s.started {
		live, tombs := s.reg.counts()
		stats["queueLength"] = s.jobs.Len(context.Background())
		stats["liveSessions"] = live
		stats["calibrating"] = s.calibrating.Load()
		stats["active"] = s.active.Load()
		stats["tombstones"] = tombs
		stats["dedupeEntries"] = s.deduper.Size()
	}

	return stats
}

func terminatedErr() error {
	return &model.RejectionError{Reason: model.RejectTerminated, Kind: model.ErrSessionTerminated}
}

func unknownErr(id string) error {
	return &model.RejectionError{Reason: model.RejectUnknownSession, Detail: id, Kind: model.ErrSessionNotFound}
}

// rejectLabel names err for the rejected events counter.
func rejectLabel(err error) string {
	if r := model.ReasonOf(err); r != "" {
		return r
	}
	switch {
	case errors.Is(err, model.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, model.ErrTooManySessions):
		return "too_many_sessions"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
