// Package breaker provides a small circuit breaker used to fail fast when a
// downstream collaborator keeps failing.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/ocufatigue/pkg/logger"
)

// ErrOpen is returned while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker settings.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithMaxFailures sets the consecutive failures that open the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before a trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker counts consecutive failures. After maxFailures it opens and
// rejects calls until resetTimeout elapses; then one trial call decides
// whether it closes again.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	log          logger.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  defaultMaxFailures,
		resetTimeout: defaultResetTimeout,
		now:          time.Now,
		log:          logger.Get().Named("breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := op(ctx)
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = HalfOpen
		b.trial = true
		b.log.Info(context.Background(), "breaker half-open", logger.String("name", b.name))
		return true
	case HalfOpen:
		// one trial call at a time
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if err == nil {
		if b.state != Closed {
			b.log.Info(context.Background(), "breaker closed", logger.String("name", b.name))
		}
		b.state = Closed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.maxFailures {
		if b.state != Open {
			b.log.Warn(context.Background(), "breaker opened",
				logger.String("name", b.name),
				logger.Int("failures", b.failures),
				logger.Error(err))
		}
		b.state = Open
		b.openedAt = b.now()
	}
}
