// Package scoring turns a closed window and its derived statistics into a
// bounded fatigue score using a swappable anomaly model.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/breaker"
)

// Default scoring configuration constants.
const (
	defaultTimeout = 2 * time.Second
	maxScoreValue  = 100
)

// Model is the anomaly scoring contract. Score returns an anomaly degree
// where higher means more anomalous; Rescale is a fixed monotonic map of
// that degree onto [0,100].
type Model interface {
	Name() string
	Score(ctx context.Context, v Vector) (float64, error)
	Rescale(anomaly float64) float64
}

// Input is the immutable snapshot of one window handed to the scorer.
type Input struct {
	Window          model.FeatureWindow
	Stats           []model.DerivedStatistic
	Elapsed         time.Duration
	BaselinePartial bool
}

// Scorer computes a fatigue score for a window. It always returns a score
// record; when the model is unavailable the record carries
// FlagScoringFailed and the error wraps model.ErrScoringUnavailable.
type Scorer interface {
	Score(ctx context.Context, in Input) (model.FatigueScore, error)
}

// Option applies a configuration option to the ModelScorer.
type Option func(*ModelScorer)

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(s *ModelScorer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithBreaker guards model calls with a circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *ModelScorer) {
		s.breaker = b
	}
}

// ModelScorer implements Scorer over a Model.
type ModelScorer struct {
	model   Model
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewModelScorer creates a scorer for m.
func NewModelScorer(m Model, opts ...Option) *ModelScorer {
	s := &ModelScorer{
		model:   m,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelName returns the reference of the wrapped model.
func (s *ModelScorer) ModelName() string { return s.model.Name() }

// Score assembles the feature vector of in and scores it.
func (s *ModelScorer) Score(ctx context.Context, in Input) (model.FatigueScore, error) {
	w := in.Window
	out := model.FatigueScore{
		SessionID:   w.SessionID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Model:       s.model.Name(),
		Elapsed:     in.Elapsed,
	}
	if len(w.Missing()) > 0 {
		out.Flags = out.Flags.Add(model.FlagPartialInput)
	}
	if in.BaselinePartial {
		out.Flags = out.Flags.Add(model.FlagBaselinePartial)
	}
	for _, ds := range in.Stats {
		if ds.Alarm() {
			out.Flags = out.Flags.Add(model.FlagTrendAlarm)
			break
		}
	}

	vec := Assemble(w, in.Stats, in.Elapsed)
	anomaly, err := s.invoke(ctx, vec)
	if err == nil && (math.IsNaN(anomaly) || math.IsInf(anomaly, 0)) {
		err = ErrNonFiniteAnomaly
	}
	var score float64
	if err == nil {
		score = s.model.Rescale(anomaly)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			err = ErrNonFiniteAnomaly
		}
	}
	if err != nil {
		out.Flags = out.Flags.Add(model.FlagScoringFailed)
		return out, fmt.Errorf("%w: %w", model.ErrScoringUnavailable, err)
	}
	out.Anomaly = anomaly
	out.Score = math.Max(0, math.Min(maxScoreValue, score))
	out.Scored = true
	return out, nil
}

func (s *ModelScorer) invoke(ctx context.Context, vec Vector) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var anomaly float64
	call := func(ctx context.Context) error {
		type result struct {
			v   float64
			err error
		}
		ch := make(chan result, 1)
		go func() {
			v, err := s.model.Score(ctx, vec)
			ch <- result{v, err}
		}()
		select {
		case <-ctx.Done():
			return fmt.Errorf("model %s: %w", s.model.Name(), ctx.Err())
		case r := <-ch:
			anomaly = r.v
			return r.err
		}
	}
	if s.breaker == nil {
		return anomaly, call(ctx)
	}
	err := s.breaker.Execute(ctx, call)
	return anomaly, err
}

// FailureCause classifies a scoring error for metrics.
func FailureCause(err error) string {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrNonFiniteAnomaly):
		return "non_finite"
	default:
		return "model_error"
	}
}
