// Package publish fans worker output out to every configured sink.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

// Sink receives scores and summaries.
type Sink interface {
	PublishScore(ctx context.Context, s model.FatigueScore) error
	PublishSummary(ctx context.Context, s model.Summary) error
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers every record to all sinks. A failing sink never blocks
// the others.
type Fanout struct {
	sinks  []namedSink
	logger logger.Logger
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{logger: logger.Get().Named("publish")}
}

// Add registers a sink under name. Nil sinks are ignored.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	if s != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// PublishScore implements Sink.
func (f *Fanout) PublishScore(ctx context.Context, s model.FatigueScore) error {
	return f.each(ctx, func(n namedSink) error { return n.sink.PublishScore(ctx, s) })
}

// PublishSummary implements Sink.
func (f *Fanout) PublishSummary(ctx context.Context, s model.Summary) error {
	return f.each(ctx, func(n namedSink) error { return n.sink.PublishSummary(ctx, s) })
}

func (f *Fanout) each(ctx context.Context, fn func(namedSink) error) error {
	var errs []error
	for _, n := range f.sinks {
		if err := fn(n); err != nil {
			metrics.RecordPublishError(n.name)
			f.logger.Warn(ctx, "publish failed", logger.String("sink", n.name), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}
