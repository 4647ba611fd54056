// Package replay feeds a recorded event stream through the pipeline
// offline, with the session clock following event time.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/okian/ocufatigue/internal/adapters/mq/worker"
	service "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
)

const (
	maxLineBytes  = 1 << 20
	retryInterval = time.Millisecond
	stopTimeout   = time.Minute
)

// Clock follows the newest event timestamp and never moves backwards.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the newest timestamp seen.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock to t when t is later.
func (c *Clock) Advance(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// Options configures Run.
type Options struct {
	// PixelsPerMM converts pupil_area_px samples, as on the server.
	PixelsPerMM float64
	// Service options applied before the clock and sink options.
	Service []service.Option
}

// Result counts what happened to every input line.
type Result struct {
	Lines      int
	Accepted   int
	Rejected   int
	Rejections map[string]int
	Sessions   []string
}

// Run ingests every JSON line of in, in order, ends every session it saw
// and drains the pipeline. Scores and summaries go to sink. Input is
// expected in timestamp order; a line behind the clock is handled as the
// server would handle a late delivery.
func Run(ctx context.Context, in io.Reader, sink worker.Publisher, opts Options) (*Result, error) {
	clk := &Clock{}
	svcOpts := append([]service.Option{}, opts.Service...)
	svcOpts = append(svcOpts,
		service.WithClock(clk.Now),
		service.WithPublisher(sink),
		service.WithAutoStart(true),
		service.WithPixelsPerMM(opts.PixelsPerMM),
	)
	svc := service.New(svcOpts...)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	log := logger.Get().Named("replay")

	res := &Result{Rejections: make(map[string]int)}
	seen := make(map[string]bool)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		res.Lines++
		ev, err := model.DecodeEvent(line, opts.PixelsPerMM)
		if err == nil {
			clk.Advance(ev.Timestamp)
			err = ingest(ctx, svc, ev)
		}
		if err != nil {
			res.Rejected++
			res.Rejections[label(err)]++
			log.Debug(ctx, "line rejected", logger.Int("line", res.Lines), logger.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res.Accepted++
		if !seen[ev.SessionID] {
			seen[ev.SessionID] = true
			res.Sessions = append(res.Sessions, ev.SessionID)
		}
	}
	scanErr := sc.Err()

	for _, id := range res.Sessions {
		if _, err := svc.EndSession(ctx, id); err != nil {
			log.Warn(ctx, "end session failed", logger.String("session_id", id), logger.Error(err))
		}
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopErr := svc.Stop(stopCtx)

	if scanErr != nil {
		return res, fmt.Errorf("read events: %w", scanErr)
	}
	return res, stopErr
}

// ingest retries backpressure; replay never drops an admissible event.
func ingest(ctx context.Context, svc *service.Service, ev model.Event) error {
	for {
		err := svc.Ingest(ctx, ev)
		if !errors.Is(err, model.ErrBackpressure) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func label(err error) string {
	if r := model.ReasonOf(err); r != "" {
		return r
	}
	if errors.Is(err, model.ErrSessionTerminated) {
		return model.RejectTerminated
	}
	return "other"
}
