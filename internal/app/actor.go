package service

import (
	"context"
	"errors"
	"time"

	"github.com/okian/ocufatigue/internal/adapters/mq/queue"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/session"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

type requestKind int

const (
	reqAdmit requestKind = iota
	reqEnd
	reqInfo
)

type request struct {
	kind   requestKind
	event  model.Event
	reason model.Reason
	reply  chan response
}

type response struct {
	info model.SessionInfo
	err  error
}

// actor owns one session pipeline. Every mutation of the pipeline happens
// on the actor goroutine: admissions, window ticks and termination.
//
// The pipeline runs on the sensor clock. offset is sensor time minus server
// time, fixed when the session is created, so windows close on the server
// clock even when the sensor clock is skewed.
type actor struct {
	id       string
	offset   time.Duration
	pipeline *session.Pipeline
	state    model.State
	mailbox  chan request
	stop     chan struct{}
	done     chan struct{}
	svc      *Service
	logger   logger.Logger
}

func newActor(svc *Service, p *session.Pipeline, offset time.Duration) *actor {
	return &actor{
		id:       p.ID(),
		offset:   offset,
		pipeline: p,
		state:    p.State(),
		mailbox:  make(chan request, svc.mailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		svc:      svc,
		logger:   svc.logger.With(logger.String("session_id", p.ID())),
	}
}

// now is the server clock translated to the session's sensor clock.
func (a *actor) now() time.Time { return a.svc.now().Add(a.offset) }

func (a *actor) run() {
	defer close(a.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	a.arm(timer)

	for {
		select {
		case <-a.stop:
			a.emit(a.pipeline.End(model.ReasonShutdown, a.now()))
		case req := <-a.mailbox:
			a.handle(req)
		case <-timer.C:
			a.emit(a.pipeline.Tick(a.now()))
		}
		if st := a.pipeline.State(); st != a.state {
			a.svc.stateChanged(a.state, st)
			a.state = st
		}
		if a.state == model.StateTerminated {
			a.retire()
			return
		}
		a.arm(timer)
	}
}

// arm resets timer to fire at the pipeline's next deadline.
func (a *actor) arm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := a.pipeline.NextDeadline().Sub(a.now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (a *actor) handle(req request) {
	now := a.now()
	var res response
	switch req.kind {
	case reqAdmit:
		out, err := a.pipeline.Admit(req.event, now)
		a.emit(out)
		res.err = err
	case reqEnd:
		a.emit(a.pipeline.End(req.reason, now))
	case reqInfo:
		a.emit(a.pipeline.Tick(now))
	}
	res.info = a.pipeline.Info(now)
	req.reply <- res
}

// retire moves the session to the tombstones and answers whatever is still
// queued in the mailbox.
func (a *actor) retire() {
	info := a.pipeline.Info(a.now())
	a.svc.retire(a, info)
	for {
		select {
		case req := <-a.mailbox:
			res := response{info: info}
			if req.kind == reqAdmit {
				res.err = terminatedErr()
			}
			req.reply <- res
		default:
			return
		}
	}
}

// emit hands closed windows and the summary to the worker queue without
// blocking the session.
func (a *actor) emit(out session.Output) {
	ctx := context.Background()
	for _, c := range out.Windows {
		a.enqueue(ctx, queue.WindowJob(c))
	}
	if out.Calibrated {
		metrics.RecordCalibrationCompleted()
		for _, f := range model.Features {
			if _, ok := out.Baseline.Lookup(f); !ok {
				metrics.RecordBaselineUnavailable(string(f))
			}
		}
		if out.CalibrationErr != nil {
			a.logger.Warn(ctx, "calibration incomplete, features excluded", logger.Error(out.CalibrationErr))
		} else {
			a.logger.Info(ctx, "calibration complete")
		}
	}
	if s := out.Summary; s != nil {
		metrics.RecordSessionTerminated(string(s.Reason))
		metrics.RecordWindowsDiscarded(s.WindowsDiscarded)
		a.logger.Info(ctx, "session terminated",
			logger.String("reason", string(s.Reason)),
			logger.Int("windows_closed", s.WindowsClosed),
			logger.Int("windows_discarded", s.WindowsDiscarded),
		)
		a.enqueue(ctx, queue.SummaryJob(s))
	}
}

func (a *actor) enqueue(ctx context.Context, j queue.Job) {
	if err := a.svc.jobs.Enqueue(ctx, j); err != nil {
		a.logger.Error(ctx, "dropping job",
			logger.String("kind", j.Kind.String()),
			logger.Error(err),
		)
	}
}

// send delivers req and waits for the reply. Admissions fail fast with
// ErrBackpressure when the mailbox is full.
func (a *actor) send(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	if req.kind == reqAdmit {
		select {
		case a.mailbox <- req:
		case <-a.done:
			return response{}, errActorDone
		default:
			return response{}, model.ErrBackpressure
		}
	} else {
		select {
		case a.mailbox <- req:
		case <-a.done:
			return response{}, errActorDone
		case <-ctx.Done():
			return response{}, ctx.Err()
		}
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-a.done:
		// the actor replies before it exits
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return response{}, errActorDone
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

var errActorDone = errors.New("session actor exited")
