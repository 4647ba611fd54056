// Package session implements the per-session pipeline: validation, window
// aggregation, calibration, derivative statistics and the governor that caps
// the session duration. A Pipeline is a plain state machine driven with
// explicit instants; it is owned by exactly one goroutine.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/okian/ocufatigue/internal/domain/calibration"
	"github.com/okian/ocufatigue/internal/domain/derivative"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/validate"
	"github.com/okian/ocufatigue/internal/domain/window"
)

// Default pipeline parameters.
const (
	DefaultWindow                = 60 * time.Second
	DefaultCalibration           = 5 * time.Minute
	DefaultMinCalibrationWindows = 3
	DefaultMaxDuration           = 2 * time.Hour
)

// ErrInvalidConfig is returned for unusable pipeline parameters.
var ErrInvalidConfig = errors.New("invalid session config")

// Config holds the pipeline parameters shared by all sessions.
type Config struct {
	Window                time.Duration
	Calibration           time.Duration
	MinCalibrationWindows int
	MaxDuration           time.Duration
	CusumSlack            float64
	CusumThreshold        float64
	VarianceEpsilon       float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:                DefaultWindow,
		Calibration:           DefaultCalibration,
		MinCalibrationWindows: DefaultMinCalibrationWindows,
		MaxDuration:           DefaultMaxDuration,
		CusumSlack:            derivative.DefaultSlack,
		CusumThreshold:        derivative.DefaultThreshold,
		VarianceEpsilon:       derivative.DefaultEpsilon,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return fmt.Errorf("window must be positive: %w", ErrInvalidConfig)
	case c.Calibration <= 0:
		return fmt.Errorf("calibration must be positive: %w", ErrInvalidConfig)
	case c.MaxDuration <= 0:
		return fmt.Errorf("max duration must be positive: %w", ErrInvalidConfig)
	case c.MinCalibrationWindows < calibration.MinWindowsFloor:
		return fmt.Errorf("min calibration windows must be at least %d: %w", calibration.MinWindowsFloor, ErrInvalidConfig)
	case c.CusumSlack < 0:
		return fmt.Errorf("cusum slack must not be negative: %w", ErrInvalidConfig)
	case c.CusumThreshold <= 0:
		return fmt.Errorf("cusum threshold must be positive: %w", ErrInvalidConfig)
	}
	return nil
}

// Closed is one window emitted by the pipeline together with the immutable
// data the downstream worker needs. Phase is CALIBRATING for calibration
// windows, which are persisted but not scored.
type Closed struct {
	Window          model.FeatureWindow
	Phase           model.State
	Stats           []model.DerivedStatistic
	Elapsed         time.Duration
	BaselinePartial bool
}

// Output collects what a pipeline step produced.
type Output struct {
	Windows        []Closed
	Calibrated     bool
	Baseline       model.Baseline
	CalibrationErr error
	Summary        *model.Summary
}

func (o *Output) merge(other Output) {
	o.Windows = append(o.Windows, other.Windows...)
	if other.Calibrated {
		o.Calibrated = true
		o.Baseline = other.Baseline
		o.CalibrationErr = other.CalibrationErr
	}
	if other.Summary != nil {
		o.Summary = other.Summary
	}
}

// Pipeline is the owned state of one session.
type Pipeline struct {
	id        string
	start     time.Time
	cfg       Config
	validator *validate.Validator
	state     model.State
	watermark time.Time

	agg      *window.Aggregator
	cal      *calibration.Manager
	deriv    *derivative.Calculator
	baseline model.Baseline

	closed    int
	discarded int
	endedAt   time.Time
}

// New creates a CALIBRATING pipeline whose windows align to start.
func New(id string, start time.Time, cfg Config, v *validate.Validator) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	agg, err := window.NewAggregator(id, start, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if v == nil {
		v = validate.New()
	}
	return &Pipeline{
		id:        id,
		start:     start,
		cfg:       cfg,
		validator: v,
		state:     model.StateCalibrating,
		agg:       agg,
		cal:       calibration.NewManager(start, cfg.Calibration, cfg.MinCalibrationWindows),
		deriv: derivative.New(
			derivative.WithSlack(cfg.CusumSlack),
			derivative.WithThreshold(cfg.CusumThreshold),
			derivative.WithEpsilon(cfg.VarianceEpsilon),
		),
	}, nil
}

// ID returns the session id.
func (p *Pipeline) ID() string { return p.id }

// State returns the lifecycle state.
func (p *Pipeline) State() model.State { return p.state }

// Start returns the session start.
func (p *Pipeline) Start() time.Time { return p.start }

// CapAt is the instant the maximum duration is reached.
func (p *Pipeline) CapAt() time.Time { return p.start.Add(p.cfg.MaxDuration) }

// NextDeadline is the next instant Tick has work to do: the end of the oldest
// open window or the duration cap, whichever is first. It is zero once the
// session has terminated.
func (p *Pipeline) NextDeadline() time.Time {
	if p.state == model.StateTerminated {
		return time.Time{}
	}
	next := p.agg.NextEnd()
	if capAt := p.CapAt(); capAt.Before(next) {
		return capAt
	}
	return next
}

// Admit validates ev and adds it to its window. Windows due at now are
// closed first so admission and closing never interleave.
func (p *Pipeline) Admit(ev model.Event, now time.Time) (Output, error) {
	out := p.Tick(now)
	if p.state == model.StateTerminated {
		return out, &model.RejectionError{Reason: model.RejectTerminated, Kind: model.ErrSessionTerminated}
	}
	if err := p.validator.Validate(ev, p.watermark); err != nil {
		return out, err
	}
	if err := p.agg.Add(ev); err != nil {
		return out, err
	}
	p.watermark = ev.Timestamp
	return out, nil
}

// Tick closes every window whose end is at or before now. When now reaches
// the duration cap, only windows ending by the cap are closed, the open
// window is discarded and the session terminates.
func (p *Pipeline) Tick(now time.Time) Output {
	var out Output
	if p.state == model.StateTerminated {
		return out
	}
	capAt := p.CapAt()
	if !now.Before(capAt) {
		out.merge(p.closeUntil(capAt))
		out.merge(p.terminate(model.ReasonMaxDuration, capAt))
		return out
	}
	return p.closeUntil(now)
}

// End terminates the session for reason. Windows already complete at now are
// closed; the open window is discarded. Ending a terminated session is a
// no-op.
func (p *Pipeline) End(reason model.Reason, now time.Time) Output {
	out := p.Tick(now)
	if p.state == model.StateTerminated {
		return out
	}
	out.merge(p.terminate(reason, now))
	return out
}

// Info returns a read-only view at now.
func (p *Pipeline) Info(now time.Time) model.SessionInfo {
	end := now
	if p.state == model.StateTerminated {
		end = p.endedAt
	}
	elapsed := end.Sub(p.start)
	if elapsed < 0 {
		elapsed = 0
	}
	return model.SessionInfo{
		SessionID: p.id,
		StartTime: p.start,
		State:     p.state,
		Elapsed:   elapsed,
		ElapsedS:  elapsed.Seconds(),
		Watermark: p.watermark,
		Windows:   p.closed,
		Baseline:  p.baseline.Clone(),
	}
}

func (p *Pipeline) closeUntil(t time.Time) Output {
	var out Output
	for _, w := range p.agg.CloseUntil(t) {
		p.closed++
		if p.state == model.StateCalibrating {
			out.Windows = append(out.Windows, Closed{Window: w, Phase: model.StateCalibrating, Elapsed: w.End.Sub(p.start)})
			b, done, err := p.cal.Observe(w)
			if done {
				p.baseline = b
				p.state = model.StateActive
				p.cal = nil
				out.Calibrated = true
				out.Baseline = b.Clone()
				out.CalibrationErr = err
			}
			continue
		}
		out.Windows = append(out.Windows, Closed{
			Window:          w,
			Phase:           model.StateActive,
			Stats:           p.deriv.Compute(w, p.baseline),
			Elapsed:         w.End.Sub(p.start),
			BaselinePartial: p.baseline.Partial(),
		})
	}
	return out
}

func (p *Pipeline) terminate(reason model.Reason, at time.Time) Output {
	p.discarded = p.agg.Discard()
	p.state = model.StateTerminated
	p.endedAt = at
	p.cal = nil
	p.deriv = nil
	return Output{Summary: &model.Summary{
		SessionID:        p.id,
		StartTime:        p.start,
		EndTime:          at,
		Reason:           reason,
		Calibrated:       p.baseline != nil,
		WindowsClosed:    p.closed,
		WindowsDiscarded: p.discarded,
		LastBaseline:     p.baseline.Clone(),
	}}
}
