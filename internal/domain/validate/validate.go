// Package validate checks raw ocular events before they are admitted to a
// session pipeline.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Default plausibility limits.
const (
	DefaultMaxFixationMS = 5000.0
	DefaultMinPupilMM    = 1.5
	DefaultMaxPupilMM    = 9.0
)

// Option configures a Validator.
type Option func(*Validator)

// WithMaxFixationMS sets the fixation ceiling in milliseconds.
func WithMaxFixationMS(v float64) Option {
	return func(val *Validator) {
		if v > 0 {
			val.maxFixationMS = v
		}
	}
}

// WithPupilRange sets the inclusive plausible pupil diameter range.
func WithPupilRange(minMM, maxMM float64) Option {
	return func(val *Validator) {
		if minMM > 0 && maxMM > minMM {
			val.minPupilMM = minMM
			val.maxPupilMM = maxMM
		}
	}
}

// Validator is stateless; the watermark is owned by the session.
type Validator struct {
	maxFixationMS float64
	minPupilMM    float64
	maxPupilMM    float64
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		maxFixationMS: DefaultMaxFixationMS,
		minPupilMM:    DefaultMinPupilMM,
		maxPupilMM:    DefaultMaxPupilMM,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns a rejection wrapping model.ErrValidation when ev may not
// be admitted behind watermark. Events equal to the watermark are accepted.
func (v *Validator) Validate(ev model.Event, watermark time.Time) error {
	if ev.SessionID == "" {
		return model.Reject(model.RejectEmptySession, "")
	}
	if ev.Timestamp.IsZero() {
		return model.Reject(model.RejectZeroTimestamp, "")
	}
	if !watermark.IsZero() && ev.Timestamp.Before(watermark) {
		return model.Reject(model.RejectOutOfOrder,
			fmt.Sprintf("timestamp %s before watermark %s", ev.Timestamp.Format(time.RFC3339Nano), watermark.Format(time.RFC3339Nano)))
	}
	if ev.FixationMS != nil {
		f := *ev.FixationMS
		if !finite(f) {
			return model.Reject(model.RejectNonFinite, "fixation_duration_ms")
		}
		if f <= 0 || f > v.maxFixationMS {
			return model.Reject(model.RejectFixationRange, fmt.Sprintf("%g ms", f))
		}
	}
	if ev.PupilMM != nil {
		p := *ev.PupilMM
		if !finite(p) {
			return model.Reject(model.RejectNonFinite, "pupil_diameter_mm")
		}
		if p < v.minPupilMM || p > v.maxPupilMM {
			return model.Reject(model.RejectPupilRange, fmt.Sprintf("%g mm", p))
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
