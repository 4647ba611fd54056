// Package derivative computes per-feature z-scores against the session
// baseline and the running two-sided CUSUM trend statistics.
package derivative

import (
	"math"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Defaults for the CUSUM parameters.
const (
	DefaultSlack     = 0.5
	DefaultThreshold = 4.0
	DefaultEpsilon   = 1e-6
)

// Option configures a Calculator.
type Option func(*Calculator)

// WithSlack sets the CUSUM slack k in standard deviations.
func WithSlack(k float64) Option {
	return func(c *Calculator) {
		if k >= 0 {
			c.k = k
		}
	}
}

// WithThreshold sets the alarm threshold h.
func WithThreshold(h float64) Option {
	return func(c *Calculator) {
		if h > 0 {
			c.h = h
		}
	}
}

// WithEpsilon sets the variance floor.
func WithEpsilon(eps float64) Option {
	return func(c *Calculator) {
		if eps > 0 {
			c.eps = eps
		}
	}
}

// Calculator carries the running CUSUM state of one session. It is owned by
// the session goroutine.
type Calculator struct {
	k, h, eps float64
	pos, neg  map[model.Feature]float64
}

// New creates a Calculator with zeroed CUSUM state.
func New(opts ...Option) *Calculator {
	c := &Calculator{
		k:   DefaultSlack,
		h:   DefaultThreshold,
		eps: DefaultEpsilon,
		pos: make(map[model.Feature]float64, len(model.Features)),
		neg: make(map[model.Feature]float64, len(model.Features)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute returns one statistic per feature that has both a baseline and an
// available value in w. Other features leave their CUSUM untouched. When a
// direction alarms, the observed value is recorded and the running value is
// reset to zero.
func (c *Calculator) Compute(w model.FeatureWindow, b model.Baseline) []model.DerivedStatistic {
	out := make([]model.DerivedStatistic, 0, len(model.Features))
	for _, f := range model.Features {
		fb, ok := b.Lookup(f)
		if !ok {
			continue
		}
		v := w.Get(f)
		if !v.Available {
			continue
		}
		z := (v.Value - fb.Mean) / math.Sqrt(math.Max(fb.Variance, c.eps))
		if math.IsNaN(z) || math.IsInf(z, 0) {
			continue
		}
		pos := math.Max(0, c.pos[f]+z-c.k)
		neg := math.Min(0, c.neg[f]+z+c.k)
		ds := model.DerivedStatistic{
			SessionID:   w.SessionID,
			Feature:     f,
			WindowStart: w.Start,
			ZScore:      z,
			CusumPos:    pos,
			CusumNeg:    neg,
			AlarmPos:    pos >= c.h,
			AlarmNeg:    -neg >= c.h,
		}
		if ds.AlarmPos {
			pos = 0
		}
		if ds.AlarmNeg {
			neg = 0
		}
		c.pos[f], c.neg[f] = pos, neg
		out = append(out, ds)
	}
	return out
}

// Running returns the current running CUSUM values of f.
func (c *Calculator) Running(f model.Feature) (pos, neg float64) {
	return c.pos[f], c.neg[f]
}
