package simulate

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Profile shapes the synthetic signal. Before FatigueOnset the signal is
// stationary around the rested values; after it, each feature drifts
// linearly and reaches Drift times its rested value one FatigueRamp later.
type Profile struct {
	Interval     time.Duration // time between samples
	BlinkPerMin  float64       // rested blink rate
	FixationMS   float64       // rested mean fixation duration
	PupilMM      float64       // rested pupil diameter
	Noise        float64       // relative standard deviation of every sample
	FatigueOnset time.Duration // elapsed time at which the drift starts
	FatigueRamp  time.Duration // time to reach the full drift
	Drift        float64       // relative change at full drift, e.g. 0.5
}

// DefaultProfile is a rested subject that tires after two minutes.
func DefaultProfile() Profile {
	return Profile{
		Interval:     DefaultInterval,
		BlinkPerMin:  15,
		FixationMS:   250,
		PupilMM:      4.0,
		Noise:        0.08,
		FatigueOnset: 2 * time.Minute,
		FatigueRamp:  3 * time.Minute,
		Drift:        0.5,
	}
}

// Signal generates the samples of one session.
type Signal struct {
	sessionID string
	start     time.Time
	profile   Profile
	rng       *rand.Rand
}

// NewSignal creates a generator for sessionID starting at start. The same
// seed always yields the same sample sequence.
func NewSignal(sessionID string, start time.Time, p Profile, seed int64) *Signal {
	return &Signal{
		sessionID: sessionID,
		start:     start,
		profile:   p,
		rng:       rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible traffic
	}
}

// fatigue is the drift factor at elapsed, in [0, 1].
func (s *Signal) fatigue(elapsed time.Duration) float64 {
	p := s.profile
	if elapsed <= p.FatigueOnset {
		return 0
	}
	if p.FatigueRamp <= 0 {
		return 1
	}
	return math.Min(1, float64(elapsed-p.FatigueOnset)/float64(p.FatigueRamp))
}

// Sample returns the event observed at ts. Blink frames carry no pupil or
// fixation sample. Tiredness raises the blink rate and fixation duration
// and constricts the pupil.
func (s *Signal) Sample(ts time.Time) model.Event {
	p := s.profile
	d := p.Drift * s.fatigue(ts.Sub(s.start))

	ev := model.Event{
		EventID:   uuid.NewString(),
		SessionID: s.sessionID,
		Timestamp: ts.UTC(),
	}
	blinkRate := p.BlinkPerMin * (1 + d) / 60
	if s.rng.Float64() < blinkRate*p.Interval.Seconds() {
		ev.Blink = true
		return ev
	}
	fix := p.FixationMS * (1 + d) * (1 + p.Noise*s.rng.NormFloat64())
	ev.FixationMS = model.Float(math.Max(1, fix))
	pupil := p.PupilMM * (1 - d/3) * (1 + p.Noise/2*s.rng.NormFloat64())
	ev.PupilMM = model.Float(math.Max(1.6, math.Min(8.9, pupil)))
	return ev
}

// Series returns every sample of a session of the given length.
func (s *Signal) Series(length time.Duration) []model.Event {
	n := int(length / s.profile.Interval)
	out := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.Sample(s.start.Add(time.Duration(i)*s.profile.Interval)))
	}
	return out
}
