package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a session.
type State int

// Session states. TERMINATED is absorbing.
const (
	StateCalibrating State = iota
	StateActive
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "CALIBRATING"
	case StateActive:
		return "ACTIVE"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CALIBRATING":
		*s = StateCalibrating
	case "ACTIVE":
		*s = StateActive
	case "TERMINATED":
		*s = StateTerminated
	default:
		return fmt.Errorf("unknown session state %q: %w", string(b), ErrValidation)
	}
	return nil
}

// FeatureBaseline is the frozen calibration statistic for one feature.
// Available is false when calibration did not collect enough windows.
type FeatureBaseline struct {
	Mean      float64 `json:"mean"`
	Variance  float64 `json:"variance"`
	Samples   int     `json:"samples"`
	Available bool    `json:"available"`
}

// Baseline maps each feature to its calibration statistic. It is computed
// once when a session leaves CALIBRATING and is never mutated afterwards.
type Baseline map[Feature]FeatureBaseline

// Lookup returns the baseline of f when it is available.
func (b Baseline) Lookup(f Feature) (FeatureBaseline, bool) {
	fb, ok := b[f]
	if !ok || !fb.Available {
		return FeatureBaseline{}, false
	}
	return fb, true
}

// Partial reports whether any feature lacks a baseline.
func (b Baseline) Partial() bool {
	for _, f := range Features {
		if _, ok := b.Lookup(f); !ok {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to another goroutine.
func (b Baseline) Clone() Baseline {
	if b == nil {
		return nil
	}
	out := make(Baseline, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Reason explains why a session terminated.
type Reason string

// Termination reasons.
const (
	ReasonMaxDuration Reason = "max_duration"
	ReasonEndSignal   Reason = "end_signal"
	ReasonShutdown    Reason = "shutdown"
)

// Summary is emitted exactly once when a session terminates.
type Summary struct {
	SessionID        string        `json:"session_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Reason           Reason        `json:"reason"`
	Calibrated       bool          `json:"calibrated"`
	WindowsClosed    int           `json:"windows_closed"`
	WindowsDiscarded int           `json:"windows_discarded"`
	LastBaseline     Baseline      `json:"last_baseline,omitempty"`
	LastScore        *FatigueScore `json:"last_score,omitempty"`
}

// SessionInfo is a read-only view of a session for queries.
type SessionInfo struct {
	SessionID string        `json:"session_id"`
	StartTime time.Time     `json:"start_time"`
	State     State         `json:"state"`
	Elapsed   time.Duration `json:"-"`
	ElapsedS  float64       `json:"elapsed_s"`
	Watermark time.Time     `json:"watermark,omitempty"`
	Windows   int           `json:"windows_closed"`
	Baseline  Baseline      `json:"baseline,omitempty"`
}
