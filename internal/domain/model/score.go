package model

import (
	"encoding/json"
	"sort"
	"time"
)

// DerivedStatistic is the z-score and CUSUM state of one feature in one
// window. CusumPos and CusumNeg are the values observed for the window; when
// an alarm fires the running value is reset after being recorded here.
type DerivedStatistic struct {
	SessionID   string    `json:"session_id"`
	Feature     Feature   `json:"feature"`
	WindowStart time.Time `json:"window_start"`
	ZScore      float64   `json:"z_score"`
	CusumPos    float64   `json:"cusum_pos"`
	CusumNeg    float64   `json:"cusum_neg"`
	AlarmPos    bool      `json:"alarm_pos"`
	AlarmNeg    bool      `json:"alarm_neg"`
}

// Alarm reports whether either CUSUM direction alarmed.
func (d DerivedStatistic) Alarm() bool { return d.AlarmPos || d.AlarmNeg }

// Flag annotates a fatigue score.
type Flag string

// Score flags.
const (
	FlagPartialInput    Flag = "partial_input"
	FlagTrendAlarm      Flag = "trend_alarm"
	FlagScoringFailed   Flag = "scoring_failed"
	FlagBaselinePartial Flag = "baseline_partial"
)

// Flags is a small sorted set of flags.
type Flags []Flag

// Add inserts f keeping the set sorted and unique.
func (fs Flags) Add(f Flag) Flags {
	if fs.Has(f) {
		return fs
	}
	fs = append(fs, f)
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	return fs
}

// Has reports whether f is in the set.
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// FatigueScore is the scorer output for one window of an ACTIVE session.
// Score is meaningful only when Scored is true; otherwise the window carries
// FlagScoringFailed and the score is omitted.
type FatigueScore struct {
	SessionID   string
	WindowStart time.Time
	WindowEnd   time.Time
	Score       float64
	Anomaly     float64
	Scored      bool
	Flags       Flags
	Model       string
	Elapsed     time.Duration
}

type fatigueScoreJSON struct {
	SessionID   string    `json:"session_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Score       *float64  `json:"score"`
	Anomaly     *float64  `json:"anomaly,omitempty"`
	Flags       Flags     `json:"flags"`
	Model       string    `json:"model,omitempty"`
	ElapsedS    float64   `json:"elapsed_s"`
}

// MarshalJSON renders an omitted score as null.
func (s FatigueScore) MarshalJSON() ([]byte, error) {
	out := fatigueScoreJSON{
		SessionID:   s.SessionID,
		WindowStart: s.WindowStart,
		WindowEnd:   s.WindowEnd,
		Flags:       s.Flags,
		Model:       s.Model,
		ElapsedS:    s.Elapsed.Seconds(),
	}
	if out.Flags == nil {
		out.Flags = Flags{}
	}
	if s.Scored {
		score, anomaly := s.Score, s.Anomaly
		out.Score = &score
		out.Anomaly = &anomaly
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *FatigueScore) UnmarshalJSON(data []byte) error {
	var in fatigueScoreJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = FatigueScore{
		SessionID:   in.SessionID,
		WindowStart: in.WindowStart,
		WindowEnd:   in.WindowEnd,
		Flags:       in.Flags,
		Model:       in.Model,
		Elapsed:     time.Duration(in.ElapsedS * float64(time.Second)),
	}
	if in.Score != nil {
		s.Score = *in.Score
		s.Scored = true
	}
	if in.Anomaly != nil {
		s.Anomaly = *in.Anomaly
	}
	return nil
}
