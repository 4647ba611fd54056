// Package model contains domain models passed between layers.
package model

import (
	"time"
)

// Event is one ocular telemetry sample delivered for a session. Optional
// numeric fields are nil when the sensor did not measure them for this event.
type Event struct {
	EventID    string    // optional delivery id used for dedupe
	SessionID  string    // owning session
	Timestamp  time.Time // sensor timestamp
	Blink      bool      // a blink was detected
	FixationMS *float64  // fixation duration in milliseconds
	PupilMM    *float64  // pupil diameter in millimetres
}

// HasFixation reports whether the event carries a fixation sample.
func (e Event) HasFixation() bool { return e.FixationMS != nil }

// HasPupil reports whether the event carries a pupil sample.
func (e Event) HasPupil() bool { return e.PupilMM != nil }

// Float returns a pointer to v, convenient for building events.
func Float(v float64) *float64 { return &v }
