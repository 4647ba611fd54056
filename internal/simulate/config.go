// Package simulate drives synthetic eye-tracker traffic against a running
// server.
package simulate

import (
	"errors"
	"time"
)

// Defaults for a simulation run.
const (
	DefaultBaseURL  = "http://localhost:9080"
	DefaultSessions = 4
	DefaultLength   = 5 * time.Minute
	DefaultInterval = 250 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config holds configuration for one simulation run.
type Config struct {
	BaseURL  string        // Base URL of the service
	Sessions int           // Number of concurrent sessions
	Length   time.Duration // How long each session streams before it is ended
	Timeout  time.Duration // HTTP request timeout
	Seed     int64         // Seed of the per-session signal generators
	Profile  Profile       // Shape of the synthetic signal
	Verbose  bool          // Log every rejected event
}

// DefaultConfig returns a Config with every field set.
func DefaultConfig() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		Sessions: DefaultSessions,
		Length:   DefaultLength,
		Timeout:  DefaultTimeout,
		Seed:     1,
		Profile:  DefaultProfile(),
	}
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.Join(ErrInvalidConfig, errors.New("base url is empty"))
	case c.Sessions < 1:
		return errors.Join(ErrInvalidConfig, errors.New("sessions must be positive"))
	case c.Length <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("length must be positive"))
	case c.Profile.Interval <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("interval must be positive"))
	}
	return nil
}

// Stats holds run statistics.
type Stats struct {
	SessionsStarted int
	EventsSent      int
	EventsAccepted  int
	EventsRejected  int
	EventsFailed    int
	Summaries       int
	Rejections      map[string]int // by response code
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

func (s *Stats) add(o sessionStats) {
	s.EventsSent += o.sent
	s.EventsAccepted += o.accepted
	s.EventsRejected += o.rejected
	s.EventsFailed += o.failed
	if o.summary {
		s.Summaries++
	}
	for code, n := range o.codes {
		if s.Rejections == nil {
			s.Rejections = make(map[string]int)
		}
		s.Rejections[code] += n
	}
}

type sessionStats struct {
	sent, accepted, rejected, failed int
	summary                          bool
	codes                            map[string]int
}
