package simulate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/ocufatigue/pkg/logger"
)

const (
	summaryPoll     = 200 * time.Millisecond
	summaryAttempts = 25
)

// Run executes one simulation: every session streams samples in real time
// for cfg.Length, is ended, and its summary is fetched.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("simulate")

	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("sessions", cfg.Sessions),
		logger.Duration("length", cfg.Length),
		logger.Duration("interval", cfg.Profile.Interval),
	)

	c := newClient(cfg.BaseURL, cfg.Timeout)
	if err := c.health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < cfg.Sessions; i++ {
		id := uuid.NewString()
		sig := NewSignal(id, time.Now(), cfg.Profile, cfg.Seed+int64(i))
		stats.SessionsStarted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := runSession(ctx, c, sig, cfg, log.With(logger.String("session_id", id)))
			mu.Lock()
			stats.add(st)
			mu.Unlock()
		}()
	}
	wg.Wait()

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	logStats(ctx, log, stats)
	return stats, ctx.Err()
}

// runSession streams one session. Samples are stamped with the wall clock
// at send time so the server closes windows as the stream advances.
func runSession(ctx context.Context, c *client, sig *Signal, cfg Config, log logger.Logger) sessionStats {
	st := sessionStats{codes: make(map[string]int)}
	ticker := time.NewTicker(cfg.Profile.Interval)
	defer ticker.Stop()
	deadline := sig.start.Add(cfg.Length)

stream:
	for {
		select {
		case <-ctx.Done():
			return st
		case now := <-ticker.C:
			if !now.Before(deadline) {
				break stream
			}
			ev := sig.Sample(now)
			st.sent++
			switch res, code := c.postEvent(ctx, ev); res {
			case outcomeAccepted:
				st.accepted++
			case outcomeRejected:
				st.rejected++
				st.codes[code]++
				if cfg.Verbose {
					log.Debug(ctx, "event rejected", logger.String("code", code))
				}
			default:
				st.failed++
			}
		}
	}

	if err := c.endSession(ctx, sig.sessionID); err != nil {
		log.Warn(ctx, "end session failed", logger.Error(err))
		return st
	}
	for attempt := 0; attempt < summaryAttempts; attempt++ {
		sum, ok, err := c.summary(ctx, sig.sessionID)
		if err != nil {
			log.Warn(ctx, "summary fetch failed", logger.Error(err))
			return st
		}
		if ok {
			st.summary = true
			log.Info(ctx, "session summary",
				logger.String("reason", string(sum.Reason)),
				logger.Bool("calibrated", sum.Calibrated),
				logger.Int("windowsClosed", sum.WindowsClosed),
				logger.Int("windowsDiscarded", sum.WindowsDiscarded),
			)
			return st
		}
		select {
		case <-ctx.Done():
			return st
		case <-time.After(summaryPoll):
		}
	}
	log.Warn(ctx, "summary not available")
	return st
}

func logStats(ctx context.Context, log logger.Logger, s *Stats) {
	var acceptRate, eventsPerSecond float64
	if s.EventsSent > 0 {
		acceptRate = float64(s.EventsAccepted) / float64(s.EventsSent) * 100
	}
	if s.Duration > 0 {
		eventsPerSecond = float64(s.EventsSent) / s.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("sessions", s.SessionsStarted),
		logger.Int("eventsSent", s.EventsSent),
		logger.Int("eventsAccepted", s.EventsAccepted),
		logger.Int("eventsRejected", s.EventsRejected),
		logger.Int("eventsFailed", s.EventsFailed),
		logger.Int("summaries", s.Summaries),
		logger.Any("rejections", s.Rejections),
		logger.Duration("duration", s.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("eventsPerSecond", eventsPerSecond),
	)
}
