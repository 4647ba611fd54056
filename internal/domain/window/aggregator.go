// Package window buckets admitted events into fixed-duration windows aligned
// to the session start and extracts raw features when a window closes.
package window

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// ErrInvalidWidth is returned for non-positive window durations.
var ErrInvalidWidth = errors.New("window duration must be positive")

// bucket accumulates one open window. Pupil statistics use Welford updates so
// no events are retained.
type bucket struct {
	events  int
	blinks  int
	fixN    int
	fixSum  float64
	pupilN  int
	pupilMu float64
	pupilM2 float64
}

func (b *bucket) add(ev model.Event) {
	b.events++
	if ev.Blink {
		b.blinks++
	}
	if ev.FixationMS != nil {
		b.fixN++
		b.fixSum += *ev.FixationMS
	}
	if ev.PupilMM != nil {
		b.pupilN++
		d := *ev.PupilMM - b.pupilMu
		b.pupilMu += d / float64(b.pupilN)
		b.pupilM2 += d * (*ev.PupilMM - b.pupilMu)
	}
}

// Aggregator is owned by a single session goroutine and is not safe for
// concurrent use.
type Aggregator struct {
	sessionID string
	start     time.Time
	width     time.Duration
	next      int // index of the oldest window not yet closed
	open      map[int]*bucket
}

// NewAggregator creates an aggregator whose window i spans
// [start+i*width, start+(i+1)*width).
func NewAggregator(sessionID string, start time.Time, width time.Duration) (*Aggregator, error) {
	if width <= 0 {
		return nil, ErrInvalidWidth
	}
	return &Aggregator{
		sessionID: sessionID,
		start:     start,
		width:     width,
		open:      make(map[int]*bucket),
	}, nil
}

// Index returns the window index containing ts, or -1 when ts precedes the
// session start.
func (a *Aggregator) Index(ts time.Time) int {
	if ts.Before(a.start) {
		return -1
	}
	return int(ts.Sub(a.start) / a.width)
}

// Bounds returns the start and end of window i.
func (a *Aggregator) Bounds(i int) (time.Time, time.Time) {
	s := a.start.Add(time.Duration(i) * a.width)
	return s, s.Add(a.width)
}

// NextEnd is the end of the oldest open window, i.e. the next tick deadline.
func (a *Aggregator) NextEnd() time.Time {
	_, end := a.Bounds(a.next)
	return end
}

// Closed reports how many windows have been closed.
func (a *Aggregator) Closed() int { return a.next }

// Add places ev in the bucket containing its timestamp. Events falling in an
// already closed window, or before the session start, are late.
func (a *Aggregator) Add(ev model.Event) error {
	i := a.Index(ev.Timestamp)
	if i < a.next {
		return model.Reject(model.RejectLate, fmt.Sprintf("window %d already closed", i))
	}
	b, ok := a.open[i]
	if !ok {
		b = &bucket{}
		a.open[i] = b
	}
	b.add(ev)
	return nil
}

// CloseUntil closes, in order, every window whose end is at or before now,
// including windows that received no events.
func (a *Aggregator) CloseUntil(now time.Time) []model.FeatureWindow {
	var out []model.FeatureWindow
	for {
		start, end := a.Bounds(a.next)
		if end.After(now) {
			return out
		}
		b := a.open[a.next]
		delete(a.open, a.next)
		out = append(out, a.features(a.next, start, end, b))
		a.next++
	}
}

// Discard drops every open window without emitting it and returns how many
// of them had received events.
func (a *Aggregator) Discard() int {
	n := 0
	for i, b := range a.open {
		if b.events > 0 {
			n++
		}
		delete(a.open, i)
	}
	return n
}

func (a *Aggregator) features(i int, start, end time.Time, b *bucket) model.FeatureWindow {
	if b == nil {
		b = &bucket{}
	}
	w := model.FeatureWindow{
		SessionID:      a.sessionID,
		Index:          i,
		Start:          start,
		End:            end,
		Events:         b.events,
		BlinkRate:      model.Unavailable(b.events),
		MeanFixationMS: model.Unavailable(b.fixN),
		PupilMean:      model.Unavailable(b.pupilN),
		PupilStd:       model.Unavailable(b.pupilN),
	}
	if b.events > 0 {
		w.BlinkRate = model.Measured(float64(b.blinks)/a.width.Seconds(), b.events)
	}
	if b.fixN > 0 {
		w.MeanFixationMS = model.Measured(b.fixSum/float64(b.fixN), b.fixN)
	}
	if b.pupilN > 0 {
		w.PupilMean = model.Measured(b.pupilMu, b.pupilN)
	}
	if b.pupilN > 1 {
		w.PupilStd = model.Measured(math.Sqrt(b.pupilM2/float64(b.pupilN-1)), b.pupilN)
	}
	return w
}
