// Package calibration builds the frozen per-session baseline from the
// windows closed during the calibration period.
package calibration

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// MinWindowsFloor is the lowest accepted minimum; sample variance needs two
// values.
const MinWindowsFloor = 2

// Manager collects calibration windows for one session. It is owned by the
// session goroutine.
type Manager struct {
	end        time.Time
	minWindows int
	values     map[model.Feature][]float64
	done       bool
}

// NewManager creates a manager for a calibration period of duration c from
// start, requiring minWindows available values per feature.
func NewManager(start time.Time, c time.Duration, minWindows int) *Manager {
	if minWindows < MinWindowsFloor {
		minWindows = MinWindowsFloor
	}
	return &Manager{
		end:        start.Add(c),
		minWindows: minWindows,
		values:     make(map[model.Feature][]float64, len(model.Features)),
	}
}

// Deadline is the instant the calibration period ends.
func (m *Manager) Deadline() time.Time { return m.end }

// Observe records a closed window. It returns the frozen baseline and true
// once a window reaching the calibration deadline has been observed. When
// some features lack enough data the returned error wraps
// model.ErrInsufficientCalibrationData; the baseline is still usable.
func (m *Manager) Observe(w model.FeatureWindow) (model.Baseline, bool, error) {
	if m.done {
		return nil, false, nil
	}
	if w.Start.Before(m.end) {
		for _, f := range model.Features {
			if v := w.Get(f); v.Available {
				m.values[f] = append(m.values[f], v.Value)
			}
		}
	}
	if w.End.Before(m.end) {
		return nil, false, nil
	}
	m.done = true
	b, err := m.baseline()
	m.values = nil
	return b, true, err
}

func (m *Manager) baseline() (model.Baseline, error) {
	b := make(model.Baseline, len(model.Features))
	var missing []string
	for _, f := range model.Features {
		vs := m.values[f]
		if len(vs) < m.minWindows {
			b[f] = model.FeatureBaseline{Samples: len(vs)}
			missing = append(missing, string(f))
			continue
		}
		mean, variance := meanVariance(vs)
		b[f] = model.FeatureBaseline{Mean: mean, Variance: variance, Samples: len(vs), Available: true}
	}
	if len(missing) > 0 {
		return b, fmt.Errorf("%s: %w", strings.Join(missing, ","), model.ErrInsufficientCalibrationData)
	}
	return b, nil
}

// meanVariance returns the sample mean and the unbiased sample variance.
// Two passes in input order keep the result bit-identical for equal input.
func meanVariance(vs []float64) (float64, float64) {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	mean := sum / float64(len(vs))
	var ss float64
	for _, v := range vs {
		d := v - mean
		ss += d * d
	}
	return mean, ss / float64(len(vs)-1)
}
