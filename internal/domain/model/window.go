package model

import (
	"encoding/json"
	"time"
)

// Feature names one raw per-window feature.
type Feature string

// Raw features extracted per window.
const (
	BlinkRate    Feature = "blink_rate"
	MeanFixation Feature = "mean_fixation_ms"
	PupilMean    Feature = "pupil_diameter_mean"
	PupilStd     Feature = "pupil_diameter_std"
)

// Features lists every raw feature in a stable order.
var Features = []Feature{BlinkRate, MeanFixation, PupilMean, PupilStd} //nolint:gochecknoglobals // fixed feature order

// Measurement is a feature value that may be unavailable when a window had
// no qualifying samples. Unavailable values are never read as zero.
type Measurement struct {
	Value     float64
	Available bool
	Samples   int
}

// Measured builds an available measurement.
func Measured(v float64, samples int) Measurement {
	return Measurement{Value: v, Available: true, Samples: samples}
}

// Unavailable builds a measurement with no value.
func Unavailable(samples int) Measurement {
	return Measurement{Samples: samples}
}

type measurementJSON struct {
	Value   *float64 `json:"value"`
	Samples int      `json:"samples"`
}

// MarshalJSON renders unavailable values as null.
func (m Measurement) MarshalJSON() ([]byte, error) {
	out := measurementJSON{Samples: m.Samples}
	if m.Available {
		v := m.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	var in measurementJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Measurement{Samples: in.Samples}
	if in.Value != nil {
		m.Value = *in.Value
		m.Available = true
	}
	return nil
}

// FeatureWindow holds the raw features of one closed, fixed-duration slice of
// a session. It is immutable once produced.
type FeatureWindow struct {
	SessionID      string      `json:"session_id"`
	Index          int         `json:"index"`
	Start          time.Time   `json:"window_start"`
	End            time.Time   `json:"window_end"`
	Events         int         `json:"events"`
	BlinkRate      Measurement `json:"blink_rate"`
	MeanFixationMS Measurement `json:"mean_fixation_ms"`
	PupilMean      Measurement `json:"pupil_diameter_mean"`
	PupilStd       Measurement `json:"pupil_diameter_std"`
}

// Get returns the measurement for f.
func (w FeatureWindow) Get(f Feature) Measurement {
	switch f {
	case BlinkRate:
		return w.BlinkRate
	case MeanFixation:
		return w.MeanFixationMS
	case PupilMean:
		return w.PupilMean
	case PupilStd:
		return w.PupilStd
	}
	return Measurement{}
}

// Missing lists the features unavailable in this window.
func (w FeatureWindow) Missing() []Feature {
	var out []Feature
	for _, f := range Features {
		if !w.Get(f).Available {
			out = append(out, f)
		}
	}
	return out
}
