package scoring

import (
	"context"
	"math"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// ZScoreModelName is the reference of the built-in analytic model.
const ZScoreModelName = "builtin:zscore-v1"

// alarmWeight is the anomaly added per CUSUM alarm.
const alarmWeight = 0.5

// chiDOF is the degrees of freedom of the reference distribution: one per
// raw feature under the null hypothesis of standard normal z-scores.
const chiDOF = 4

// ZScoreModel scores the root mean square of the available z-scores plus a
// fixed weight per trend alarm. It needs no training artifact.
type ZScoreModel struct{}

// Name implements Model.
func (ZScoreModel) Name() string { return ZScoreModelName }

// Score implements Model.
func (ZScoreModel) Score(_ context.Context, v Vector) (float64, error) {
	var ss float64
	n := 0
	for _, f := range model.Features {
		z, ok := v[ZSlot(f)]
		if !ok {
			continue
		}
		ss += z * z
		n++
	}
	var rms float64
	if n > 0 {
		rms = math.Sqrt(ss / float64(n))
	}
	return rms + alarmWeight*v[SlotAlarmCount], nil
}

// Rescale maps the anomaly through the CDF of the RMS of chiDOF standard
// normals: P(RMS <= a) = P(chi2_4 <= 4a^2) = 1 - exp(-2a^2)(1 + 2a^2).
func (ZScoreModel) Rescale(anomaly float64) float64 {
	if anomaly <= 0 {
		return 0
	}
	x := chiDOF * anomaly * anomaly / 2
	return 100 * (1 - math.Exp(-x)*(1+x))
}
