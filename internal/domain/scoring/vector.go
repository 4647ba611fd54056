package scoring

import (
	"sort"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Slot names outside the per-feature groups.
const (
	SlotAlarmCount = "alarm_count"
	SlotElapsedMin = "elapsed_min"
)

// Vector is a feature vector keyed by slot name. Only available values are
// present; absent slots are never filled with zero.
type Vector map[string]float64

// ZSlot names the z-score slot of f.
func ZSlot(f model.Feature) string { return "z_" + string(f) }

// CusumPosSlot names the positive CUSUM slot of f.
func CusumPosSlot(f model.Feature) string { return "cusum_pos_" + string(f) }

// CusumNegSlot names the negative CUSUM slot of f.
func CusumNegSlot(f model.Feature) string { return "cusum_neg_" + string(f) }

// AllSlots lists every slot a vector may carry, in a stable order.
func AllSlots() []string {
	out := make([]string, 0, 4*len(model.Features)+2)
	for _, f := range model.Features {
		out = append(out, string(f), ZSlot(f), CusumPosSlot(f), CusumNegSlot(f))
	}
	return append(out, SlotAlarmCount, SlotElapsedMin)
}

// Assemble builds the vector of one window from its raw features, its
// derived statistics and the session elapsed time at the window end.
func Assemble(w model.FeatureWindow, stats []model.DerivedStatistic, elapsed time.Duration) Vector {
	v := make(Vector, 4*len(model.Features)+2)
	for _, f := range model.Features {
		if m := w.Get(f); m.Available {
			v[string(f)] = m.Value
		}
	}
	alarms := 0
	for _, ds := range stats {
		v[ZSlot(ds.Feature)] = ds.ZScore
		v[CusumPosSlot(ds.Feature)] = ds.CusumPos
		v[CusumNegSlot(ds.Feature)] = ds.CusumNeg
		if ds.AlarmPos {
			alarms++
		}
		if ds.AlarmNeg {
			alarms++
		}
	}
	v[SlotAlarmCount] = float64(alarms)
	v[SlotElapsedMin] = elapsed.Minutes()
	return v
}

// Names returns the slots present in v, sorted.
func (v Vector) Names() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
