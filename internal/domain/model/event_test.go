package model_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	model "github.com/okian/ocufatigue/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDecodeEvent(t *testing.T) {
	Convey("Given wire events", t, func() {
		Convey("When the session id is a string and the timestamp RFC 3339", func() {
			ev, err := model.DecodeEvent([]byte(`{"event_id":"e1","session_id":" s-1 ","timestamp":"2024-05-01T10:00:00.5Z","blink":true,"fixation_duration_ms":210.5}`), 0)

			Convey("Then the event is decoded", func() {
				So(err, ShouldBeNil)
				So(ev.EventID, ShouldEqual, "e1")
				So(ev.SessionID, ShouldEqual, "s-1")
				So(ev.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)), ShouldBeTrue)
				So(ev.Blink, ShouldBeTrue)
				So(ev.HasFixation(), ShouldBeTrue)
				So(*ev.FixationMS, ShouldEqual, 210.5)
				So(ev.HasPupil(), ShouldBeFalse)
			})
		})

		Convey("When the session id is numeric and the timestamp is epoch milliseconds", func() {
			ev, err := model.DecodeEvent([]byte(`{"session_id":1714557600000000000,"timestamp":1714557600250}`), 0)

			Convey("Then both are accepted", func() {
				So(err, ShouldBeNil)
				So(ev.SessionID, ShouldEqual, "1714557600000000000")
				So(ev.Timestamp.UnixMilli(), ShouldEqual, int64(1714557600250))
			})
		})

		Convey("When only a pupil area is given", func() {
			ev, err := model.DecodeEvent([]byte(`{"session_id":"s","timestamp":1000,"pupil_area_px":1256.6370614359173}`), 10)

			Convey("Then the diameter is derived from the area", func() {
				So(err, ShouldBeNil)
				So(ev.HasPupil(), ShouldBeTrue)
				So(*ev.PupilMM, ShouldAlmostEqual, 4.0, 1e-9)
			})
		})

		Convey("When the pupil area is zero", func() {
			ev, err := model.DecodeEvent([]byte(`{"session_id":"s","timestamp":1000,"blink":true,"pupil_area_px":0}`), 10)

			Convey("Then no pupil sample is recorded", func() {
				So(err, ShouldBeNil)
				So(ev.HasPupil(), ShouldBeFalse)
			})
		})

		Convey("When the payload is malformed", func() {
			_, err := model.DecodeEvent([]byte(`{"session_id":`), 0)

			Convey("Then a validation error is returned", func() {
				So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
				So(model.ReasonOf(err), ShouldEqual, model.RejectMalformed)
			})
		})

		Convey("When the timestamp is missing", func() {
			_, err := model.DecodeEvent([]byte(`{"session_id":"s"}`), 0)

			Convey("Then it is rejected as a zero timestamp", func() {
				So(model.ReasonOf(err), ShouldEqual, model.RejectZeroTimestamp)
			})
		})

		Convey("When the session id is an object", func() {
			_, err := model.DecodeEvent([]byte(`{"session_id":{},"timestamp":1}`), 0)

			Convey("Then it is malformed", func() {
				So(model.ReasonOf(err), ShouldEqual, model.RejectMalformed)
			})
		})
	})
}

func TestEncodeEvent(t *testing.T) {
	Convey("Given an event", t, func() {
		ev := model.Event{
			EventID:   "e9",
			SessionID: "s-9",
			Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			PupilMM:   model.Float(3.5),
		}

		Convey("When encoded and decoded again", func() {
			data, err := model.EncodeEvent(ev)
			So(err, ShouldBeNil)
			back, err := model.DecodeEvent(data, 0)

			Convey("Then the fields survive", func() {
				So(err, ShouldBeNil)
				So(back.SessionID, ShouldEqual, "s-9")
				So(back.Timestamp.Equal(ev.Timestamp), ShouldBeTrue)
				So(*back.PupilMM, ShouldEqual, 3.5)
				So(back.HasFixation(), ShouldBeFalse)
			})
		})
	})
}

func TestMeasurementJSON(t *testing.T) {
	Convey("Given measurements", t, func() {
		Convey("When an unavailable value is marshalled", func() {
			data, err := json.Marshal(model.Unavailable(1))

			Convey("Then the value is null", func() {
				So(err, ShouldBeNil)
				So(string(data), ShouldEqual, `{"value":null,"samples":1}`)
			})
		})

		Convey("When an available value round-trips", func() {
			data, _ := json.Marshal(model.Measured(0.25, 4))
			var m model.Measurement
			err := json.Unmarshal(data, &m)

			Convey("Then it stays available", func() {
				So(err, ShouldBeNil)
				So(m.Available, ShouldBeTrue)
				So(m.Value, ShouldEqual, 0.25)
			})
		})
	})
}

func TestFeatureWindowMissing(t *testing.T) {
	Convey("Given a window with only blink and fixation data", t, func() {
		w := model.FeatureWindow{
			BlinkRate:      model.Measured(0.1, 10),
			MeanFixationMS: model.Measured(200, 55),
			PupilMean:      model.Unavailable(0),
			PupilStd:       model.Unavailable(0),
		}

		So(w.Missing(), ShouldResemble, []model.Feature{model.PupilMean, model.PupilStd})
		So(w.Get(model.BlinkRate).Value, ShouldEqual, 0.1)
	})
}

func TestFatigueScoreJSON(t *testing.T) {
	Convey("Given a failed score", t, func() {
		s := model.FatigueScore{SessionID: "s", Flags: model.Flags{}.Add(model.FlagScoringFailed)}

		Convey("Then the score is rendered as null", func() {
			data, err := json.Marshal(s)
			So(err, ShouldBeNil)
			var raw map[string]any
			So(json.Unmarshal(data, &raw), ShouldBeNil)
			So(raw["score"], ShouldBeNil)
			So(raw["flags"], ShouldResemble, []any{"scoring_failed"})
		})
	})

	Convey("Given a scored window", t, func() {
		s := model.FatigueScore{SessionID: "s", Score: 42.5, Anomaly: 1.2, Scored: true, Elapsed: 90 * time.Second}

		Convey("Then it round-trips", func() {
			data, _ := json.Marshal(s)
			var back model.FatigueScore
			So(json.Unmarshal(data, &back), ShouldBeNil)
			So(back.Scored, ShouldBeTrue)
			So(back.Score, ShouldEqual, 42.5)
			So(back.Elapsed, ShouldEqual, 90*time.Second)
		})
	})
}

func TestFlags(t *testing.T) {
	Convey("Adding flags keeps them sorted and unique", t, func() {
		var fs model.Flags
		fs = fs.Add(model.FlagTrendAlarm).Add(model.FlagPartialInput).Add(model.FlagTrendAlarm)
		So(fs, ShouldResemble, model.Flags{model.FlagPartialInput, model.FlagTrendAlarm})
		So(fs.Has(model.FlagScoringFailed), ShouldBeFalse)
	})
}

func TestStateAndErrors(t *testing.T) {
	Convey("Given session states", t, func() {
		var s model.State
		So(s.UnmarshalText([]byte("ACTIVE")), ShouldBeNil)
		So(s, ShouldEqual, model.StateActive)
		So(model.StateTerminated.String(), ShouldEqual, "TERMINATED")
		So(s.UnmarshalText([]byte("bogus")), ShouldNotBeNil)
	})

	Convey("Terminated sessions classify as not found", t, func() {
		So(errors.Is(model.ErrSessionTerminated, model.ErrSessionNotFound), ShouldBeTrue)
	})

	Convey("Baselines report partial coverage", t, func() {
		b := model.Baseline{
			model.BlinkRate: {Mean: 0.15, Variance: 0.0025, Samples: 5, Available: true},
		}
		_, ok := b.Lookup(model.PupilMean)
		So(ok, ShouldBeFalse)
		So(b.Partial(), ShouldBeTrue)
		So(math.IsNaN(b.Clone()[model.BlinkRate].Mean), ShouldBeFalse)
	})
}
