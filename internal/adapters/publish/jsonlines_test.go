package publish_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ocufatigue/internal/adapters/publish"
	"github.com/okian/ocufatigue/internal/domain/model"
)

func TestJSONLines(t *testing.T) {
	Convey("Given a JSON lines sink", t, func() {
		var buf bytes.Buffer
		j := publish.NewJSONLines(&buf)
		ctx := context.Background()
		start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		So(j.PublishScore(ctx, model.FatigueScore{SessionID: "s1", WindowStart: start, Score: 42, Scored: true}), ShouldBeNil)
		So(j.PublishSummary(ctx, model.Summary{SessionID: "s1", Reason: model.ReasonEndSignal}), ShouldBeNil)

		Convey("Then each record is one tagged line", func() {
			var kinds []string
			sc := bufio.NewScanner(&buf)
			for sc.Scan() {
				var l struct {
					Kind      string          `json:"kind"`
					SessionID string          `json:"session_id"`
					Data      json.RawMessage `json:"data"`
				}
				So(json.Unmarshal(sc.Bytes(), &l), ShouldBeNil)
				So(l.SessionID, ShouldEqual, "s1")
				kinds = append(kinds, l.Kind)
			}
			So(kinds, ShouldResemble, []string{publish.KindScore, publish.KindSummary})
		})
	})
}
