package publish_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ocufatigue/internal/adapters/publish"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.WithOutput(io.Discard))
	os.Exit(m.Run())
}

type sink struct {
	err       error
	scores    int
	summaries int
}

func (s *sink) PublishScore(context.Context, model.FatigueScore) error {
	s.scores++
	return s.err
}

func (s *sink) PublishSummary(context.Context, model.Summary) error {
	s.summaries++
	return s.err
}

func TestFanout(t *testing.T) {
	Convey("Given a fan-out with a healthy and a failing sink", t, func() {
		ok, bad := &sink{}, &sink{err: errors.New("broker down")}
		f := publish.NewFanout().Add("ws", ok).Add("kafka", bad).Add("none", nil)
		So(f.Len(), ShouldEqual, 2)

		Convey("Every sink sees the score and the failure is reported", func() {
			err := f.PublishScore(context.Background(), model.FatigueScore{SessionID: "s1"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "kafka")
			So(ok.scores, ShouldEqual, 1)
			So(bad.scores, ShouldEqual, 1)
		})

		Convey("Summaries follow the same path", func() {
			_ = f.PublishSummary(context.Background(), model.Summary{SessionID: "s1"})
			So(ok.summaries, ShouldEqual, 1)
			So(bad.summaries, ShouldEqual, 1)
		})
	})

	Convey("An empty fan-out succeeds", t, func() {
		So(publish.NewFanout().PublishScore(context.Background(), model.FatigueScore{}), ShouldBeNil)
	})
}
