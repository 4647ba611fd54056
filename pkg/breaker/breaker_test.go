package breaker_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/okian/ocufatigue/pkg/breaker"
	"github.com/okian/ocufatigue/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var errBoom = errors.New("boom")

func TestBreaker(t *testing.T) {
	Convey("Given a breaker that opens after two failures", t, func() {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		b := breaker.New("model", breaker.WithMaxFailures(2), breaker.WithResetTimeout(time.Second), breaker.WithClock(clock))
		fail := func(context.Context) error { return errBoom }
		ok := func(context.Context) error { return nil }
		ctx := context.Background()

		So(b.State(), ShouldEqual, breaker.Closed)

		Convey("A success keeps it closed", func() {
			So(b.Execute(ctx, ok), ShouldBeNil)
			So(b.State(), ShouldEqual, breaker.Closed)
		})

		Convey("Consecutive failures open it", func() {
			So(b.Execute(ctx, fail), ShouldEqual, errBoom)
			So(b.State(), ShouldEqual, breaker.Closed)
			So(b.Execute(ctx, fail), ShouldEqual, errBoom)
			So(b.State(), ShouldEqual, breaker.Open)

			Convey("Calls fail fast while open", func() {
				called := false
				err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
				So(err, ShouldEqual, breaker.ErrOpen)
				So(called, ShouldBeFalse)
			})

			Convey("A successful trial after the timeout closes it", func() {
				now = now.Add(time.Second)
				So(b.Execute(ctx, ok), ShouldBeNil)
				So(b.State(), ShouldEqual, breaker.Closed)
			})

			Convey("A failed trial reopens it", func() {
				now = now.Add(time.Second)
				So(b.Execute(ctx, fail), ShouldEqual, errBoom)
				So(b.State(), ShouldEqual, breaker.Open)
				So(b.Execute(ctx, ok), ShouldEqual, breaker.ErrOpen)
			})
		})

		Convey("A success resets the failure count", func() {
			So(b.Execute(ctx, fail), ShouldEqual, errBoom)
			So(b.Execute(ctx, ok), ShouldBeNil)
			So(b.Execute(ctx, fail), ShouldEqual, errBoom)
			So(b.State(), ShouldEqual, breaker.Closed)
		})
	})

	Convey("States have names", t, func() {
		So(breaker.HalfOpen.String(), ShouldEqual, "half_open")
	})
}
