package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dedupe "github.com/okian/ocufatigue/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()
		So(d.Size(), ShouldEqual, int64(0))

		Convey("When an event id is new", func() {
			seen := d.SeenAndRecord(ctx, "s1/e1")

			Convey("Then it is recorded", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, int64(1))
			})

			Convey("And a redelivery is reported as seen", func() {
				So(d.SeenAndRecord(ctx, "s1/e1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, int64(1))
			})

			Convey("And unrecording admits it again", func() {
				d.Unrecord(ctx, "s1/e1")
				So(d.Size(), ShouldEqual, int64(0))
				So(d.SeenAndRecord(ctx, "s1/e1"), ShouldBeFalse)
			})
		})

		Convey("When unrecording an unknown id", func() {
			d.Unrecord(ctx, "nope")
			So(d.Size(), ShouldEqual, int64(0))
		})
	})

	Convey("Given a deduper bounded to three ids", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
		for _, id := range []string{"e1", "e2", "e3"} {
			So(d.SeenAndRecord(ctx, id), ShouldBeFalse)
		}

		Convey("When e1 is seen again and a fourth id arrives", func() {
			So(d.SeenAndRecord(ctx, "e1"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "e4"), ShouldBeFalse)

			Convey("Then the least recently seen id is evicted", func() {
				So(d.Size(), ShouldEqual, int64(3))
				So(d.SeenAndRecord(ctx, "e1"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "e2"), ShouldBeFalse)
			})
		})
	})

	Convey("A non-positive size falls back to the default bound", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			So(d.SeenAndRecord(ctx, fmt.Sprintf("e-%d", i)), ShouldBeFalse)
		}
		So(d.Size(), ShouldEqual, int64(1000))
	})
}

func TestDedupeConcurrency(t *testing.T) {
	Convey("Given concurrent recorders", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(2000))
		const workers, perWorker = 10, 100

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					d.SeenAndRecord(context.Background(), fmt.Sprintf("e-%d-%d", w, j))
				}
			}(i)
		}
		wg.Wait()

		So(d.Size(), ShouldEqual, int64(workers*perWorker))
	})
}
