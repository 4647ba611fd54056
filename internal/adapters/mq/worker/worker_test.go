package worker_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/okian/ocufatigue/internal/adapters/mq/queue"
	"github.com/okian/ocufatigue/internal/adapters/mq/worker"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/internal/domain/scoring"
	"github.com/okian/ocufatigue/internal/domain/session"
	logging "github.com/okian/ocufatigue/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	_ = logging.Init(logging.WithOutput(io.Discard))
	os.Exit(m.Run())
}

type mockStore struct {
	mu        sync.Mutex
	windows   []model.FeatureWindow
	derived   []model.DerivedStatistic
	scores    []model.FatigueScore
	summaries []model.Summary
	failScore error
}

func (s *mockStore) SaveWindow(_ context.Context, w model.FeatureWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	return nil
}

func (s *mockStore) SaveDerived(_ context.Context, stats []model.DerivedStatistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.derived = append(s.derived, stats...)
	return nil
}

func (s *mockStore) SaveScore(_ context.Context, fs model.FatigueScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failScore != nil {
		return s.failScore
	}
	s.scores = append(s.scores, fs)
	return nil
}

func (s *mockStore) SaveSummary(_ context.Context, sum model.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return nil
}

type mockScorer struct {
	mu    sync.Mutex
	fail  map[int]bool
	calls int
}

func (m *mockScorer) Score(_ context.Context, in scoring.Input) (model.FatigueScore, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	out := model.FatigueScore{
		SessionID:   in.Window.SessionID,
		WindowStart: in.Window.Start,
		WindowEnd:   in.Window.End,
		Model:       "mock",
		Elapsed:     in.Elapsed,
	}
	if m.fail[in.Window.Index] {
		out.Flags = out.Flags.Add(model.FlagScoringFailed)
		return out, model.ErrScoringUnavailable
	}
	out.Score, out.Scored = float64(10*in.Window.Index), true
	return out, nil
}

type mockPublisher struct {
	mu        sync.Mutex
	scores    []model.FatigueScore
	summaries []model.Summary
}

func (p *mockPublisher) PublishScore(_ context.Context, s model.FatigueScore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores = append(p.scores, s)
	return nil
}

func (p *mockPublisher) PublishSummary(_ context.Context, s model.Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return nil
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func closed(id string, i int, phase model.State) session.Closed {
	start := t0.Add(time.Duration(i) * time.Minute)
	c := session.Closed{
		Window:  model.FeatureWindow{SessionID: id, Index: i, Start: start, End: start.Add(time.Minute)},
		Phase:   phase,
		Elapsed: time.Duration(i+1) * time.Minute,
	}
	if phase == model.StateActive {
		c.Stats = []model.DerivedStatistic{{SessionID: id, Feature: model.BlinkRate, WindowStart: start, ZScore: 2, CusumPos: 4.5, AlarmPos: true}}
	}
	return c
}

// drain runs w over the jobs already in q until q is closed and empty.
func drain(q *queue.InMemoryQueue, w *worker.InMemoryWorker) {
	_ = q.Close()
	w.Run(context.Background())
}

func TestInMemoryWorker(t *testing.T) {
	Convey("Given a worker over one partition", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		store := &mockStore{}
		scorer := &mockScorer{fail: map[int]bool{}}
		pub := &mockPublisher{}
		w := worker.NewInMemoryWorker(q, store, scorer, worker.WithName("test-worker"), worker.WithPublisher(pub))

		Convey("Calibration windows are persisted but never scored", func() {
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", 0, model.StateCalibrating)))
			drain(q, w)

			So(store.windows, ShouldHaveLength, 1)
			So(store.derived, ShouldBeEmpty)
			So(store.scores, ShouldBeEmpty)
			So(scorer.calls, ShouldEqual, 0)
			So(pub.scores, ShouldBeEmpty)
		})

		Convey("Active windows are persisted, scored and published in order", func() {
			for i := 3; i < 6; i++ {
				_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", i, model.StateActive)))
			}
			drain(q, w)

			So(store.windows, ShouldHaveLength, 3)
			So(store.derived, ShouldHaveLength, 3)
			So(store.scores, ShouldHaveLength, 3)
			So(pub.scores, ShouldHaveLength, 3)
			for i, s := range pub.scores {
				So(s.WindowStart, ShouldEqual, t0.Add(time.Duration(i+3)*time.Minute))
			}
		})

		Convey("A scoring failure still emits a flagged record", func() {
			scorer.fail[4] = true
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", 4, model.StateActive)))
			drain(q, w)

			So(store.scores, ShouldHaveLength, 1)
			So(store.scores[0].Scored, ShouldBeFalse)
			So(store.scores[0].Flags.Has(model.FlagScoringFailed), ShouldBeTrue)
			So(pub.scores, ShouldHaveLength, 1)
		})

		Convey("The summary carries the last score of the session", func() {
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", 3, model.StateActive)))
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", 4, model.StateActive)))
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s2", 3, model.StateActive)))
			_ = q.Enqueue(ctx, queue.SummaryJob(&model.Summary{SessionID: "s1", Reason: model.ReasonEndSignal}))
			_ = q.Enqueue(ctx, queue.SummaryJob(&model.Summary{SessionID: "s3", Reason: model.ReasonShutdown}))
			drain(q, w)

			So(store.summaries, ShouldHaveLength, 2)
			So(store.summaries[0].LastScore, ShouldNotBeNil)
			So(store.summaries[0].LastScore.Score, ShouldEqual, 40.0)
			So(store.summaries[1].LastScore, ShouldBeNil)
			So(pub.summaries, ShouldHaveLength, 2)
		})

		Convey("A store failure does not stop publishing", func() {
			store.failScore = errors.New("disk full")
			_ = q.Enqueue(ctx, queue.WindowJob(closed("s1", 3, model.StateActive)))
			drain(q, w)

			So(store.scores, ShouldBeEmpty)
			So(pub.scores, ShouldHaveLength, 1)
		})

		Convey("Shutdown returns once the loop has exited", func() {
			drain(q, w)
			So(w.Shutdown(ctx), ShouldBeNil)
		})
	})
}

func TestPool(t *testing.T) {
	Convey("Given a pool over a partitioned queue", t, func() {
		ctx := context.Background()
		q := queue.NewPartitioned(3, 64)
		store := &mockStore{}
		pub := &mockPublisher{}
		pool := worker.NewPool(q, store, &mockScorer{fail: map[int]bool{}}, worker.WithPublisher(pub))
		pool.Start(ctx)

		ids := []string{"a", "b", "c", "d", "e"}
		for i := 3; i < 8; i++ {
			for _, id := range ids {
				So(q.Enqueue(ctx, queue.WindowJob(closed(id, i, model.StateActive))), ShouldBeNil)
			}
		}
		for _, id := range ids {
			So(q.Enqueue(ctx, queue.SummaryJob(&model.Summary{SessionID: id})), ShouldBeNil)
		}

		Convey("Shutdown drains every partition", func() {
			So(pool.Shutdown(ctx), ShouldBeNil)

			pub.mu.Lock()
			defer pub.mu.Unlock()
			So(pub.scores, ShouldHaveLength, 25)
			So(pub.summaries, ShouldHaveLength, 5)

			last := map[string]int{}
			for _, s := range pub.scores {
				idx := int(s.WindowStart.Sub(t0) / time.Minute)
				if prev, ok := last[s.SessionID]; ok {
					So(idx, ShouldEqual, prev+1)
				}
				last[s.SessionID] = idx
			}
			for _, sum := range pub.summaries {
				So(sum.LastScore, ShouldNotBeNil)
				So(sum.LastScore.Score, ShouldEqual, 70.0)
			}
		})
	})
}
