package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ocufatigue/internal/adapters/http/api"
	"github.com/okian/ocufatigue/internal/adapters/repository"
	service "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// mockDeps records ingested payloads and answers queries from fixed data.
type mockDeps struct {
	ingested [][]byte
	ingestFn func(data []byte) error

	sessions map[string]model.SessionInfo
	ended    map[string]bool
	scores   []model.FatigueScore
	limit    int
	summary  error
}

func newMockDeps() *mockDeps {
	return &mockDeps{
		sessions: map[string]model.SessionInfo{
			"s1": {SessionID: "s1", StartTime: start, State: model.StateActive, ElapsedS: 120},
		},
		ended: map[string]bool{},
	}
}

func (m *mockDeps) IngestRaw(_ context.Context, data []byte, _ string) error {
	m.ingested = append(m.ingested, data)
	if m.ingestFn != nil {
		return m.ingestFn(data)
	}
	return nil
}

func (m *mockDeps) lookup(id string) (model.SessionInfo, error) {
	info, ok := m.sessions[id]
	if !ok {
		return model.SessionInfo{}, &model.RejectionError{Reason: model.RejectUnknownSession, Kind: model.ErrSessionNotFound}
	}
	return info, nil
}

func (m *mockDeps) StartSession(_ context.Context, id string) (model.SessionInfo, error) {
	if m.ended[id] {
		return model.SessionInfo{}, &model.RejectionError{Reason: model.RejectTerminated, Kind: model.ErrSessionTerminated}
	}
	if info, ok := m.sessions[id]; ok {
		return info, nil
	}
	info := model.SessionInfo{SessionID: id, StartTime: start, State: model.StateCalibrating}
	m.sessions[id] = info
	return info, nil
}

func (m *mockDeps) EndSession(_ context.Context, id string) (model.SessionInfo, error) {
	info, err := m.lookup(id)
	if err != nil {
		return info, err
	}
	info.State = model.StateTerminated
	m.sessions[id] = info
	m.ended[id] = true
	return info, nil
}

func (m *mockDeps) Session(_ context.Context, id string) (model.SessionInfo, error) {
	return m.lookup(id)
}

func (m *mockDeps) Windows(_ context.Context, id string, _ int) ([]model.FeatureWindow, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return []model.FeatureWindow{{SessionID: id, Start: start, End: start.Add(time.Minute)}}, nil
}

func (m *mockDeps) Derived(_ context.Context, id string) ([]model.DerivedStatistic, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return []model.DerivedStatistic{}, nil
}

func (m *mockDeps) Scores(_ context.Context, id string, limit int) ([]model.FatigueScore, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	m.limit = limit
	return m.scores, nil
}

func (m *mockDeps) Summary(_ context.Context, id string) (model.Summary, error) {
	if _, err := m.lookup(id); err != nil {
		return model.Summary{}, err
	}
	if m.summary != nil {
		return model.Summary{}, m.summary
	}
	return model.Summary{SessionID: id, Reason: model.ReasonEndSignal}, nil
}

func (m *mockDeps) GetStats() map[string]interface{} {
	return map[string]interface{}{"started": true, "liveSessions": len(m.sessions)}
}

type fakeStreamer struct{ ids []string }

func (f *fakeStreamer) ServeSession(w http.ResponseWriter, _ *http.Request, id string) {
	f.ids = append(f.ids, id)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func newRouter(deps *mockDeps, opts ...api.Option) (*mux.Router, http.Handler) {
	srv := api.NewServer(deps, opts...)
	r := mux.NewRouter()
	srv.Register(context.Background(), r)
	return r, srv.Handler(r)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder, v any) {
	So(json.NewDecoder(w.Body).Decode(v), ShouldBeNil)
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newMockDeps()
		_, h := newRouter(deps)

		Convey("Then the health endpoint serves metrics", func() {
			w := do(h, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then the stats endpoint serves JSON", func() {
			w := do(h, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "application/json; charset=utf-8")
			var stats map[string]interface{}
			decode(w, &stats)
			So(stats["started"], ShouldEqual, true)
		})

		Convey("Then unknown methods are rejected", func() {
			w := do(h, http.MethodGet, "/events", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("Then the websocket route is absent without a streamer", func() {
			w := do(h, http.MethodGet, "/ws/sessions/s1", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})

	Convey("Given a server with a streamer", t, func() {
		deps := newMockDeps()
		ws := &fakeStreamer{}
		_, h := newRouter(deps, api.WithStreamer(ws))

		Convey("Then the session id is passed to the streamer", func() {
			do(h, http.MethodGet, "/ws/sessions/abc", "")
			So(ws.ids, ShouldResemble, []string{"abc"})
		})
	})
}

func TestEventsHandler(t *testing.T) {
	Convey("Given a server", t, func() {
		deps := newMockDeps()
		_, h := newRouter(deps)

		Convey("When posting one event", func() {
			w := do(h, http.MethodPost, "/events", `{"session_id":"s1","timestamp":"2024-05-01T10:00:00Z","blink":true}`)

			Convey("Then it is accepted and forwarded as is", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(deps.ingested, ShouldHaveLength, 1)
				So(string(deps.ingested[0]), ShouldContainSubstring, `"blink":true`)
			})
		})

		Convey("When the event is invalid", func() {
			deps.ingestFn = func([]byte) error { return model.Reject(model.RejectPupilRange, "42 mm") }
			w := do(h, http.MethodPost, "/events", `{"session_id":"s1"}`)

			Convey("Then the rejection reason is the error code", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				var body map[string]string
				decode(w, &body)
				So(body["code"], ShouldEqual, model.RejectPupilRange)
			})
		})

		Convey("When the session mailbox is full", func() {
			deps.ingestFn = func([]byte) error { return model.ErrBackpressure }
			w := do(h, http.MethodPost, "/events", `{"session_id":"s1"}`)
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
		})

		Convey("When posting a batch", func() {
			deps.ingestFn = func(data []byte) error {
				if strings.Contains(string(data), "bad") {
					return model.Reject(model.RejectMalformed, "")
				}
				return nil
			}
			w := do(h, http.MethodPost, "/events", `[{"session_id":"s1"},{"session_id":"bad"},{"session_id":"s1"}]`)

			Convey("Then each item is ingested and rejections are listed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.ingested, ShouldHaveLength, 3)
				var body struct {
					Accepted int `json:"accepted"`
					Rejected []struct {
						Index int    `json:"index"`
						Code  string `json:"code"`
					} `json:"rejected"`
				}
				decode(w, &body)
				So(body.Accepted, ShouldEqual, 2)
				So(body.Rejected, ShouldHaveLength, 1)
				So(body.Rejected[0].Index, ShouldEqual, 1)
				So(body.Rejected[0].Code, ShouldEqual, model.RejectMalformed)
			})
		})

		Convey("When the batch is not valid JSON", func() {
			w := do(h, http.MethodPost, "/events", `[{"session_id":`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.ingested, ShouldBeEmpty)
		})

		Convey("When the body is too large", func() {
			w := do(h, http.MethodPost, "/events", `"`+strings.Repeat("x", 2<<20)+`"`)
			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
		})
	})
}

func TestSessionsHandler(t *testing.T) {
	Convey("Given a server with one active session", t, func() {
		deps := newMockDeps()
		_, h := newRouter(deps)

		Convey("Then the session view is returned", func() {
			w := do(h, http.MethodGet, "/sessions/s1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body map[string]interface{}
			decode(w, &body)
			So(body["session_id"], ShouldEqual, "s1")
			So(body["state"], ShouldEqual, "ACTIVE")
			So(body["elapsed_s"], ShouldEqual, 120.0)
		})

		Convey("Then an unknown session is 404", func() {
			w := do(h, http.MethodGet, "/sessions/nope", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then starting is idempotent", func() {
			w := do(h, http.MethodPost, "/sessions/s2/start", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			w = do(h, http.MethodPost, "/sessions/s2/start", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then ending twice succeeds and restarting conflicts", func() {
			So(do(h, http.MethodPost, "/sessions/s1/end", "").Code, ShouldEqual, http.StatusOK)
			w := do(h, http.MethodPost, "/sessions/s1/end", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body map[string]interface{}
			decode(w, &body)
			So(body["state"], ShouldEqual, "TERMINATED")

			So(do(h, http.MethodPost, "/sessions/s1/start", "").Code, ShouldEqual, http.StatusConflict)
		})

		Convey("Then scores honour the limit parameter", func() {
			deps.scores = []model.FatigueScore{{SessionID: "s1", WindowStart: start, Score: 12, Scored: true}}
			w := do(h, http.MethodGet, "/sessions/s1/scores?limit=5", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.limit, ShouldEqual, 5)
			var body []map[string]interface{}
			decode(w, &body)
			So(body, ShouldHaveLength, 1)

			for _, bad := range []string{"0", "-1", "abc", fmt.Sprint(1 << 20)} {
				So(do(h, http.MethodGet, "/sessions/s1/scores?limit="+bad, "").Code, ShouldEqual, http.StatusBadRequest)
			}
		})

		Convey("Then windows and derived statistics are served", func() {
			So(do(h, http.MethodGet, "/sessions/s1/windows", "").Code, ShouldEqual, http.StatusOK)
			So(do(h, http.MethodGet, "/sessions/s1/derived", "").Code, ShouldEqual, http.StatusOK)
			So(do(h, http.MethodGet, "/sessions/nope/windows", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then a running session has no summary yet", func() {
			deps.summary = fmt.Errorf("summary of s1: %w", repository.ErrNotFound)
			So(do(h, http.MethodGet, "/sessions/s1/summary", "").Code, ShouldEqual, http.StatusNotFound)
			deps.summary = nil
			So(do(h, http.MethodGet, "/sessions/s1/summary", "").Code, ShouldEqual, http.StatusOK)
		})
	})
}

func TestErrorMapping(t *testing.T) {
	Convey("Given service errors", t, func() {
		deps := newMockDeps()
		_, h := newRouter(deps)
		cases := []struct {
			err  error
			code int
		}{
			{model.ErrTooManySessions, http.StatusServiceUnavailable},
			{service.ErrNotStarted, http.StatusServiceUnavailable},
			{&model.RejectionError{Reason: model.RejectTerminated, Kind: model.ErrSessionTerminated}, http.StatusConflict},
			{fmt.Errorf("boom"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			deps.ingestFn = func([]byte) error { return tc.err }
			So(do(h, http.MethodPost, "/events", `{}`).Code, ShouldEqual, tc.code)
		}
	})
}

func TestRecovery(t *testing.T) {
	Convey("A panicking handler answers 500", t, func() {
		deps := newMockDeps()
		r, h := newRouter(deps)
		r.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
		So(do(h, http.MethodGet, "/panic", "").Code, ShouldEqual, http.StatusInternalServerError)
	})
}
