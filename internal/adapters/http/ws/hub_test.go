package ws_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ocufatigue/internal/adapters/http/ws"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.WithOutput(io.Discard))
	os.Exit(m.Run())
}

func startHub(t *testing.T) (string, *ws.Hub) {
	t.Helper()
	hub := ws.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSession(w, r, r.URL.Query().Get("session"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func read(conn *websocket.Conn) (ws.Message, json.RawMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ws.Message{}, nil, err
	}
	var env struct {
		ws.Message
		Data json.RawMessage `json:"data"`
	}
	err = json.Unmarshal(raw, &env)
	return env.Message, env.Data, err
}

func TestHub(t *testing.T) {
	Convey("Given a hub with subscribers on two sessions", t, func() {
		url, hub := startHub(t)
		a := dial(t, url+"?session=s1")
		b := dial(t, url+"?session=s2")
		So(waitFor(func() bool { return hub.Count() == 2 }), ShouldBeTrue)
		So(hub.Subscribers("s1"), ShouldEqual, 1)

		ctx := context.Background()
		start := time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC)

		Convey("A score reaches only the subscribers of its session", func() {
			So(hub.PublishScore(ctx, model.FatigueScore{SessionID: "s1", WindowStart: start, Score: 42, Scored: true}), ShouldBeNil)
			So(hub.PublishScore(ctx, model.FatigueScore{SessionID: "s2", WindowStart: start, Score: 7, Scored: true}), ShouldBeNil)

			msg, data, err := read(a)
			So(err, ShouldBeNil)
			So(msg.Event, ShouldEqual, ws.EventScore)
			So(msg.SessionID, ShouldEqual, "s1")
			var fs model.FatigueScore
			So(json.Unmarshal(data, &fs), ShouldBeNil)
			So(fs.Score, ShouldEqual, 42.0)

			msg, _, err = read(b)
			So(err, ShouldBeNil)
			So(msg.SessionID, ShouldEqual, "s2")
		})

		Convey("A summary is delivered as a summary event", func() {
			So(hub.PublishSummary(ctx, model.Summary{SessionID: "s1", Reason: model.ReasonEndSignal}), ShouldBeNil)
			msg, _, err := read(a)
			So(err, ShouldBeNil)
			So(msg.Event, ShouldEqual, ws.EventSummary)
		})

		Convey("Publishing to a session without subscribers is a no-op", func() {
			So(hub.PublishScore(ctx, model.FatigueScore{SessionID: "nobody"}), ShouldBeNil)
		})

		Convey("A disconnecting client is unregistered", func() {
			_ = a.Close()
			So(waitFor(func() bool { return hub.Subscribers("s1") == 0 }), ShouldBeTrue)
			So(hub.Count(), ShouldEqual, 1)
		})

		Convey("Close disconnects everyone", func() {
			hub.Close()
			So(hub.Count(), ShouldEqual, 0)
			_, _, err := read(a)
			So(err, ShouldNotBeNil)
		})
	})
}
