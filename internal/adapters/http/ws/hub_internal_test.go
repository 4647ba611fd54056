package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ocufatigue/internal/domain/model"
)

func addClients(h *Hub, sessionID string, n, buf int) []*client {
	clients := make([]*client, 0, n)
	for i := 0; i < n; i++ {
		c := &client{id: fmt.Sprintf("c-%d", i), sessionID: sessionID, send: make(chan []byte, buf)}
		if h.register(c) {
			clients = append(clients, c)
		}
	}
	return clients
}

func TestHubPublishDuringDisconnect(t *testing.T) {
	Convey("Publishing while subscribers disconnect never sends on a closed channel", t, func() {
		ctx := context.Background()
		score := model.FatigueScore{SessionID: "s1", Score: 50, Scored: true}

		for round := 0; round < 50; round++ {
			h := New()
			clients := addClients(h, "s1", 200, sendBufSize)

			var wg sync.WaitGroup
			panicked := make(chan any, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						panicked <- r
					}
				}()
				for i := 0; i < 20; i++ {
					_ = h.PublishScore(ctx, score)
				}
			}()
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						panicked <- r
					}
				}()
				for _, c := range clients {
					h.unregister(c)
				}
			}()
			wg.Wait()
			close(panicked)

			So(<-panicked, ShouldBeNil)
			So(h.Count(), ShouldEqual, 0)
			h.Close()
		}
	})

	Convey("Concurrent publishers drop a full subscriber exactly once", t, func() {
		ctx := context.Background()
		h := New()
		clients := addClients(h, "s1", 1, 1)
		So(clients, ShouldHaveLength, 1)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_ = h.PublishScore(ctx, model.FatigueScore{SessionID: "s1"})
				}
			}()
		}
		So(func() { wg.Wait() }, ShouldNotPanic)
		So(h.Subscribers("s1"), ShouldEqual, 0)
		So(h.Count(), ShouldEqual, 0)

		// the buffered message is still readable, then the channel is closed
		_, ok := <-clients[0].send
		So(ok, ShouldBeTrue)
		_, ok = <-clients[0].send
		So(ok, ShouldBeFalse)
	})
}
