// Package ws pushes fatigue scores and session summaries to WebSocket
// subscribers of a session.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
	"github.com/okian/ocufatigue/pkg/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 64
)

// Message events.
const (
	EventScore   = "score"
	EventSummary = "summary"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin checks are left to the CORS layer in front of the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to subscribers.
type Message struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

// Hub tracks subscribers per session id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	total   int
	closed  bool

	logger logger.Logger
}

type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Get().Named("ws"),
	}
}

// ServeSession upgrades the request and subscribes the client to
// sessionID. It blocks until the connection closes.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		return
	}
	c := &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBufSize),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	h.logger.Debug(r.Context(), "subscriber connected",
		logger.String("client_id", c.id),
		logger.String("session_id", sessionID),
	)
	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Subscribers returns the number of clients subscribed to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// PublishScore sends s to the subscribers of its session.
func (h *Hub) PublishScore(_ context.Context, s model.FatigueScore) error {
	return h.publish(s.SessionID, EventScore, s)
}

// PublishSummary sends s to the subscribers of its session.
func (h *Hub) PublishSummary(_ context.Context, s model.Summary) error {
	return h.publish(s.SessionID, EventSummary, s)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.total = 0
	h.closed = true
	metrics.UpdateWSClients(0)
}

func (h *Hub) publish(sessionID, event string, data any) error {
	payload, err := json.Marshal(Message{Event: event, SessionID: sessionID, Data: data})
	if err != nil {
		return err
	}

	// sends happen under the read lock so unregister cannot close a channel
	// mid-send; slow clients are removed once it is released
	var slow []*client
	h.mu.RLock()
	for c := range h.clients[sessionID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn(context.Background(), "dropping slow subscriber", logger.String("client_id", c.id))
		h.unregister(c)
	}
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.sessionID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
	h.total++
	metrics.UpdateWSClients(h.total)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
	close(c.send)
	h.total--
	metrics.UpdateWSClients(h.total)
}

// writePump drains the send channel and pings the peer.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects.
func (c *client) readPump() {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
