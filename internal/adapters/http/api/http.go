// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/okian/ocufatigue/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EventDependencies
	SessionDependencies
	StatsProvider
}

// Streamer upgrades a request to a push channel for one session.
type Streamer interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	eventsHandler   *EventsHandler
	sessionsHandler *SessionsHandler
	streamer        Streamer
	logger          logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStreamer serves GET /ws/sessions/{id} from s.
func WithStreamer(s Streamer) Option {
	return func(srv *Server) {
		if s != nil {
			srv.streamer = s
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(deps),
		eventsHandler:   NewEventsHandler(deps),
		sessionsHandler: NewSessionsHandler(deps),
		logger:          logger.Get().Named("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r *mux.Router) {
	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)
	r.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events")).Methods(http.MethodPost)

	r.HandleFunc("/sessions/{id}", MetricsMiddleware(s.sessionsHandler.HandleGet, "session")).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/start", MetricsMiddleware(s.sessionsHandler.HandleStart, "session_start")).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", MetricsMiddleware(s.sessionsHandler.HandleEnd, "session_end")).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/scores", MetricsMiddleware(s.sessionsHandler.HandleScores, "scores")).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/windows", MetricsMiddleware(s.sessionsHandler.HandleWindows, "windows")).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/derived", MetricsMiddleware(s.sessionsHandler.HandleDerived, "derived")).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/summary", MetricsMiddleware(s.sessionsHandler.HandleSummary, "summary")).Methods(http.MethodGet)

	// the upgrade needs the raw writer, so no metrics wrapper here
	if s.streamer != nil {
		r.HandleFunc("/ws/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
			s.streamer.ServeSession(w, req, mux.Vars(req)["id"])
		}).Methods(http.MethodGet)
	}
}

// Handler wraps r with panic recovery, CORS and access logging.
func (s *Server) Handler(r *mux.Router) http.Handler {
	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.CustomLoggingHandler(nil, h, s.logAccess)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return h
}

func (s *Server) logAccess(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug(p.Request.Context(), "request",
		logger.String("method", p.Request.Method),
		logger.String("path", p.URL.Path),
		logger.Int("status", p.StatusCode),
		logger.Int("size", p.Size),
	)
}

type ackResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure classifies err and writes it.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}
