package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/okian/ocufatigue/internal/domain/model"
)

const maxLimit = 10_000

// SessionDependencies defines the session control and query operations.
type SessionDependencies interface {
	StartSession(ctx context.Context, id string) (model.SessionInfo, error)
	EndSession(ctx context.Context, id string) (model.SessionInfo, error)
	Session(ctx context.Context, id string) (model.SessionInfo, error)
	Windows(ctx context.Context, id string, limit int) ([]model.FeatureWindow, error)
	Derived(ctx context.Context, id string) ([]model.DerivedStatistic, error)
	Scores(ctx context.Context, id string, limit int) ([]model.FatigueScore, error)
	Summary(ctx context.Context, id string) (model.Summary, error)
}

// SessionsHandler handles /sessions/{id} requests.
type SessionsHandler struct {
	deps SessionDependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// HandleStart handles POST /sessions/{id}/start.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.StartSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleEnd handles POST /sessions/{id}/end.
func (h *SessionsHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.EndSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleGet handles GET /sessions/{id}.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Session(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleScores handles GET /sessions/{id}/scores?limit=N.
func (h *SessionsHandler) HandleScores(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	scores, err := h.deps.Scores(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

// HandleWindows handles GET /sessions/{id}/windows?limit=N.
func (h *SessionsHandler) HandleWindows(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	windows, err := h.deps.Windows(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

// HandleDerived handles GET /sessions/{id}/derived.
func (h *SessionsHandler) HandleDerived(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Derived(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleSummary handles GET /sessions/{id}/summary.
func (h *SessionsHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// limitParam parses ?limit=N. Absent means all records.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrBadRequest, maxLimit)
	}
	return n, nil
}
