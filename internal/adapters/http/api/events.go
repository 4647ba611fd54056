package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	sourceHTTP   = "http"
	maxBodyBytes = 1 << 20
)

// EventDependencies defines the interface for event processing dependencies.
type EventDependencies interface {
	// IngestRaw decodes and admits one JSON event.
	IngestRaw(ctx context.Context, data []byte, source string) error
}

// EventsHandler handles event requests.
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

type batchItem struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []batchItem `json:"rejected"`
}

// HandlePostEvent handles POST /events. The body is one event object or a
// JSON array of events; a batch is admitted in order and answers with the
// per-item rejections.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeFailure(w, fmt.Errorf("%w: limit %d bytes", ErrBodyTooBig, tooBig.Limit))
			return
		}
		writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		h.handleBatch(w, r, body)
		return
	}
	if err := h.deps.IngestRaw(r.Context(), body, sourceHTTP); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}

func (h *EventsHandler) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	resp := batchResponse{Rejected: []batchItem{}}
	for i, item := range items {
		if err := h.deps.IngestRaw(r.Context(), item, sourceHTTP); err != nil {
			_, code := classify(err)
			resp.Rejected = append(resp.Rejected, batchItem{Index: i, Code: code, Message: err.Error()})
			continue
		}
		resp.Accepted++
	}
	writeJSON(w, http.StatusOK, resp)
}
