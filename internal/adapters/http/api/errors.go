package api

import (
	"errors"
	"net/http"

	"github.com/okian/ocufatigue/internal/adapters/repository"
	service "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrBodyTooBig = errors.New("request body too large")
)

// classify maps err to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrSessionTerminated):
		return http.StatusConflict, "session_terminated"
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrValidation):
		if reason := model.ReasonOf(err); reason != "" {
			return http.StatusBadRequest, reason
		}
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrBodyTooBig):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, model.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, model.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}
