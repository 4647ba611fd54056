package model

import (
	"errors"
	"fmt"
)

// Domain errors. None of them is fatal to the process.
var (
	ErrValidation                  = errors.New("validation error")
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")
	ErrPartialFeatureInput         = errors.New("partial feature input")
	ErrSessionNotFound             = errors.New("session not found")
	ErrSessionTerminated           = fmt.Errorf("session terminated: %w", ErrSessionNotFound)
	ErrScoringUnavailable          = errors.New("scoring unavailable")
)

// Operational errors surfaced to the operator.
var (
	ErrTooManySessions = errors.New("too many sessions")
	ErrBackpressure    = errors.New("backpressure")
)

// Rejection reasons used as metric labels and in API responses.
const (
	RejectEmptySession   = "empty_session_id"
	RejectZeroTimestamp  = "zero_timestamp"
	RejectOutOfOrder     = "out_of_order"
	RejectLate           = "late"
	RejectNonFinite      = "non_finite"
	RejectFixationRange  = "fixation_out_of_range"
	RejectPupilRange     = "pupil_out_of_range"
	RejectMalformed      = "malformed"
	RejectTerminated     = "terminated"
	RejectUnknownSession = "unknown_session"
)

// RejectionError describes why an event was not admitted. It unwraps to the
// kind sentinel so callers classify it with errors.Is.
type RejectionError struct {
	Reason string
	Detail string
	Kind   error
}

// Error implements error.
func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Detail)
}

// Unwrap returns the kind sentinel.
func (e *RejectionError) Unwrap() error { return e.Kind }

// Reject builds a validation rejection.
func Reject(reason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail, Kind: ErrValidation}
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a
// rejection.
func ReasonOf(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
