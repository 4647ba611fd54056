package scoring

import "errors"

// Scoring errors.
var (
	ErrUnknownModel     = errors.New("unknown score model reference")
	ErrInvalidArtifact  = errors.New("invalid model artifact")
	ErrNonFiniteAnomaly = errors.New("model returned a non-finite anomaly")
	ErrNoTrainingData   = errors.New("no training vectors")
)
