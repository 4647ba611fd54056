// Package repository persists closed windows, derived statistics, scores and
// session summaries keyed by (session_id, window_start).
package repository

import (
	"context"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// Store is the persistence contract. All writes are idempotent upserts on
// the natural key; reads return records ordered by window start.
type Store interface {
	SaveWindow(ctx context.Context, w model.FeatureWindow) error
	SaveDerived(ctx context.Context, stats []model.DerivedStatistic) error
	SaveScore(ctx context.Context, s model.FatigueScore) error
	SaveSummary(ctx context.Context, s model.Summary) error

	// Windows returns the most recent limit windows of a session, oldest
	// first. A non-positive limit returns all of them.
	Windows(ctx context.Context, sessionID string, limit int) ([]model.FeatureWindow, error)
	// Derived returns the statistics of a session ordered by window start
	// then feature.
	Derived(ctx context.Context, sessionID string) ([]model.DerivedStatistic, error)
	// Scores returns the most recent limit scores, oldest first.
	Scores(ctx context.Context, sessionID string, limit int) ([]model.FatigueScore, error)
	// Summary returns ErrNotFound when the session has not terminated.
	Summary(ctx context.Context, sessionID string) (model.Summary, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

func tail[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[len(xs)-limit:]
	}
	return xs
}
