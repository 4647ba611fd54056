package repository

import (
	"context"
	"fmt"
)

type options struct {
	driver     string
	sqlitePath string
}

// Option configures Open.
type Option func(*options)

// WithDriver selects the backend: memory or sqlite.
func WithDriver(driver string) Option {
	return func(o *options) {
		if driver != "" {
			o.driver = driver
		}
	}
}

// WithSQLitePath sets the database file; ":memory:" keeps it in memory.
func WithSQLitePath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.sqlitePath = path
		}
	}
}

// Open creates the configured store.
func Open(ctx context.Context, opts ...Option) (Store, error) {
	o := options{driver: DriverMemory, sqlitePath: "ocufatigue.db"}
	for _, opt := range opts {
		opt(&o)
	}
	switch o.driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, o.sqlitePath)
	}
	return nil, fmt.Errorf("%q: %w", o.driver, ErrUnknownDriver)
}
