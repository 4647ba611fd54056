package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/metrics"
)

type derivedKey struct {
	start   int64
	feature model.Feature
}

type sessionRecords struct {
	windows map[int64]model.FeatureWindow
	derived map[derivedKey]model.DerivedStatistic
	scores  map[int64]model.FatigueScore
	summary *model.Summary
}

// MemoryStore is an in-memory Store. Records live until the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecords
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*sessionRecords)}
}

func (s *MemoryStore) records(id string) *sessionRecords {
	r, ok := s.sessions[id]
	if !ok {
		r = &sessionRecords{
			windows: make(map[int64]model.FeatureWindow),
			derived: make(map[derivedKey]model.DerivedStatistic),
			scores:  make(map[int64]model.FatigueScore),
		}
		s.sessions[id] = r
	}
	return r
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// SaveWindow implements Store.
func (s *MemoryStore) SaveWindow(_ context.Context, w model.FeatureWindow) error {
	defer observe("save_window", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records(w.SessionID).windows[w.Start.UnixNano()] = w
	return nil
}

// SaveDerived implements Store.
func (s *MemoryStore) SaveDerived(_ context.Context, stats []model.DerivedStatistic) error {
	defer observe("save_derived", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ds := range stats {
		s.records(ds.SessionID).derived[derivedKey{ds.WindowStart.UnixNano(), ds.Feature}] = ds
	}
	return nil
}

// SaveScore implements Store.
func (s *MemoryStore) SaveScore(_ context.Context, fs model.FatigueScore) error {
	defer observe("save_score", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records(fs.SessionID).scores[fs.WindowStart.UnixNano()] = fs
	return nil
}

// SaveSummary implements Store.
func (s *MemoryStore) SaveSummary(_ context.Context, sum model.Summary) error {
	defer observe("save_summary", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records(sum.SessionID).summary = &sum
	return nil
}

// Windows implements Store.
func (s *MemoryStore) Windows(_ context.Context, id string, limit int) ([]model.FeatureWindow, error) {
	defer observe("windows", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := make([]model.FeatureWindow, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return tail(out, limit), nil
}

// Derived implements Store.
func (s *MemoryStore) Derived(_ context.Context, id string) ([]model.DerivedStatistic, error) {
	defer observe("derived", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := make([]model.DerivedStatistic, 0, len(r.derived))
	for _, ds := range r.derived {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].Feature < out[j].Feature
	})
	return out, nil
}

// Scores implements Store.
func (s *MemoryStore) Scores(_ context.Context, id string, limit int) ([]model.FatigueScore, error) {
	defer observe("scores", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := make([]model.FatigueScore, 0, len(r.scores))
	for _, fs := range r.scores {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return tail(out, limit), nil
}

// Summary implements Store.
func (s *MemoryStore) Summary(_ context.Context, id string) (model.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok || r.summary == nil {
		return model.Summary{}, ErrNotFound
	}
	return *r.summary, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
