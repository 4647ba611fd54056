package service

import (
	"sync"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
)

// tombstone reserves a terminated session id until it expires.
type tombstone struct {
	info    model.SessionInfo
	expires time.Time
}

// registry maps session ids to live actors and to the tombstones of
// terminated sessions. The lock covers only the maps; pipelines are owned by
// their actors.
type registry struct {
	mu    sync.Mutex
	live  map[string]*actor
	tombs map[string]tombstone
	max   int
	ttl   time.Duration

	// closed refuses new sessions once shutdown has begun.
	closed bool
}

func newRegistry(maxSessions int, ttl time.Duration) *registry {
	return &registry{
		live:  make(map[string]*actor),
		tombs: make(map[string]tombstone),
		max:   maxSessions,
		ttl:   ttl,
	}
}

// lookup returns the live actor or the unexpired tombstone of id.
// Callers hold r.mu.
func (r *registry) lookup(id string, now time.Time) (*actor, *tombstone) {
	if a, ok := r.live[id]; ok {
		return a, nil
	}
	if t, ok := r.tombs[id]; ok {
		if now.Before(t.expires) {
			return nil, &t
		}
		delete(r.tombs, id)
	}
	return nil, nil
}

// bury replaces the live entry of a with a tombstone.
func (r *registry) bury(a *actor, info model.SessionInfo, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[a.id]; ok && cur == a {
		delete(r.live, a.id)
	}
	if r.ttl > 0 {
		r.tombs[a.id] = tombstone{info: info, expires: now.Add(r.ttl)}
	}
	return len(r.tombs)
}

// evict drops expired tombstones and returns how many remain.
func (r *registry) evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tombs {
		if !now.Before(t.expires) {
			delete(r.tombs, id)
		}
	}
	return len(r.tombs)
}

// actors returns a snapshot of the live actors.
func (r *registry) actors() []*actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*actor, 0, len(r.live))
	for _, a := range r.live {
		out = append(out, a)
	}
	return out
}

// shutdown stops admitting sessions and returns the live actors.
func (r *registry) shutdown() []*actor {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.actors()
}

func (r *registry) counts() (live, tombs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live), len(r.tombs)
}
