// Package dedupe tracks recently seen event ids so broker redeliveries are
// admitted at most once.
package dedupe

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSize = 50000

// Deduper records seen event IDs.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord removes an ID so a later delivery is admitted again. Used when
	// an event was recorded but could not be handed to its session.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// lruDeduper keeps the most recently recorded ids; the least recently seen
// id is evicted once maxSize is reached.
type lruDeduper struct {
	maxSize int
	cache   *lru.Cache[string, struct{}]
}

// NewInMemoryDeduper creates a bounded in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &lruDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxSize <= 0 {
		d.maxSize = defaultMaxSize
	}
	cache, err := lru.New[string, struct{}](d.maxSize)
	if err != nil {
		// only returned for a non-positive size, excluded above
		panic(err)
	}
	d.cache = cache
	return d
}

func (d *lruDeduper) SeenAndRecord(_ context.Context, id string) bool {
	seen, _ := d.cache.ContainsOrAdd(id, struct{}{})
	if seen {
		// refresh recency
		d.cache.Get(id)
	}
	return seen
}

func (d *lruDeduper) Unrecord(_ context.Context, id string) {
	d.cache.Remove(id)
}

func (d *lruDeduper) Size() int64 {
	return int64(d.cache.Len())
}
