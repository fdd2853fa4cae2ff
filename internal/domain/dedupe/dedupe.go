// Package dedupe tracks mutation ids so a notification delivered twice is
// applied once.
package dedupe

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSize = 10_000

// Deduper records seen ids to ensure at-most-once processing.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a failed attempt can be retried.
	Unrecord(ctx context.Context, id string)

	Size() int
}

// NewInMemoryDeduper creates a deduper. Bounded dedupers forget the least
// recently seen id first; WithMaxSize(0) keeps every id.
func NewInMemoryDeduper(opts ...Option) Deduper {
	cfg := config{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxSize <= 0 {
		return &unboundedDeduper{seen: make(map[string]struct{})}
	}
	cache, err := lru.New[string, struct{}](cfg.maxSize)
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(err)
	}
	return &boundedDeduper{cache: cache}
}

type boundedDeduper struct {
	cache *lru.Cache[string, struct{}]
}

func (d *boundedDeduper) SeenAndRecord(_ context.Context, id string) bool {
	seen, _ := d.cache.ContainsOrAdd(id, struct{}{})
	if seen {
		// Refresh recency so a retried id is not the next one evicted.
		d.cache.Get(id)
	}
	return seen
}

func (d *boundedDeduper) Unrecord(_ context.Context, id string) {
	d.cache.Remove(id)
}

func (d *boundedDeduper) Size() int {
	return d.cache.Len()
}

type unboundedDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (d *unboundedDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	return false
}

func (d *unboundedDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

func (d *unboundedDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
