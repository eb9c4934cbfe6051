// Package dedupe suppresses duplicate in-flight work for the same pass.
//
// Durable idempotency lives in the store (the processed flag and the
// recent-samples window). This filter only keeps two workers from racing
// on one pass id inside a single process, so a redelivered notification
// arriving while the first is still being merged is dropped early.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/roughmap/pkg/metrics"
)

// Deduper tracks pass ids currently being processed.
type Deduper interface {
	// SeenAndRecord atomically checks whether id is in flight and claims it
	// if not. It returns true when another caller already holds id.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord releases id once its processing attempt has finished,
	// whatever the outcome.
	Unrecord(ctx context.Context, id string)

	// Size returns the number of ids currently held.
	Size() int64
}

type inMemoryDeduper struct {
	mu      sync.Mutex
	held    map[string]struct{}
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a deduper. With a positive WithMaxSize, claims
// beyond that many concurrent ids are refused (reported as seen) so callers
// back off instead of growing the set without bound.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{held: make(map[string]struct{})}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[id]; ok {
		return true
	}
	if d.maxSize > 0 && len(d.held) >= d.maxSize {
		metrics.RecordErrorByComponent("dedupe", "saturated")
		return true
	}
	d.held[id] = struct{}{}
	metrics.UpdateInflightPasses(d.size.Add(1))
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[id]; !ok {
		return
	}
	delete(d.held, id)
	metrics.UpdateInflightPasses(d.size.Add(-1))
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
