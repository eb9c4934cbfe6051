package repository

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/okian/roughmap/internal/domain/model"
)

// errStale marks a commit whose read set changed underneath it.
var errStale = errors.New("stale read")

// MemoryStore is an in-process Store with optimistic concurrency: every
// document carries a version, a transaction records the versions it read and
// commit fails if any of them moved. Failed commits are retried.
type MemoryStore struct {
	opts options

	mu         sync.RWMutex
	passes     map[string]model.SegmentPass
	aggregates map[string]model.SegmentAggregate
	roots      map[string]model.CityRoot
	versions   map[string]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:       newOptions(opts),
		passes:     make(map[string]model.SegmentPass),
		aggregates: make(map[string]model.SegmentAggregate),
		roots:      make(map[string]model.CityRoot),
		versions:   make(map[string]uint64),
	}
}

func passKey(id string) string           { return "pass/" + id }
func aggKey(cityID, cellID string) string { return "agg/" + cityID + "/" + cellID }
func rootKey(cityID string) string        { return "city/" + cityID }

// RunInTransaction implements Store.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, s.opts, "memory", func(ctx context.Context) error {
		tx := &memTx{
			s:      s,
			reads:  make(map[string]uint64),
			passes: make(map[string]model.SegmentPass),
			aggs:   make(map[string]model.SegmentAggregate),
			roots:  make(map[string]model.CityRoot),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(tx)
	}, func(err error) bool { return errors.Is(err, errStale) })
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tx.reads {
		if s.versions[k] != v {
			return errStale
		}
	}
	for id, p := range tx.passes {
		s.passes[id] = p
		s.versions[passKey(id)]++
	}
	for k, a := range tx.aggs {
		s.aggregates[k] = a
		s.versions[k]++
	}
	for id, r := range tx.roots {
		s.roots[id] = r
		s.versions[rootKey(id)]++
	}
	return nil
}

// CreatePass implements Store.
func (s *MemoryStore) CreatePass(_ context.Context, p model.SegmentPass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.passes[p.ID]; ok {
		return ErrDuplicate
	}
	s.passes[p.ID] = clonePass(p)
	s.versions[passKey(p.ID)]++
	return nil
}

// GetPass implements Store.
func (s *MemoryStore) GetPass(_ context.Context, id string) (model.SegmentPass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.passes[id]
	if !ok {
		return model.SegmentPass{}, ErrNotFound
	}
	return clonePass(p), nil
}

// GetAggregate implements Store.
func (s *MemoryStore) GetAggregate(_ context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aggregates[aggKey(cityID, cellID)]
	if !ok {
		return model.SegmentAggregate{}, ErrNotFound
	}
	return cloneAggregate(a), nil
}

// GetCityRoot implements Store.
func (s *MemoryStore) GetCityRoot(_ context.Context, cityID string) (model.CityRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roots[cityID]
	if !ok {
		return model.CityRoot{}, ErrNotFound
	}
	return r, nil
}

// ListUnprocessed implements Store.
func (s *MemoryStore) ListUnprocessed(_ context.Context, limit int) ([]model.SegmentPass, error) {
	return s.listPasses(limit, func(p model.SegmentPass) bool { return !p.Processed })
}

// ListCityPasses implements Store.
func (s *MemoryStore) ListCityPasses(_ context.Context, cityID string, limit int) ([]model.SegmentPass, error) {
	return s.listPasses(limit, func(p model.SegmentPass) bool { return p.CityID == cityID })
}

func (s *MemoryStore) listPasses(limit int, keep func(model.SegmentPass) bool) ([]model.SegmentPass, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]model.SegmentPass, 0, min(limit, len(s.passes)))
	for _, p := range s.passes {
		if keep(p) {
			out = append(out, clonePass(p))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.SegmentPass) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAggregates implements Store.
func (s *MemoryStore) ListAggregates(_ context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error) {
	s.mu.RLock()
	var out []model.SegmentAggregate
	for _, a := range s.aggregates {
		if a.CityID != cityID || (publishedOnly && !a.Published) {
			continue
		}
		out = append(out, cloneAggregate(a))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.SegmentAggregate) int { return cmp.Compare(a.CellID, b.CellID) })
	return out, nil
}

// CountAggregates implements Store.
func (s *MemoryStore) CountAggregates(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aggregates), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// memTx buffers writes until commit and records the version of every
// document it reads.
type memTx struct {
	s      *MemoryStore
	reads  map[string]uint64
	passes map[string]model.SegmentPass
	aggs   map[string]model.SegmentAggregate
	roots  map[string]model.CityRoot
}

func (tx *memTx) track(key string) {
	if _, ok := tx.reads[key]; !ok {
		tx.reads[key] = tx.s.versions[key]
	}
}

func (tx *memTx) GetPass(_ context.Context, id string) (model.SegmentPass, error) {
	if p, ok := tx.passes[id]; ok {
		return clonePass(p), nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	tx.track(passKey(id))
	p, ok := tx.s.passes[id]
	if !ok {
		return model.SegmentPass{}, ErrNotFound
	}
	return clonePass(p), nil
}

func (tx *memTx) GetAggregate(_ context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	key := aggKey(cityID, cellID)
	if a, ok := tx.aggs[key]; ok {
		return cloneAggregate(a), nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	tx.track(key)
	a, ok := tx.s.aggregates[key]
	if !ok {
		return model.SegmentAggregate{}, ErrNotFound
	}
	return cloneAggregate(a), nil
}

func (tx *memTx) PutAggregate(_ context.Context, agg model.SegmentAggregate) error {
	tx.aggs[aggKey(agg.CityID, agg.CellID)] = cloneAggregate(agg)
	return nil
}

func (tx *memTx) PutCityRoot(_ context.Context, root model.CityRoot) error {
	tx.roots[root.CityID] = root
	return nil
}

func (tx *memTx) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	p, err := tx.GetPass(ctx, id)
	if err != nil {
		return err
	}
	p.Processed = true
	p.ProcessedAt = &at
	tx.passes[id] = p
	return nil
}

func clonePass(p model.SegmentPass) model.SegmentPass {
	p.Geometry = cloneGeometry(p.Geometry)
	if p.ProcessedAt != nil {
		at := *p.ProcessedAt
		p.ProcessedAt = &at
	}
	return p
}

func cloneAggregate(a model.SegmentAggregate) model.SegmentAggregate {
	a.RecentSamples = slices.Clone(a.RecentSamples)
	a.Geometry = cloneGeometry(a.Geometry)
	return a
}

func cloneGeometry(g model.Geometry) model.Geometry {
	if g.Line != nil {
		l := *g.Line
		g.Line = &l
	}
	if g.Centroid != nil {
		c := *g.Centroid
		g.Centroid = &c
	}
	return g
}
