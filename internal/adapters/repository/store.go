// Package repository defines the transactional pass/aggregate store and its drivers.
package repository

import (
	"context"
	"time"

	"github.com/okian/roughmap/internal/domain/model"
)

// DefaultMaxTxAttempts bounds automatic retries of a contended transaction.
const DefaultMaxTxAttempts = 5

// MaxListLimit caps the number of passes a single list call may return.
const MaxListLimit = 10_000

// Store provides access to passes, cell aggregates and city roots.
type Store interface {
	// RunInTransaction runs fn as one atomic read-modify-write. On contention
	// fn is re-run from scratch; after the attempt budget is spent the
	// returned error wraps ErrConflict. An error returned by fn aborts the
	// transaction and nothing it wrote becomes visible.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CreatePass stores a new unprocessed pass. Returns ErrDuplicate if the id exists.
	CreatePass(ctx context.Context, p model.SegmentPass) error
	// GetPass returns ErrNotFound if the pass is unknown.
	GetPass(ctx context.Context, id string) (model.SegmentPass, error)
	// GetAggregate returns ErrNotFound if the cell has no aggregate yet.
	GetAggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error)
	// GetCityRoot returns ErrNotFound if the city was never aggregated.
	GetCityRoot(ctx context.Context, cityID string) (model.CityRoot, error)

	// ListUnprocessed returns up to limit unprocessed passes, newest first.
	ListUnprocessed(ctx context.Context, limit int) ([]model.SegmentPass, error)
	// ListCityPasses returns up to limit passes of one city, newest first.
	ListCityPasses(ctx context.Context, cityID string, limit int) ([]model.SegmentPass, error)
	// ListAggregates returns a city's aggregates ordered by cell id.
	ListAggregates(ctx context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error)
	// CountAggregates returns the number of aggregates across all cities.
	CountAggregates(ctx context.Context) (int, error)

	Close() error
}

// Tx is the handle passed to a transaction body. Reads observe writes made
// earlier in the same transaction.
type Tx interface {
	GetPass(ctx context.Context, id string) (model.SegmentPass, error)
	GetAggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error)
	// PutAggregate writes the full aggregate record.
	PutAggregate(ctx context.Context, agg model.SegmentAggregate) error
	// PutCityRoot writes the city bookkeeping fields.
	PutCityRoot(ctx context.Context, root model.CityRoot) error
	// MarkProcessed sets processed=true and the processing time on a pass.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

func checkLimit(limit int) error {
	if limit < 1 || limit > MaxListLimit {
		return ErrInvalidLimit
	}
	return nil
}
