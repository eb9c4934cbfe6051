package trigger

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/okian/roughmap/pkg/logger"
)

// Backfill limits.
const (
	DefaultBackfillLimit = 2000
	MaxBackfillLimit     = 5000
)

// BackfillerOption configures a Backfiller.
type BackfillerOption func(*Backfiller)

// WithBackfillLimits sets the default and maximum number of passes per run.
func WithBackfillLimits(defaultLimit, maxLimit int) BackfillerOption {
	return func(b *Backfiller) {
		if maxLimit > 0 {
			b.maxLimit = maxLimit
		}
		if defaultLimit > 0 && defaultLimit <= b.maxLimit {
			b.defaultLimit = defaultLimit
		}
	}
}

// WithBackfillRate paces backfill transactions. Zero or negative removes pacing.
func WithBackfillRate(perSecond float64) BackfillerOption {
	return func(b *Backfiller) {
		if perSecond <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBackfillLogger sets the backfiller logger.
func WithBackfillLogger(l logger.Logger) BackfillerOption {
	return func(b *Backfiller) {
		if l != nil {
			b.log = l
		}
	}
}

// Backfiller re-feeds a city's existing passes through the aggregator, one
// transaction per pass.
type Backfiller struct {
	src          PassSource
	agg          Aggregator
	defaultLimit int
	maxLimit     int
	limiter      *rate.Limiter
	log          logger.Logger
}

// NewBackfiller creates a backfiller.
func NewBackfiller(src PassSource, agg Aggregator, opts ...BackfillerOption) *Backfiller {
	b := &Backfiller{
		src:          src,
		agg:          agg,
		defaultLimit: DefaultBackfillLimit,
		maxLimit:     MaxBackfillLimit,
		log:          logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Backfill aggregates up to limit of the city's most recent passes. A zero
// limit uses the default; limits above the maximum are rejected.
func (b *Backfiller) Backfill(ctx context.Context, cityID string, limit int) (Report, error) {
	if cityID == "" {
		return newReport(Backfill), ErrMissingCity
	}
	if limit == 0 {
		limit = b.defaultLimit
	}
	if limit < 0 || limit > b.maxLimit {
		return newReport(Backfill), fmt.Errorf("%w: %d (max %d)", ErrInvalidLimit, limit, b.maxLimit)
	}

	passes, err := b.src.ListCityPasses(ctx, cityID, limit)
	if err != nil {
		return newReport(Backfill), fmt.Errorf("list passes of %s: %w", cityID, err)
	}

	var pace waiter
	if b.limiter != nil {
		pace = b.limiter
	}
	return runBatch(ctx, b.agg, b.log, Backfill, passes, pace)
}
