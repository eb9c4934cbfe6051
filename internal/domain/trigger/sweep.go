package trigger

import (
	"context"
	"time"

	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

// DefaultSweepBatchSize is the number of recent unprocessed passes a sweep rescans.
const DefaultSweepBatchSize = 200

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepBatchSize sets how many unprocessed passes one sweep picks up.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSweepInterval sets the period of Run. Zero disables the loop.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(l logger.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// Sweeper is the backstop that rescans recent unprocessed passes missed by
// the event trigger.
type Sweeper struct {
	src       PassSource
	agg       Aggregator
	batchSize int
	interval  time.Duration
	log       logger.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(src PassSource, agg Aggregator, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		src:       src,
		agg:       agg,
		batchSize: DefaultSweepBatchSize,
		interval:  time.Minute,
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce sweeps one batch.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	return s.RunLimit(ctx, s.batchSize)
}

// RunLimit sweeps up to limit passes.
func (s *Sweeper) RunLimit(ctx context.Context, limit int) (Report, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	passes, err := s.src.ListUnprocessed(ctx, limit)
	if err != nil {
		return newReport(Sweep), err
	}
	report, err := runBatch(ctx, s.agg, s.log, Sweep, passes, nil)
	metrics.RecordSweepCompleted(time.Now())
	return report, err
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(ctx, "sweep failed", logger.Error(err))
			}
		}
	}
}
