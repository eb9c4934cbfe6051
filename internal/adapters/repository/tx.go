package repository

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

const retryBaseDelay = 2 * time.Millisecond

// runWithRetry runs attempt until it succeeds, fails with a non-retryable
// error, or the attempt budget is spent.
func runWithRetry(ctx context.Context, o options, driver string, attempt func(context.Context) error, retryable func(error) bool) error {
	var last error
	for i := 1; i <= o.maxTxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		last = err
		if i == o.maxTxAttempts {
			break
		}

		metrics.RecordTransactionRetry()
		o.log.Debug(ctx, "transaction contended, retrying",
			logger.String("driver", driver),
			logger.Int("attempt", i),
			logger.Error(err))

		// jittered linear backoff
		delay := time.Duration(rand.Int64N(int64(retryBaseDelay) * int64(i)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	metrics.RecordTransactionConflict()
	return fmt.Errorf("%w after %d attempts: %w", ErrConflict, o.maxTxAttempts, last)
}
