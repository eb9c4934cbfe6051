package trigger

import (
	"context"
	"fmt"

	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/logger"
)

// Replayer re-runs aggregation for a single pass on operator request.
type Replayer struct {
	src PassSource
	agg Aggregator
	log logger.Logger
}

// NewReplayer creates a replayer.
func NewReplayer(src PassSource, agg Aggregator, log logger.Logger) *Replayer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Replayer{src: src, agg: agg, log: log}
}

// Replay aggregates one pass and returns the aggregator's verdict.
func (r *Replayer) Replay(ctx context.Context, passID string) (model.Result, error) {
	if passID == "" {
		return model.Result{}, ErrMissingPass
	}
	data, err := lookup(ctx, r.src, passID)
	if err != nil {
		return model.Result{}, fmt.Errorf("replay %s: %w", passID, err)
	}
	return aggregateOne(ctx, r.agg, r.log, Replay, passID, data)
}
