package trigger

import (
	"context"
	"fmt"

	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/logger"
)

// EventHandler processes at-least-once pass notifications.
type EventHandler struct {
	src PassSource
	agg Aggregator
	log logger.Logger
}

// NewEventHandler creates an event handler.
func NewEventHandler(src PassSource, agg Aggregator, log logger.Logger) *EventHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventHandler{src: src, agg: agg, log: log}
}

// Process aggregates the pass named by n. Redelivered notifications end as
// already_processed skips.
func (h *EventHandler) Process(ctx context.Context, n model.PassNotification) (model.Result, error) {
	data, err := lookup(ctx, h.src, n.PassID)
	if err != nil {
		return model.Result{}, fmt.Errorf("load pass %s: %w", n.PassID, err)
	}
	return aggregateOne(ctx, h.agg, h.log, Event, n.PassID, data)
}
