// Package trigger holds the call sites that feed passes to the aggregator:
// event notifications, the periodic backstop sweep, operator replay and
// historical backfill. Each of them only ever calls AggregateSegmentPass and
// tolerates per-pass failures without aborting its batch.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

// Trigger names used in reports, logs and metrics.
const (
	Event    = "event"
	Sweep    = "sweep"
	Replay   = "replay"
	Backfill = "backfill"
)

// Aggregator is the single merge entry point.
type Aggregator interface {
	AggregateSegmentPass(ctx context.Context, passID string, data *model.SegmentPass) (model.Result, error)
}

// PassSource reads passes for the triggers.
type PassSource interface {
	GetPass(ctx context.Context, id string) (model.SegmentPass, error)
	ListUnprocessed(ctx context.Context, limit int) ([]model.SegmentPass, error)
	ListCityPasses(ctx context.Context, cityID string, limit int) ([]model.SegmentPass, error)
}

// Report tallies one batch run.
type Report struct {
	Trigger    string                   `json:"trigger"`
	Scanned    int                      `json:"scanned"`
	Merged     int                      `json:"merged"`
	Skipped    map[model.SkipReason]int `json:"skipped"`
	Failed     int                      `json:"failed"`
	FailedIDs  []string                 `json:"failedIds,omitempty"`
	DurationMs int64                    `json:"durationMs"`
}

func newReport(trigger string) Report {
	return Report{Trigger: trigger, Skipped: make(map[model.SkipReason]int)}
}

// SkippedTotal sums all skip reasons.
func (r Report) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

func (r *Report) add(res model.Result) {
	if res.Skipped {
		r.Skipped[res.Reason]++
		return
	}
	r.Merged++
}

// waiter paces a batch; *rate.Limiter satisfies it.
type waiter interface {
	Wait(ctx context.Context) error
}

// aggregateOne runs one pass through the aggregator and records the outcome.
func aggregateOne(ctx context.Context, agg Aggregator, log logger.Logger, trigger, passID string, data *model.SegmentPass) (model.Result, error) {
	metrics.RecordTriggerPass(trigger)
	res, err := agg.AggregateSegmentPass(ctx, passID, data)
	if err != nil {
		metrics.RecordTriggerFailure(trigger)
		log.Error(ctx, "pass aggregation failed",
			logger.String("trigger", trigger),
			logger.String("passId", passID),
			logger.Error(err))
	}
	return res, err
}

// runBatch aggregates passes one transaction at a time. Individual failures
// are logged and counted; only context cancellation stops the batch.
func runBatch(ctx context.Context, agg Aggregator, log logger.Logger, trigger string, passes []model.SegmentPass, pace waiter) (Report, error) {
	start := time.Now()
	report := newReport(trigger)

	for i := range passes {
		if pace != nil {
			if err := pace.Wait(ctx); err != nil {
				report.DurationMs = time.Since(start).Milliseconds()
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			report.DurationMs = time.Since(start).Milliseconds()
			return report, err
		}

		p := &passes[i]
		report.Scanned++
		res, err := aggregateOne(ctx, agg, log, trigger, p.ID, p)
		if err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, p.ID)
			continue
		}
		report.add(res)
	}

	report.DurationMs = time.Since(start).Milliseconds()
	log.Info(ctx, "batch finished",
		logger.String("trigger", trigger),
		logger.Int("scanned", report.Scanned),
		logger.Int("merged", report.Merged),
		logger.Int("skipped", report.SkippedTotal()),
		logger.Int("failed", report.Failed))
	return report, nil
}

// lookup fetches a pass for single-record triggers. A missing record is
// handed to the aggregator as absent data so it reports the skip.
func lookup(ctx context.Context, src PassSource, passID string) (*model.SegmentPass, error) {
	p, err := src.GetPass(ctx, passID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
