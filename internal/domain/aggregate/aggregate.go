// Package aggregate folds segment passes into per-cell rolling aggregates.
//
// AggregateSegmentPass is the only code path that writes a pass's processed
// marker, a cell's window or its lifetime counters. It runs as one store
// transaction that re-reads the pass, so redundant or concurrent calls for
// the same pass converge to a single merge and every other call reports a
// skip.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/internal/domain/window"
	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

// Aggregator merges passes into aggregates. It holds no per-pass state and
// is safe for concurrent use.
type Aggregator struct {
	store              repository.Store
	maxRecentPasses    int
	minPassesToPublish int
	now                func() time.Time
	log                logger.Logger
}

// New creates an aggregator over store.
func New(store repository.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:              store,
		maxRecentPasses:    DefaultMaxRecentPasses,
		minPassesToPublish: DefaultMinPassesToPublish,
		now:                time.Now,
		log:                logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AggregateSegmentPass merges the pass identified by passID, using data as
// its currently known field values. Validation and idempotency outcomes are
// reported as skipped results; an error means the transaction failed and
// nothing was written.
func (a *Aggregator) AggregateSegmentPass(ctx context.Context, passID string, data *model.SegmentPass) (model.Result, error) {
	start := time.Now()
	res, err := a.aggregate(ctx, passID, data)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		metrics.RecordAggregation("error", latencyMs)
		metrics.RecordErrorByComponent("aggregator", "transaction_error")
		a.log.Error(ctx, "aggregation failed", logger.String("passId", passID), logger.Error(err))
		return model.Result{}, fmt.Errorf("aggregate pass %s: %w", passID, err)
	}

	metrics.RecordAggregation(res.Outcome(), latencyMs)
	if res.Skipped {
		a.log.Debug(ctx, "aggregation skipped",
			logger.String("passId", passID),
			logger.String("reason", string(res.Reason)),
			logger.String("fields", strings.Join(res.Fields, ",")))
		return res, nil
	}
	metrics.RecordWindowSize(res.Passes)
	a.log.Info(ctx, "pass merged",
		logger.String("passId", passID),
		logger.String("cityId", res.CityID),
		logger.String("cellId", res.CellID),
		logger.Float64("roughnessPercent", res.RoughnessPercent),
		logger.Int("passes", res.Passes))
	return res, nil
}

func (a *Aggregator) aggregate(ctx context.Context, passID string, data *model.SegmentPass) (model.Result, error) {
	if data == nil {
		return model.Skip(passID, model.ReasonMissingData), nil
	}
	if passID == "" {
		passID = data.ID
	}
	if fields := data.MissingFields(); len(fields) > 0 {
		return model.Skip(passID, model.ReasonMissingFields, fields...), nil
	}

	var res model.Result
	err := a.store.RunInTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = a.merge(ctx, tx, passID, data)
		return err
	})
	return res, err
}

// merge is the transaction body. It may run several times on contention,
// so it must not touch anything outside tx.
func (a *Aggregator) merge(ctx context.Context, tx repository.Tx, passID string, data *model.SegmentPass) (model.Result, error) {
	now := a.now().UTC()

	stored, err := tx.GetPass(ctx, passID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Skip(passID, model.ReasonMissingRawDoc), nil
	}
	if err != nil {
		return model.Result{}, err
	}
	if stored.Processed {
		return model.Skip(passID, model.ReasonAlreadyProcessed), nil
	}

	cityID, cellID := data.CityID, data.CellID
	agg, err := tx.GetAggregate(ctx, cityID, cellID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		agg = model.SegmentAggregate{CityID: cityID, CellID: cellID}
	case err != nil:
		return model.Result{}, err
	}

	win := window.New(a.maxRecentPasses, window.Normalize(agg.RecentSamples))

	// Merged by an earlier transaction that never got to mark the pass.
	if win.Contains(passID) {
		if err := tx.MarkProcessed(ctx, passID, now); err != nil {
			return model.Result{}, err
		}
		return model.Skip(passID, model.ReasonAlreadyInWindow), nil
	}

	weight := data.Weight()
	win.Insert(model.RecentSample{
		PassID:      passID,
		Roughness:   data.RoughnessPercent,
		SampleCount: weight,
		TimestampMs: passTime(data, stored, now).UnixMilli(),
	})
	mean, windowWeight := win.WeightedMean(data.RoughnessPercent)

	agg.CityID, agg.CellID = cityID, cellID
	agg.RecentSamples = win.Entries()
	agg.RoughnessPercent = mean
	agg.SampleCount = windowWeight
	agg.Passes = win.Len()
	agg.PassesAllTime++
	agg.SamplesAllTime += int64(weight)
	agg.Published = agg.Passes >= a.minPassesToPublish
	if newest, ok := win.Newest(); ok {
		agg.LastAssessedAt = time.UnixMilli(newest.TimestampMs).UTC()
	}
	agg.UpdatedAt = now

	// First known geometry and road type win and are never refreshed.
	if agg.Geometry.IsZero() {
		agg.Geometry = data.Geometry.Normalize()
	}
	if agg.RoadTypeHint == "" {
		agg.RoadTypeHint = strings.TrimSpace(data.RoadTypeHint)
	}

	if err := tx.PutAggregate(ctx, agg); err != nil {
		return model.Result{}, err
	}
	if err := tx.PutCityRoot(ctx, model.CityRoot{
		CityID:        cityID,
		LastAggAt:     now,
		LastAggDocID:  passID,
		LastAggCellID: cellID,
	}); err != nil {
		return model.Result{}, err
	}
	if err := tx.MarkProcessed(ctx, passID, now); err != nil {
		return model.Result{}, err
	}

	return model.Result{
		PassID:           passID,
		CityID:           cityID,
		CellID:           cellID,
		RoughnessPercent: mean,
		SampleCount:      windowWeight,
		Passes:           agg.Passes,
		Published:        agg.Published,
	}, nil
}

// passTime is the pass creation time, falling back to the stored record and
// then to now.
func passTime(data *model.SegmentPass, stored model.SegmentPass, now time.Time) time.Time {
	switch {
	case !data.CreatedAt.IsZero():
		return data.CreatedAt
	case !stored.CreatedAt.IsZero():
		return stored.CreatedAt
	default:
		return now
	}
}
