package testpasses

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"net/url"
	"slices"
	"time"

	"github.com/okian/roughmap/pkg/logger"
)

// cellKey identifies one aggregate.
type cellKey struct {
	CityID string
	CellID string
}

// expectation is what the service should converge to for one cell.
type expectation struct {
	Mean        float64
	SampleCount int
	Passes      int
}

// expectedAggregates computes the weighted mean of the newest window passes
// of every cell, ordered by creation time then id. Resubmissions do not count.
func expectedAggregates(passes []Pass, window int) map[cellKey]expectation {
	byCell := make(map[cellKey][]Pass)
	for _, p := range passes {
		k := cellKey{CityID: p.CityID, CellID: p.CellID}
		byCell[k] = append(byCell[k], p)
	}

	out := make(map[cellKey]expectation, len(byCell))
	for k, ps := range byCell {
		slices.SortFunc(ps, func(a, b Pass) int {
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
		})
		if len(ps) > window {
			ps = ps[len(ps)-window:]
		}
		var sum float64
		var weight int
		for _, p := range ps {
			w := max(p.SampleCount, 1)
			sum += p.RoughnessPercent * float64(w)
			weight += w
		}
		out[k] = expectation{Mean: sum / float64(weight), SampleCount: weight, Passes: len(ps)}
	}
	return out
}

// verifyAggregates polls every expected cell until it matches or the settle
// time runs out. Cells still wrong at the deadline are reported.
func verifyAggregates(ctx context.Context, config *Config, plan *Plan, stats *Stats) error {
	log := logger.Get().Named("verify")
	want := expectedAggregates(plan.Passes, config.Window)
	stats.CellsExpected = len(want)
	log.Info(ctx, "verifying aggregates", logger.Int("cells", len(want)))

	client := newHTTPClient(config.Timeout)
	pending := make(map[cellKey]expectation, len(want))
	for k, v := range want {
		pending[k] = v
	}

	start := time.Now()
	deadline := start.Add(config.Settle)
	var lastErr error
	for {
		for k, exp := range pending {
			var got Aggregate
			u := fmt.Sprintf("%s/aggregates/%s/%s", config.BaseURL, url.PathEscape(k.CityID), url.PathEscape(k.CellID))
			if _, err := client.getJSON(ctx, u, &got); err != nil {
				lastErr = err
				continue
			}
			if err := compareAggregate(exp, got); err != nil {
				lastErr = fmt.Errorf("%s/%s: %w", k.CityID, k.CellID, err)
				continue
			}
			delete(pending, k)
		}
		if len(pending) == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	stats.VerificationTime = time.Since(start)
	stats.CellsMismatched = len(pending)
	stats.CellsMatched = len(want) - len(pending)

	if len(pending) > 0 {
		log.Error(ctx, "aggregates did not converge",
			logger.Int("mismatched", len(pending)),
			logger.Error(lastErr))
		return fmt.Errorf("%d of %d cells did not converge: %w", len(pending), len(want), lastErr)
	}
	log.Info(ctx, "aggregates verified",
		logger.Int("cells", len(want)),
		logger.Duration("took", stats.VerificationTime))
	return nil
}

func compareAggregate(want expectation, got Aggregate) error {
	switch {
	case got.Passes != want.Passes:
		return fmt.Errorf("passes %d, want %d", got.Passes, want.Passes)
	case got.SampleCount != want.SampleCount:
		return fmt.Errorf("sample count %d, want %d", got.SampleCount, want.SampleCount)
	case got.RoughnessPercent == nil:
		return fmt.Errorf("roughness missing, want %.6f", want.Mean)
	case math.Abs(*got.RoughnessPercent-want.Mean) > meanTolerance:
		return fmt.Errorf("roughness %.6f, want %.6f", *got.RoughnessPercent, want.Mean)
	}
	return nil
}
