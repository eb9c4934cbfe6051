package testpasses

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/okian/roughmap/internal/domain/gate"
	"github.com/okian/roughmap/internal/domain/roughness"
	"github.com/okian/roughmap/pkg/logger"
)

// Plan is one generated run: the drives plus the ids submitted twice.
type Plan struct {
	RunID      string
	Passes     []Pass
	Duplicates []int
}

// generatePlan synthesizes drives spread over cities and cells. Each run gets
// its own city ids so repeated runs against a persistent store do not mix.
// Roughness is scored locally with the service's gate and scorer.
func generatePlan(ctx context.Context, config *Config, stats *Stats) (*Plan, error) {
	logger.Get().Info(ctx, "generating drives",
		logger.Int("numPasses", config.NumPasses),
		logger.Int("cities", config.Cities),
		logger.Int("cellsPerCity", config.CellsPerCity))

	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15))
	scorer := roughness.NewScorer()
	plan := &Plan{
		RunID:  uuid.NewString()[:8],
		Passes: make([]Pass, 0, config.NumPasses),
	}
	start := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < config.NumPasses; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during generation: %w", err)
		}
		city := i % config.Cities
		cell := (i / config.Cities) % config.CellsPerCity

		p := Pass{
			ID:          uuid.NewString(),
			CityID:      fmt.Sprintf("load_%s_%02d", plan.RunID, city),
			CellID:      fmt.Sprintf("cell_%03d", cell),
			CreatedAt:   start.Add(time.Duration(i) * passSpacing),
			CentroidLat: baseLat + float64(cell)*cellStepDeg,
			CentroidLng: baseLng + float64(city)*cellStepDeg,
			Samples:     generateTrace(rng, cellAmplitude(city, cell)),
		}
		if err := scorePass(scorer, config.Trim, &p); err != nil {
			return nil, fmt.Errorf("pass %d: %w", i, err)
		}
		stats.SamplesDropped += p.Dropped
		plan.Passes = append(plan.Passes, p)
	}

	dupes := int(float64(config.NumPasses) * config.DuplicateRate)
	for i := 0; i < dupes; i++ {
		plan.Duplicates = append(plan.Duplicates, rng.IntN(config.NumPasses))
	}

	stats.PassesGenerated = len(plan.Passes)
	logger.Get().Info(ctx, "generated drives",
		logger.String("runId", plan.RunID),
		logger.Int("count", len(plan.Passes)),
		logger.Int("duplicates", len(plan.Duplicates)),
		logger.Int("samplesDropped", stats.SamplesDropped))
	return plan, nil
}

// cellAmplitude gives every cell a stable surface so means differ across cells.
func cellAmplitude(city, cell int) float64 {
	return 0.2 + float64((city*7+cell*3)%10)*0.3
}

// generateTrace produces a vertical-acceleration trace sampled every
// sampleIntervalMs, with an occasional burst of phone handling.
func generateTrace(rng *rand.Rand, amplitude float64) []Sample {
	n := minSamples + rng.IntN(sampleSpread)
	burstAt := -1
	if rng.Float64() < handlingChance {
		burstAt = rng.IntN(n - handlingSamples)
	}

	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{
			T:        float64(i) * sampleIntervalMs,
			Az:       gravity + amplitude*rng.NormFloat64(),
			Handling: burstAt >= 0 && i >= burstAt && i < burstAt+handlingSamples,
		}
	}
	return out
}

// scorePass fills the roughness fields of p from its trace.
func scorePass(scorer *roughness.Scorer, trim time.Duration, p *Pass) error {
	trace := make([]roughness.TraceSample, len(p.Samples))
	for i, s := range p.Samples {
		trace[i] = roughness.TraceSample{TimestampMs: s.T, Accel: s.Az, Handling: s.Handling}
	}
	res, err := scorer.ScoreTrace(gate.New(gate.WithTrim(trim)), trace)
	if err != nil {
		return err
	}
	p.RoughnessPercent = res.RoughnessPercent
	p.SampleCount = res.SampleCount
	p.Dropped = res.Dropped
	return nil
}
