// Package roughness turns gated vertical-acceleration samples into a
// roughness percentage for one segment pass.
package roughness

import (
	"fmt"
	"math"
)

// Default scoring configuration constants.
const (
	defaultFullScale  = 4.0 // m/s² RMS deviation mapped to 100%
	defaultMinSamples = 1
	maxPercent        = 100
)

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithFullScale sets the RMS deviation that maps to 100%.
func WithFullScale(rms float64) Option {
	return func(s *Scorer) {
		if rms > 0 && !math.IsInf(rms, 0) {
			s.fullScale = rms
		}
	}
}

// WithMinSamples sets the fewest samples a pass may be scored from.
func WithMinSamples(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

// Result contains the computed roughness for one pass.
type Result struct {
	RoughnessPercent float64
	SampleCount      int
}

// Scorer computes the RMS deviation of samples from their mean, scaled to
// 0–100 and clamped.
type Scorer struct {
	fullScale  float64
	minSamples int
}

// NewScorer creates a scorer with configuration options.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		fullScale:  defaultFullScale,
		minSamples: defaultMinSamples,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score scores values. Non-finite values are ignored.
func (s *Scorer) Score(values []float64) (Result, error) {
	var n int
	var mean float64
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		n++
		mean += (v - mean) / float64(n)
	}
	if n < s.minSamples {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSamples, n, s.minSamples)
	}

	var sq float64
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		d := v - mean
		sq += d * d
	}
	rms := math.Sqrt(sq / float64(n))

	return Result{
		RoughnessPercent: math.Max(0, math.Min(maxPercent, rms/s.fullScale*maxPercent)),
		SampleCount:      n,
	}, nil
}
