package aggregate

import (
	"time"

	"github.com/okian/roughmap/internal/domain/window"
	"github.com/okian/roughmap/pkg/logger"
)

// Default aggregation configuration constants.
const (
	DefaultMaxRecentPasses    = window.DefaultCapacity
	DefaultMinPassesToPublish = 1
)

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithMaxRecentPasses sets the per-cell window capacity.
func WithMaxRecentPasses(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxRecentPasses = n
		}
	}
}

// WithMinPassesToPublish sets the window size at which a cell is published.
func WithMinPassesToPublish(n int) Option {
	return func(a *Aggregator) {
		if n >= 0 {
			a.minPassesToPublish = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger for per-attempt diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}
