// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(...) initializer to build a Config with defaults.
// - All future functions must accept context.Context as the first parameter.
// - External errors must be wrapped via this package's error helpers.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Store drivers understood by the repository layer.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the transactional store: memory, sqlite or postgres.
	StoreDriver string `koanf:"store_driver"`

	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `koanf:"sqlite_path"`

	// PostgresDSN is the connection string used by the postgres driver.
	PostgresDSN string `koanf:"postgres_dsn"`

	// RedisURL enables the stream notifier when set, e.g. redis://localhost:6379/0.
	RedisURL string `koanf:"redis_url"`

	// RedisStream and RedisGroup name the pass notification stream and its consumer group.
	RedisStream string `koanf:"redis_stream"`
	RedisGroup  string `koanf:"redis_group"`

	// EventQueueSize bounds the in-memory notification queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of aggregation workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize bounds the in-flight notification filter.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxRecentPasses caps the per-cell window.
	MaxRecentPasses int `koanf:"max_recent_passes"`

	// MinPassesToPublish is the window size at which a cell becomes published.
	MinPassesToPublish int `koanf:"min_passes_to_publish"`

	// TrimMS is the sample gate lookback in milliseconds.
	TrimMS int `koanf:"trim_ms"`

	// TxMaxAttempts bounds automatic transaction retries on contention.
	TxMaxAttempts int `koanf:"tx_max_attempts"`

	// SweepIntervalSec and SweepBatchSize drive the backstop sweep. Interval 0 disables it.
	SweepIntervalSec int `koanf:"sweep_interval_sec"`
	SweepBatchSize   int `koanf:"sweep_batch_size"`

	// Backfill limits and pacing.
	BackfillDefaultLimit int     `koanf:"backfill_default_limit"`
	BackfillMaxLimit     int     `koanf:"backfill_max_limit"`
	BackfillRatePerSec   float64 `koanf:"backfill_rate_per_sec"`

	// MetricsEnabled switches metric recording; /healthz keeps serving either way.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// MetricsRefreshSec is how often the queue, worker and system gauges are sampled.
	MetricsRefreshSec int `koanf:"metrics_refresh_sec"`
}

// New creates a Config with defaults. Context is accepted first to satisfy the
// project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		StoreDriver:          StoreSQLite,
		SQLitePath:           "roughmap.db",
		RedisStream:          "roughmap:passes",
		RedisGroup:           "aggregator",
		EventQueueSize:       100_000,
		WorkerCount:          runtime.NumCPU() * 2,
		DedupeSize:           100_000,
		MaxRecentPasses:      50,
		MinPassesToPublish:   1,
		TrimMS:               1000,
		TxMaxAttempts:        5,
		SweepIntervalSec:     60,
		SweepBatchSize:       200,
		BackfillDefaultLimit: 2000,
		BackfillMaxLimit:     5000,
		BackfillRatePerSec:   50,
		MetricsEnabled:       true,
		MetricsRefreshSec:    5,
	}
}

// SweepInterval returns the backstop period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// MetricsRefreshInterval returns the gauge sampling period.
func (c *Config) MetricsRefreshInterval() time.Duration {
	return time.Duration(c.MetricsRefreshSec) * time.Second
}

// Trim returns the sample gate lookback.
func (c *Config) Trim() time.Duration {
	return time.Duration(c.TrimMS) * time.Millisecond
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.MaxRecentPasses < 1:
		return fmt.Errorf("%w: max_recent_passes must be positive", ErrInvalidConfig)
	case c.MinPassesToPublish < 0:
		return fmt.Errorf("%w: min_passes_to_publish must not be negative", ErrInvalidConfig)
	case c.TrimMS < 0:
		return fmt.Errorf("%w: trim_ms must not be negative", ErrInvalidConfig)
	case c.TxMaxAttempts < 1:
		return fmt.Errorf("%w: tx_max_attempts must be positive", ErrInvalidConfig)
	case c.BackfillMaxLimit < 1 || c.BackfillDefaultLimit > c.BackfillMaxLimit:
		return fmt.Errorf("%w: backfill limits out of range", ErrInvalidConfig)
	case c.MetricsRefreshSec < 1:
		return fmt.Errorf("%w: metrics_refresh_sec must be positive", ErrInvalidConfig)
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite_path must not be empty", ErrInvalidConfig)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn must not be empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	return nil
}
