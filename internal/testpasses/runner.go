package testpasses

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/roughmap/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
)

// Run executes the complete pass load test.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	logger.Get().Info(ctx, "starting roughmap pass load test",
		logger.String("baseURL", config.BaseURL),
		logger.String("mode", config.Mode),
		logger.Int("passes", config.NumPasses),
		logger.Int("workers", config.Workers),
		logger.Float64("duplicateRate", config.DuplicateRate),
		logger.Duration("timeout", config.Timeout),
		logger.Bool("verbose", config.Verbose))

	if err := checkServiceHealth(ctx, config); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	plan, err := generatePlan(ctx, config, stats)
	if err != nil {
		return stats, fmt.Errorf("pass generation failed: %w", err)
	}

	if err := submitPasses(ctx, config, plan, stats); err != nil {
		return stats, fmt.Errorf("pass submission failed: %w", err)
	}
	if stats.PassesFailed > 0 {
		return stats, fmt.Errorf("pass submission failed: %d requests rejected", stats.PassesFailed)
	}
	if want := len(plan.Duplicates); stats.PassesDuplicate != want {
		return stats, fmt.Errorf("expected %d duplicate answers, got %d", want, stats.PassesDuplicate)
	}

	if err := verifyAggregates(ctx, config, plan, stats); err != nil {
		return stats, fmt.Errorf("result verification failed: %w", err)
	}

	if config.OutputFile != "" {
		if err := savePasses(ctx, config.OutputFile, plan); err != nil {
			logger.Get().Warn(ctx, "failed to save passes to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)

	logger.Get().Info(ctx, "test completed successfully")
	return stats, nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config) error {
	client := newHTTPClient(config.Timeout)
	resp, err := client.Get(ctx, config.BaseURL+"/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Get().Error(ctx, "failed to close response body", logger.Error(err))
		}
	}()

	// The health endpoint answers with the Prometheus exposition.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}
	logger.Get().Info(ctx, "service is healthy")
	return nil
}

// savePasses writes the generated plan as indented JSON.
func savePasses(ctx context.Context, filename string, plan *Plan) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Get().Error(ctx, "failed to close file", logger.Error(err))
		}
	}()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("failed to write passes: %w", err)
	}

	logger.Get().Info(ctx, "passes saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats logs the final test statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var acceptRate, passesPerSecond float64
	if stats.PassesSubmitted > 0 {
		acceptRate = float64(stats.PassesAccepted) / float64(stats.PassesSubmitted) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		passesPerSecond = float64(stats.PassesSubmitted) / stats.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("passesGenerated", stats.PassesGenerated),
		logger.Int("passesSubmitted", stats.PassesSubmitted),
		logger.Int("passesAccepted", stats.PassesAccepted),
		logger.Int("passesDuplicate", stats.PassesDuplicate),
		logger.Int("passesFailed", stats.PassesFailed),
		logger.Int("samplesDropped", stats.SamplesDropped),
		logger.Int("cellsMatched", stats.CellsMatched),
		logger.Duration("verification", stats.VerificationTime),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("passesPerSecond", passesPerSecond))
}
