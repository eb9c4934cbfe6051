package testpasses

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/okian/roughmap/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0600
)

// SetupLogging initializes the logger to write to stdout and, when logFile is
// set, to that file as well. The returned close func releases the file.
func SetupLogging(logFile string, verbose bool) (func() error, error) {
	var w io.Writer = os.Stdout
	closeFn := func() error { return nil }

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, file)
		closeFn = file.Close
	}

	if err := logger.Init(logger.WithWriter(w)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	return closeFn, nil
}

// Validate rejects configurations the run cannot verify.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("url must not be empty")
	case c.Mode != ModePasses && c.Mode != ModeTraces:
		return fmt.Errorf("mode must be %q or %q, got %q", ModePasses, ModeTraces, c.Mode)
	case c.NumPasses < 1:
		return errors.New("passes must be positive")
	case c.Cities < 1 || c.CellsPerCity < 1:
		return errors.New("cities and cells must be positive")
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return errors.New("duplicates must be between 0 and 1")
	case c.Workers < 1:
		return errors.New("workers must be positive")
	case c.Window < 1:
		return errors.New("window must be positive")
	}
	return nil
}

// Usage is printed above the flag defaults.
const Usage = `Roughmap Pass Load Tool
=======================

Generates synthetic drives, scores them with the same sample gate and
roughness scorer the service uses, submits them concurrently with a share
of duplicate resubmissions, then polls the aggregates until every cell
matches the locally computed window mean.

Usage:
  test-passes [flags]

Examples:
  # Scored passes against a local service
  test-passes --passes 20000 --workers 16

  # Raw traces scored server-side, 10% resubmitted
  test-passes --mode traces --duplicates 0.1 --url http://localhost:8080

Flags:
`
