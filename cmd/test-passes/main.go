package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/pflag"

	"github.com/okian/roughmap/internal/testpasses"
)

// Default configuration constants.
const (
	defaultNumPasses   = 10000
	defaultCities      = 4
	defaultCells       = 25
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultWindow      = 50
	defaultTimeout     = 30 * time.Second
	defaultSettle      = 2 * time.Minute
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "test failed: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config := &testpasses.Config{}
	var help bool

	flags := pflag.NewFlagSet("test-passes", pflag.ContinueOnError)
	flags.StringVar(&config.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	flags.StringVar(&config.Mode, "mode", testpasses.ModePasses, "submit scored passes or raw traces (passes|traces)")
	flags.IntVarP(&config.NumPasses, "passes", "n", defaultNumPasses, "number of passes to generate")
	flags.IntVar(&config.Cities, "cities", defaultCities, "number of cities")
	flags.IntVar(&config.CellsPerCity, "cells", defaultCells, "number of cells per city")
	flags.Float64Var(&config.DuplicateRate, "duplicates", 0.05, "fraction of passes resubmitted with the same id")
	flags.IntVarP(&config.Workers, "workers", "w", runtime.NumCPU()*defaultWorkers, "number of concurrent submitters")
	flags.IntVar(&config.Window, "window", defaultWindow, "server window size (max_recent_passes)")
	flags.DurationVar(&config.Trim, "trim", time.Second, "sample gate lookback (trim_ms on the server)")
	flags.Uint64Var(&config.Seed, "seed", uint64(time.Now().UnixNano()), "seed for reproducible drives")
	flags.DurationVar(&config.Timeout, "timeout", defaultTimeout, "HTTP request timeout")
	flags.DurationVar(&config.Settle, "settle", defaultSettle, "how long to wait for aggregates to converge")
	flags.StringVarP(&config.OutputFile, "output", "o", "", "write the generated passes to this JSON file")
	flags.StringVar(&config.LogFile, "log", "", "also write logs to this file")
	flags.BoolVarP(&config.Verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&help, "help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flags)
			return nil
		}
		return err
	}
	if help {
		printHelp(flags)
		return nil
	}
	if err := config.Validate(); err != nil {
		return err
	}

	closeLog, err := testpasses.SetupLogging(config.LogFile, config.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	_, err = testpasses.Run(ctx, config)
	return err
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, testpasses.Usage)
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}
