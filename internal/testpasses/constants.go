package testpasses

import "time"

// Submission modes.
const (
	ModePasses = "passes"
	ModeTraces = "traces"
)

// Drive shape constants.
const (
	gravity          = 9.81
	sampleIntervalMs = 20.0
	minSamples       = 200
	sampleSpread     = 200
	handlingChance   = 0.3
	handlingSamples  = 10
	passSpacing      = time.Second
	baseLat          = 52.52
	baseLng          = 13.40
	cellStepDeg      = 0.001
)

// Runner configuration constants.
const (
	WorkerChannelMultiplier = 2
	PercentageMultiplier    = 100
	pollInterval            = 250 * time.Millisecond
	meanTolerance           = 1e-6
)
