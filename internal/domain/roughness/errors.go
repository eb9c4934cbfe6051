package roughness

import "errors"

// ErrNotEnoughSamples is returned when too few finite samples remain to score.
var ErrNotEnoughSamples = errors.New("not enough samples to score")
