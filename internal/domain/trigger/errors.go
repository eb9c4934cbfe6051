package trigger

import "errors"

// Sentinel errors for trigger input.
var (
	ErrMissingCity  = errors.New("city id is required")
	ErrMissingPass  = errors.New("pass id is required")
	ErrInvalidLimit = errors.New("limit out of range")
)
