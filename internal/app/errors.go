package service

import "errors"

// Sentinel kinds for service errors.
var (
	ErrNotStarted  = errors.New("service not started")
	ErrInvalidPass = errors.New("invalid pass")
	ErrEmptyTrace  = errors.New("trace has no samples")
)
