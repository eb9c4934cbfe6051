package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound     = errors.New("document not found")
	ErrDuplicate    = errors.New("document already exists")
	ErrConflict     = errors.New("transaction conflict")
	ErrInvalidLimit = errors.New("invalid list limit")
	ErrUnknownStore = errors.New("unknown store driver")
)
