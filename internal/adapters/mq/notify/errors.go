package notify

import "errors"

// Sentinel kinds for notifier errors.
var (
	ErrMissingURL   = errors.New("redis url is required")
	ErrMalformed    = errors.New("malformed stream message")
	ErrSinkRejected = errors.New("sink rejected notification")
)
