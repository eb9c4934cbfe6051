package gate

import "errors"

// ErrInvalidTimestamp reports a sample whose timestamp is not a finite number.
var ErrInvalidTimestamp = errors.New("sample timestamp is not finite")
