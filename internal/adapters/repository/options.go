package repository

import "github.com/okian/roughmap/pkg/logger"

// Option applies a configuration option to a store.
type Option func(*options)

type options struct {
	maxTxAttempts int
	log           logger.Logger
}

func newOptions(opts []Option) options {
	o := options{maxTxAttempts: DefaultMaxTxAttempts, log: logger.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxTxAttempts sets how many times a contended transaction is attempted.
func WithMaxTxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTxAttempts = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
