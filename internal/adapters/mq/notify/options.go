package notify

import (
	"time"

	"github.com/okian/roughmap/pkg/logger"
)

// Option applies a configuration option to the RedisNotifier.
type Option func(*RedisNotifier)

// WithStream sets the stream key.
func WithStream(stream string) Option {
	return func(n *RedisNotifier) {
		if stream != "" {
			n.stream = stream
		}
	}
}

// WithGroup sets the consumer group.
func WithGroup(group string) Option {
	return func(n *RedisNotifier) {
		if group != "" {
			n.group = group
		}
	}
}

// WithConsumer sets this process's consumer name inside the group.
func WithConsumer(consumer string) Option {
	return func(n *RedisNotifier) {
		if consumer != "" {
			n.consumer = consumer
		}
	}
}

// WithBlock sets how long a poll waits for new messages.
func WithBlock(d time.Duration) Option {
	return func(n *RedisNotifier) {
		if d > 0 {
			n.block = d
		}
	}
}

// WithBatch sets the maximum number of messages read per poll.
func WithBatch(count int64) Option {
	return func(n *RedisNotifier) {
		if count > 0 {
			n.batch = count
		}
	}
}

// WithClaimIdle sets how long a delivered but unacknowledged message must sit
// before another consumer may claim it.
func WithClaimIdle(d time.Duration) Option {
	return func(n *RedisNotifier) {
		if d > 0 {
			n.claimIdle = d
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming). Zero disables it.
func WithMaxLen(maxLen int64) Option {
	return func(n *RedisNotifier) {
		n.maxLen = maxLen
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(n *RedisNotifier) {
		if l != nil {
			n.log = l
		}
	}
}
