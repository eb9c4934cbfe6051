// Package queue is the bounded in-process buffer between pass notification
// sources (ingestion, the stream notifier) and the aggregation workers.
package queue

import (
	"context"
	"sync"

	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/metrics"
)

// defaultCapacity bounds the number of notifications waiting for a worker.
const defaultCapacity = 100_000

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a notification without blocking. It returns ErrFull when
	// the queue is at capacity and ErrClosed after Close.
	Enqueue(ctx context.Context, n model.PassNotification) error

	// Dequeue returns a channel of notifications. It is closed once the
	// queue is closed and drained, or when ctx is done.
	Dequeue(ctx context.Context) <-chan model.PassNotification

	// Len returns the number of queued notifications.
	Len() int

	// Cap returns the capacity.
	Cap() int

	// Close stops accepting notifications.
	Close() error
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	items    chan model.PassNotification
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.items = make(chan model.PassNotification, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	q.report()
	return q
}

// Enqueue implements Queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, n model.PassNotification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return err
	}

	select {
	case q.items <- n:
		metrics.RecordQueueEnqueue()
		q.report()
		return nil
	default:
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return ErrFull
	}
}

// Dequeue implements Queue.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan model.PassNotification {
	out := make(chan model.PassNotification)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-q.items:
				if !ok {
					return
				}
				select {
				case out <- n:
					metrics.RecordQueueDequeue()
					if !n.ReceivedAt.IsZero() {
						metrics.RecordQueueProcessingLatency(float64(timeSince(n.ReceivedAt).Milliseconds()))
					}
					q.report()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len implements Queue.
func (q *InMemoryQueue) Len() int {
	return len(q.items)
}

// Cap implements Queue.
func (q *InMemoryQueue) Cap() int {
	return q.capacity
}

// Close implements Queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

func (q *InMemoryQueue) report() {
	size := len(q.items)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}
