// Package worker drains pass notifications from the queue and hands each one
// to the aggregation coordinator.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/roughmap/internal/domain/dedupe"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2
	metricsUpdateInterval   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Processor aggregates the pass a notification points at.
type Processor interface {
	Process(ctx context.Context, n model.PassNotification) (model.Result, error)
}

// Queue defines how workers receive notifications.
type Queue interface {
	Dequeue(ctx context.Context) <-chan model.PassNotification
}

// Worker processes notifications until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the notification in hand.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for an in-process queue.
type InMemoryWorker struct {
	queue     Queue
	processor Processor
	deduper   dedupe.Deduper
	name      string
	processed *atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, p Processor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		processor: p,
		name:      "worker",
		processed: new(atomic.Int64),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop. A failed notification is logged and left for
// the sweep; it never stops the loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	in := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			w.handle(ctx, n)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) handle(ctx context.Context, n model.PassNotification) {
	if w.deduper != nil {
		if w.deduper.SeenAndRecord(ctx, n.PassID) {
			w.logger.Debug(ctx, "pass already in flight", logger.String("passId", n.PassID))
			return
		}
		defer w.deduper.Unrecord(ctx, n.PassID)
	}

	start := time.Now()
	res, err := w.processor.Process(ctx, n)
	metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	w.processed.Add(1)

	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "aggregate_error")
		w.logger.Error(ctx, "aggregation failed",
			logger.String("passId", n.PassID),
			logger.Error(err),
		)
		return
	}
	w.logger.Debug(ctx, "notification handled",
		logger.String("passId", n.PassID),
		logger.String("outcome", res.Outcome()),
	)
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	shutdown  chan struct{}
	processed atomic.Int64
	lastTick  time.Time

	logger logger.Logger
}

// NewPool creates a worker pool. A workerCount below one defaults to twice
// the number of CPUs. Options are applied to every worker.
func NewPool(workerCount int, q Queue, p Processor, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		shutdown: make(chan struct{}),
		lastTick: time.Now(),
		logger:   logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(q, p, wopts...)
		w.processed = &pool.processed
		pool.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerMessagesPerSecond(0)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.reportThroughput(ctx)
}

func (p *Pool) reportThroughput(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case now := <-ticker.C:
			if secs := now.Sub(p.lastTick).Seconds(); secs > 0 {
				metrics.UpdateWorkerMessagesPerSecond(float64(p.processed.Swap(0)) / secs)
			}
			p.lastTick = now
		}
	}
}

// Shutdown closes the queue when it supports closing, then waits for every
// worker to finish the notification it holds.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	close(p.shutdown)
	for _, w := range p.workers {
		close(w.shutdown)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker %d: %w", i, shutdownCtx.Err())
		}
	}
	return nil
}
