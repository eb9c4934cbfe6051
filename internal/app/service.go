// Package service wires the aggregation pipeline together: the store, the
// aggregator, the three triggers (event, sweep, replay/backfill) and the
// notification transport. It implements the dependencies required by the
// HTTP API and the operator CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/roughmap/internal/adapters/mq/notify"
	"github.com/okian/roughmap/internal/adapters/mq/queue"
	"github.com/okian/roughmap/internal/adapters/mq/worker"
	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/config"
	"github.com/okian/roughmap/internal/domain/aggregate"
	"github.com/okian/roughmap/internal/domain/dedupe"
	"github.com/okian/roughmap/internal/domain/gate"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/internal/domain/roughness"
	"github.com/okian/roughmap/internal/domain/trigger"
	"github.com/okian/roughmap/pkg/logger"
	"github.com/okian/roughmap/pkg/metrics"
)

// IngestResult describes what happened to a submitted pass.
type IngestResult struct {
	Pass model.SegmentPass `json:"pass"`

	// Duplicate is set when a pass with the same id was already stored.
	Duplicate bool `json:"duplicate"`

	// Queued reports whether a notification reached the event trigger.
	// When false the sweep picks the pass up later.
	Queued bool `json:"queued"`

	// Dropped counts trace samples removed by the sample gate.
	Dropped int `json:"dropped,omitempty"`
}

// TraceInput is a raw acceleration trace plus the pass metadata it belongs to.
type TraceInput struct {
	ID           string                  `json:"id,omitempty"`
	CityID       string                  `json:"cityId"`
	CellID       string                  `json:"cellId"`
	CreatedAt    time.Time               `json:"createdAt"`
	Geometry     model.Geometry          `json:"geometry"`
	RoadTypeHint string                  `json:"roadTypeHint,omitempty"`
	Samples      []roughness.TraceSample `json:"samples"`
}

// Service owns the pipeline components.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config
	now func() time.Time

	store      repository.Store
	ownsStore  bool
	notifier   *notify.RedisNotifier
	aggregator *aggregate.Aggregator
	deduper    dedupe.Deduper
	queue      *queue.InMemoryQueue
	pool       *worker.Pool
	events     *trigger.EventHandler
	sweeper    *trigger.Sweeper
	replayer   *trigger.Replayer
	backfiller *trigger.Backfiller
	scorer     *roughness.Scorer

	started bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	logger logger.Logger
}

// New constructs a Service. Nothing is opened until Start.
func New(opts ...Option) *Service {
	s := &Service{
		cfg: config.New(context.Background()),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and notifier when they were not injected, then
// starts the worker pool, the periodic sweep and the stream consumer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting aggregation service...", logger.String("store", s.cfg.StoreDriver))

	if s.store == nil {
		store, err := repository.Open(ctx, s.cfg, repository.WithLogger(s.logger.Named("store")))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store = store
		s.ownsStore = true
	}
	if s.notifier == nil && s.cfg.RedisURL != "" {
		n, err := notify.Open(ctx, s.cfg.RedisURL,
			notify.WithStream(s.cfg.RedisStream),
			notify.WithGroup(s.cfg.RedisGroup),
			notify.WithLogger(s.logger.Named("notify")),
		)
		if err != nil {
			s.closeStore()
			return fmt.Errorf("open notifier: %w", err)
		}
		s.notifier = n
	}

	s.aggregator = aggregate.New(s.store,
		aggregate.WithMaxRecentPasses(s.cfg.MaxRecentPasses),
		aggregate.WithMinPassesToPublish(s.cfg.MinPassesToPublish),
		aggregate.WithClock(s.now),
		aggregate.WithLogger(s.logger.Named("aggregate")),
	)
	s.events = trigger.NewEventHandler(s.store, s.aggregator, s.logger.Named("event"))
	s.replayer = trigger.NewReplayer(s.store, s.aggregator, s.logger.Named("replay"))
	s.sweeper = trigger.NewSweeper(s.store, s.aggregator,
		trigger.WithSweepBatchSize(s.cfg.SweepBatchSize),
		trigger.WithSweepInterval(s.cfg.SweepInterval()),
		trigger.WithSweepLogger(s.logger.Named("sweep")),
	)
	s.backfiller = trigger.NewBackfiller(s.store, s.aggregator,
		trigger.WithBackfillLimits(s.cfg.BackfillDefaultLimit, s.cfg.BackfillMaxLimit),
		trigger.WithBackfillRate(s.cfg.BackfillRatePerSec),
		trigger.WithBackfillLogger(s.logger.Named("backfill")),
	)
	s.scorer = roughness.NewScorer()

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.EventQueueSize))
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.queue, s.events,
		worker.WithDeduper(s.deduper),
		worker.WithLogger(s.logger.Named("worker")),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.sweeper.Run(runCtx)
	}()

	if n, q := s.notifier, s.queue; n != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := n.Run(runCtx, q.Enqueue); err != nil {
				s.logger.Error(runCtx, "stream consumer stopped", logger.Error(err))
			}
		}()
	}

	s.started = true
	s.logger.Info(ctx, "aggregation service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queue.Cap()),
		logger.Bool("notifier", s.notifier != nil),
		logger.Duration("sweepInterval", s.cfg.SweepInterval()),
	)
	return nil
}

// Stop drains the workers and releases everything Start opened.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping aggregation service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
	}
	s.cancel()
	s.bg.Wait()

	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Warn(ctx, "close notifier", logger.Error(err))
		}
		s.notifier = nil
	}
	s.closeStore()

	s.started = false
	s.logger.Info(ctx, "aggregation service stopped")
}

func (s *Service) closeStore() {
	if !s.ownsStore || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(context.Background(), "close store", logger.Error(err))
	}
	s.store = nil
	s.ownsStore = false
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// IngestPass stores a client-computed pass and fires the event trigger for it.
// A missing id is assigned a uuid; resubmitting an existing id is reported as
// a duplicate and changes nothing.
func (s *Service) IngestPass(ctx context.Context, in model.SegmentPass) (IngestResult, error) {
	if err := s.ready(); err != nil {
		return IngestResult{}, err
	}
	if missing := in.MissingFields(); len(missing) > 0 {
		return IngestResult{}, fmt.Errorf("%w: missing %s", ErrInvalidPass, strings.Join(missing, ", "))
	}

	p := in
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.Geometry = p.Geometry.Normalize()
	p.Processed = false
	p.ProcessedAt = nil

	err := s.store.CreatePass(ctx, p)
	if errors.Is(err, repository.ErrDuplicate) {
		s.logger.Debug(ctx, "duplicate pass", logger.String("passId", p.ID))
		return IngestResult{Pass: p, Duplicate: true}, nil
	}
	if err != nil {
		metrics.RecordErrorByComponent("service", "create_pass")
		return IngestResult{}, fmt.Errorf("create pass %s: %w", p.ID, err)
	}
	metrics.RecordPassIngested()

	return IngestResult{Pass: p, Queued: s.Notify(ctx, p.ID)}, nil
}

// IngestTrace gates and scores a raw acceleration trace and ingests the
// resulting pass.
func (s *Service) IngestTrace(ctx context.Context, in TraceInput) (IngestResult, error) {
	if err := s.ready(); err != nil {
		return IngestResult{}, err
	}
	if len(in.Samples) == 0 {
		return IngestResult{}, ErrEmptyTrace
	}
	scored, err := s.scorer.ScoreTrace(gate.New(gate.WithTrim(s.cfg.Trim())), in.Samples)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %w", ErrInvalidPass, err)
	}
	res, err := s.IngestPass(ctx, model.SegmentPass{
		ID:               in.ID,
		CityID:           in.CityID,
		CellID:           in.CellID,
		RoughnessPercent: scored.RoughnessPercent,
		SampleCount:      scored.SampleCount,
		CreatedAt:        in.CreatedAt,
		Geometry:         in.Geometry,
		RoadTypeHint:     in.RoadTypeHint,
	})
	res.Dropped = scored.Dropped
	return res, err
}

// Notify fires the event trigger for passID. With a stream notifier the
// notification goes through the stream; otherwise it goes straight to the
// local queue. It returns false when the notification could not be
// delivered, leaving the pass to the sweep.
func (s *Service) Notify(ctx context.Context, passID string) bool {
	n := model.PassNotification{PassID: passID, ReceivedAt: s.now()}

	s.mu.RLock()
	notifier, q := s.notifier, s.queue
	s.mu.RUnlock()

	if notifier != nil {
		err := notifier.Publish(ctx, n)
		if err == nil {
			return true
		}
		s.logger.Warn(ctx, "stream publish failed, using local queue",
			logger.String("passId", passID), logger.Error(err))
	}

	if q == nil {
		return false
	}
	if err := q.Enqueue(ctx, n); err != nil {
		s.logger.Warn(ctx, "notification not queued, left for sweep",
			logger.String("passId", passID), logger.Error(err))
		return false
	}
	return true
}

// Replay re-runs aggregation for one pass.
func (s *Service) Replay(ctx context.Context, passID string) (model.Result, error) {
	if err := s.ready(); err != nil {
		return model.Result{}, err
	}
	return s.replayer.Replay(ctx, passID)
}

// Backfill re-runs aggregation for a city's most recent passes.
func (s *Service) Backfill(ctx context.Context, cityID string, limit int) (trigger.Report, error) {
	if err := s.ready(); err != nil {
		return trigger.Report{}, err
	}
	return s.backfiller.Backfill(ctx, cityID, limit)
}

// Sweep runs one backstop sweep over up to limit unprocessed passes.
// A limit of zero uses the configured batch size.
func (s *Service) Sweep(ctx context.Context, limit int) (trigger.Report, error) {
	if err := s.ready(); err != nil {
		return trigger.Report{}, err
	}
	return s.sweeper.RunLimit(ctx, limit)
}

// Pass returns a stored pass.
func (s *Service) Pass(ctx context.Context, passID string) (model.SegmentPass, error) {
	if err := s.ready(); err != nil {
		return model.SegmentPass{}, err
	}
	return s.store.GetPass(ctx, passID)
}

// Aggregate returns one cell's aggregate.
func (s *Service) Aggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	if err := s.ready(); err != nil {
		return model.SegmentAggregate{}, err
	}
	return s.store.GetAggregate(ctx, cityID, cellID)
}

// Aggregates lists a city's aggregates, optionally only published ones.
func (s *Service) Aggregates(ctx context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ListAggregates(ctx, cityID, publishedOnly)
}

// CityRoot returns the city's liveness bookkeeping.
func (s *Service) CityRoot(ctx context.Context, cityID string) (model.CityRoot, error) {
	if err := s.ready(); err != nil {
		return model.CityRoot{}, err
	}
	return s.store.GetCityRoot(ctx, cityID)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"storeDriver": s.cfg.StoreDriver,
		"notifier":    s.notifier != nil,
	}
	if !s.started {
		return stats
	}

	stats["workerCount"] = s.pool.Size()
	stats["queueLength"] = s.queue.Len()
	stats["queueCapacity"] = s.queue.Cap()
	stats["inflight"] = s.deduper.Size()

	if n, err := s.store.CountAggregates(context.Background()); err == nil {
		stats["totalAggregates"] = n
		metrics.UpdateTotalAggregates(n)
	}
	metrics.UpdateQueueSize(s.queue.Len())
	return stats
}
