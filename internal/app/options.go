package service

import (
	"time"

	"github.com/okian/roughmap/internal/adapters/mq/notify"
	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/config"
	"github.com/okian/roughmap/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithStore injects an already opened store. The service does not close it.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithNotifier injects a stream notifier instead of dialing redis_url.
// The service closes it on Stop.
func WithNotifier(n *notify.RedisNotifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock overrides the time source used for ingestion timestamps and
// aggregation bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
