package repository

import (
	"context"
	"fmt"

	"github.com/okian/roughmap/internal/config"
)

// Open returns the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (Store, error) {
	opts = append([]Option{WithMaxTxAttempts(cfg.TxMaxAttempts)}, opts...)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return NewMemoryStore(opts...), nil
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, opts...)
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.StoreDriver)
	}
}
