package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: " FOR UPDATE",
	txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	retryable: postgresRetryable,
	migrator: func(db *sql.DB) (database.Driver, error) {
		return migratepgx.WithInstance(db, &migratepgx.Config{})
	},
}

// OpenPostgres connects through the pgx driver and migrates the schema.
// Transactions run SERIALIZABLE and lock the rows they read.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &SQLStore{db: db, d: postgresDialect, opts: newOptions(opts)}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func postgresRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}
