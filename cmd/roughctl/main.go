// Command roughctl runs the manual aggregation triggers and schema
// migrations directly against the configured store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/config"
	"github.com/okian/roughmap/internal/domain/aggregate"
	"github.com/okian/roughmap/internal/domain/trigger"
	"github.com/okian/roughmap/pkg/logger"
)

var (
	errUsage        = errors.New("usage error")
	errNotSQL       = errors.New("migrations need the sqlite or postgres store")
	errUnknownCmd   = errors.New("unknown command")
	errMissingValue = errors.New("missing argument")
)

const usage = `roughctl: operate the roughness aggregation store.

Usage:
  roughctl [global flags] <command> [flags]

Commands:
  replay <pass-id>                 re-run aggregation for one pass
  backfill --city <id> [--limit n] aggregate a city's unprocessed passes
  sweep [--limit n]                aggregate the newest unprocessed passes
  show --city <id> [--cell <id>]   print aggregates (or one aggregate)
  migrate up|down|version          manage the SQL schema

Global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.Init(logger.WithWriter(os.Stderr)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// cli carries what every command needs.
type cli struct {
	cfg *config.Config
	out io.Writer
	log logger.Logger
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("roughctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	configPath := global.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file")
	driver := global.String("driver", "", "override store_driver (memory|sqlite|postgres)")
	sqlitePath := global.String("sqlite-path", "", "override sqlite_path")
	postgresDSN := global.String("postgres-dsn", "", "override postgres_dsn")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		fmt.Fprint(stderr, global.FlagUsages())
	}

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return fmt.Errorf("%w: no command", errUsage)
	}

	cfg, err := config.LoadFile(ctx, *configPath)
	if err != nil {
		return err
	}
	if *driver != "" {
		cfg.StoreDriver = *driver
	}
	if *sqlitePath != "" {
		cfg.SQLitePath = *sqlitePath
	}
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}

	c := &cli{cfg: cfg, out: stdout, log: logger.Named("roughctl")}
	name, cmdArgs := rest[0], rest[1:]
	switch name {
	case "replay":
		return c.replay(ctx, cmdArgs)
	case "backfill":
		return c.backfill(ctx, cmdArgs)
	case "sweep":
		return c.sweep(ctx, cmdArgs)
	case "show":
		return c.show(ctx, cmdArgs)
	case "migrate":
		return c.migrate(ctx, cmdArgs)
	default:
		return fmt.Errorf("%w: %w %q", errUsage, errUnknownCmd, name)
	}
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(repository.Store) error) error {
	store, err := repository.Open(ctx, c.cfg, repository.WithLogger(c.log.Named("store")))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			c.log.Warn(ctx, "close store", logger.Error(err))
		}
	}()
	return fn(store)
}

func (c *cli) aggregator(store repository.Store) *aggregate.Aggregator {
	return aggregate.New(store,
		aggregate.WithMaxRecentPasses(c.cfg.MaxRecentPasses),
		aggregate.WithMinPassesToPublish(c.cfg.MinPassesToPublish),
		aggregate.WithLogger(c.log.Named("aggregate")),
	)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) replay(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: %w: replay <pass-id>", errUsage, errMissingValue)
	}
	return c.withStore(ctx, func(store repository.Store) error {
		res, err := trigger.NewReplayer(store, c.aggregator(store), c.log.Named("replay")).Replay(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return c.print(res)
	})
}

func (c *cli) backfill(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	city := fs.String("city", "", "city id")
	limit := fs.Int("limit", 0, "passes to scan (0 uses backfill_default_limit)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	return c.withStore(ctx, func(store repository.Store) error {
		b := trigger.NewBackfiller(store, c.aggregator(store),
			trigger.WithBackfillLimits(c.cfg.BackfillDefaultLimit, c.cfg.BackfillMaxLimit),
			trigger.WithBackfillRate(c.cfg.BackfillRatePerSec),
			trigger.WithBackfillLogger(c.log.Named("backfill")),
		)
		report, err := b.Backfill(ctx, *city, *limit)
		if err != nil {
			return err
		}
		return c.print(report)
	})
}

func (c *cli) sweep(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	limit := fs.Int("limit", 0, "passes to scan (0 uses sweep_batch_size)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	return c.withStore(ctx, func(store repository.Store) error {
		s := trigger.NewSweeper(store, c.aggregator(store),
			trigger.WithSweepBatchSize(c.cfg.SweepBatchSize),
			trigger.WithSweepLogger(c.log.Named("sweep")),
		)
		report, err := s.RunLimit(ctx, *limit)
		if err != nil {
			return err
		}
		return c.print(report)
	})
}

func (c *cli) show(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	city := fs.String("city", "", "city id")
	cell := fs.String("cell", "", "cell id; omit to list the city")
	published := fs.Bool("published", false, "list published cells only")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if *city == "" {
		return fmt.Errorf("%w: %w: --city", errUsage, errMissingValue)
	}
	return c.withStore(ctx, func(store repository.Store) error {
		if *cell != "" {
			agg, err := store.GetAggregate(ctx, *city, *cell)
			if err != nil {
				return err
			}
			return c.print(agg)
		}
		aggs, err := store.ListAggregates(ctx, *city, *published)
		if err != nil {
			return err
		}
		return c.print(aggs)
	})
}

// migrationState is the output of every migrate subcommand.
type migrationState struct {
	Driver  string `json:"driver"`
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
}

func (c *cli) migrate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: %w: migrate up|down|version", errUsage, errMissingValue)
	}
	action := args[0]
	switch action {
	case "up", "down", "version":
	default:
		return fmt.Errorf("%w: %w %q", errUsage, errUnknownCmd, "migrate "+action)
	}

	// Opening a SQL store already migrates up.
	return c.withStore(ctx, func(store repository.Store) error {
		sqlStore, ok := store.(*repository.SQLStore)
		if !ok {
			return fmt.Errorf("%w: driver %q", errNotSQL, c.cfg.StoreDriver)
		}
		var err error
		switch action {
		case "up":
			err = sqlStore.MigrateUp()
		case "down":
			err = sqlStore.MigrateDown()
		}
		if err != nil {
			return err
		}
		version, dirty, err := sqlStore.MigrateVersion()
		if err != nil {
			return err
		}
		c.log.Info(ctx, "schema state", logger.String("action", action), logger.Int("version", int(version)))
		return c.print(migrationState{Driver: sqlStore.Driver(), Version: version, Dirty: dirty})
	})
}
