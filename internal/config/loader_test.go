package config_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/okian/roughmap/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New(context.Background())

		convey.Convey("Then it should have the pipeline defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.StoreDriver, convey.ShouldEqual, config.StoreSQLite)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*2)
			convey.So(cfg.MaxRecentPasses, convey.ShouldEqual, 50)
			convey.So(cfg.MinPassesToPublish, convey.ShouldEqual, 1)
			convey.So(cfg.TrimMS, convey.ShouldEqual, 1000)
			convey.So(cfg.Trim(), convey.ShouldEqual, time.Second)
			convey.So(cfg.SweepBatchSize, convey.ShouldEqual, 200)
			convey.So(cfg.SweepInterval(), convey.ShouldEqual, time.Minute)
			convey.So(cfg.BackfillDefaultLimit, convey.ShouldEqual, 2000)
			convey.So(cfg.BackfillMaxLimit, convey.ShouldEqual, 5000)
			convey.So(cfg.MetricsEnabled, convey.ShouldBeTrue)
			convey.So(cfg.MetricsRefreshInterval(), convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.MaxRecentPasses, convey.ShouldEqual, 50)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("ROUGHMAP_ADDR", ":8080")
			_ = os.Setenv("ROUGHMAP_MAX_RECENT_PASSES", "25")
			_ = os.Setenv("ROUGHMAP_MIN_PASSES_TO_PUBLISH", "3")
			_ = os.Setenv("ROUGHMAP_TRIM_MS", "1500")
			_ = os.Setenv("ROUGHMAP_STORE_DRIVER", "memory")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.MaxRecentPasses, convey.ShouldEqual, 25)
				convey.So(cfg.MinPassesToPublish, convey.ShouldEqual, 3)
				convey.So(cfg.Trim(), convey.ShouldEqual, 1500*time.Millisecond)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.StoreMemory)
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			tmpFile := createTempConfigFile(`
addr: ":9090"
store_driver: postgres
postgres_dsn: "postgres://localhost/roughmap"
sweep_batch_size: 150
backfill_rate_per_sec: 12.5
`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("ROUGHMAP_CONFIG", tmpFile)
			_ = os.Setenv("ROUGHMAP_SWEEP_BATCH_SIZE", "300")

			cfg, err := config.Load(ctx)

			convey.Convey("Then file values apply and env still wins", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.StorePostgres)
				convey.So(cfg.PostgresDSN, convey.ShouldEqual, "postgres://localhost/roughmap")
				convey.So(cfg.BackfillRatePerSec, convey.ShouldEqual, 12.5)
				convey.So(cfg.SweepBatchSize, convey.ShouldEqual, 300)
				convey.So(cfg.MaxRecentPasses, convey.ShouldEqual, 50)
			})
		})

		convey.Convey("When loading config with invalid YAML", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("ROUGHMAP_CONFIG", tmpFile)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with a non-existent file", func() {
			_ = os.Setenv("ROUGHMAP_CONFIG", "/non/existent/file.yaml")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numbers", func() {
			_ = os.Setenv("ROUGHMAP_QUEUE_SIZE", "not_a_number")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When metrics are configured from the environment", func() {
			_ = os.Setenv("ROUGHMAP_METRICS_ENABLED", "false")
			_ = os.Setenv("ROUGHMAP_METRICS_REFRESH_SEC", "30")

			cfg, err := config.Load(ctx)

			convey.Convey("Then recording is off and the interval applies", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.MetricsEnabled, convey.ShouldBeFalse)
				convey.So(cfg.MetricsRefreshInterval(), convey.ShouldEqual, 30*time.Second)
			})
		})

		convey.Convey("When the metrics refresh interval is zero", func() {
			_ = os.Setenv("ROUGHMAP_METRICS_REFRESH_SEC", "0")

			_, err := config.Load(ctx)

			convey.Convey("Then validation rejects it", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "metrics_refresh_sec")
			})
		})

		convey.Convey("When the window capacity is zero", func() {
			_ = os.Setenv("ROUGHMAP_MAX_RECENT_PASSES", "0")

			cfg, err := config.Load(ctx)

			convey.Convey("Then validation rejects it", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "max_recent_passes")
			})
		})

		convey.Convey("When postgres is selected without a DSN", func() {
			_ = os.Setenv("ROUGHMAP_STORE_DRIVER", "postgres")

			_, err := config.Load(ctx)

			convey.Convey("Then validation names the missing key", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "postgres_dsn")
			})
		})

		convey.Convey("When the store driver is unknown", func() {
			_ = os.Setenv("ROUGHMAP_STORE_DRIVER", "firestore")

			_, err := config.Load(ctx)

			convey.Convey("Then validation rejects it", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "unknown store_driver")
			})
		})
	})
}

func clearConfigEnvVars() {
	for _, envVar := range []string{
		"ROUGHMAP_CONFIG",
		"ROUGHMAP_ADDR",
		"ROUGHMAP_QUEUE_SIZE",
		"ROUGHMAP_MAX_RECENT_PASSES",
		"ROUGHMAP_MIN_PASSES_TO_PUBLISH",
		"ROUGHMAP_TRIM_MS",
		"ROUGHMAP_STORE_DRIVER",
		"ROUGHMAP_SWEEP_BATCH_SIZE",
		"ROUGHMAP_METRICS_ENABLED",
		"ROUGHMAP_METRICS_REFRESH_SEC",
	} {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "roughmap-config-*.yaml")
	if err != nil {
		panic(err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}
	if err := tmpFile.Close(); err != nil {
		panic(err)
	}
	return tmpFile.Name()
}
