package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/roughmap/internal/adapters/mq/notify"
	"github.com/okian/roughmap/internal/adapters/repository"
	service "github.com/okian/roughmap/internal/app"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/internal/domain/roughness"
	"github.com/okian/roughmap/pkg/logger"
)

var base = time.UnixMilli(1_700_000_000_000).UTC()

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func cellPasses(svc *service.Service, city, cell string) func() bool {
	return func() bool {
		agg, err := svc.Aggregate(context.Background(), city, cell)
		return err == nil && agg.Passes == 3
	}
}

func TestServiceIntegration_EventTrigger(t *testing.T) {
	Convey("Given a started service on a memory store", t, func() {
		ctx := context.Background()
		svc := newService()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When three passes for one cell are ingested", func() {
			for i, r := range []float64{60, 70, 80} {
				_, err := svc.IngestPass(ctx, model.SegmentPass{
					ID:               fmt.Sprintf("p%d", i),
					CityID:           "metro_v1",
					CellID:           "c1",
					RoughnessPercent: r,
					SampleCount:      1,
					CreatedAt:        base.Add(time.Duration(i) * time.Second),
					RoadTypeHint:     "primary",
				})
				So(err, ShouldBeNil)
			}

			Convey("Then the workers merge them into a published aggregate", func() {
				So(waitFor(cellPasses(svc, "metro_v1", "c1")), ShouldBeTrue)

				agg, err := svc.Aggregate(ctx, "metro_v1", "c1")
				So(err, ShouldBeNil)
				So(agg.RoughnessPercent, ShouldAlmostEqual, 70, 1e-9)
				So(agg.Published, ShouldBeTrue)
				So(agg.RoadTypeHint, ShouldEqual, "primary")

				published, err := svc.Aggregates(ctx, "metro_v1", true)
				So(err, ShouldBeNil)
				So(len(published), ShouldEqual, 1)

				root, err := svc.CityRoot(ctx, "metro_v1")
				So(err, ShouldBeNil)
				So(root.LastAggCellID, ShouldEqual, "c1")
			})

			Convey("And replaying a merged pass changes nothing", func() {
				So(waitFor(cellPasses(svc, "metro_v1", "c1")), ShouldBeTrue)

				res, err := svc.Replay(ctx, "p0")
				So(err, ShouldBeNil)
				So(res.Reason, ShouldEqual, model.ReasonAlreadyProcessed)

				agg, _ := svc.Aggregate(ctx, "metro_v1", "c1")
				So(agg.Passes, ShouldEqual, 3)
			})
		})

		Convey("When a raw trace is ingested", func() {
			res, err := svc.IngestTrace(ctx, service.TraceInput{
				ID:     "trace-1",
				CityID: "metro_v1",
				CellID: "c2",
				Samples: []roughness.TraceSample{
					{TimestampMs: 0, Accel: 8},
					{TimestampMs: 500, Accel: 12},
					{TimestampMs: 900, Accel: 50, Handling: true},
					{TimestampMs: 1500, Accel: 50},
					{TimestampMs: 2000, Accel: 8},
					{TimestampMs: 2500, Accel: 12},
				},
			})

			Convey("Then handling samples are gated out before scoring", func() {
				So(err, ShouldBeNil)
				So(res.Dropped, ShouldEqual, 4)
				So(res.Pass.SampleCount, ShouldEqual, 2)
				So(res.Pass.RoughnessPercent, ShouldAlmostEqual, 50, 1e-9)
				So(waitFor(func() bool {
					agg, err := svc.Aggregate(ctx, "metro_v1", "c2")
					return err == nil && agg.SampleCount == 2
				}), ShouldBeTrue)
			})
		})
	})
}

func TestServiceIntegration_Backstops(t *testing.T) {
	Convey("Given passes written straight to the store without notifications", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		for i := 0; i < 5; i++ {
			So(store.CreatePass(ctx, model.SegmentPass{
				ID:               fmt.Sprintf("p%d", i),
				CityID:           "metro_v1",
				CellID:           "c1",
				RoughnessPercent: float64(10 * (i + 1)),
				CreatedAt:        base.Add(time.Duration(i) * time.Second),
			}), ShouldBeNil)
		}
		svc := newService(service.WithStore(store))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When a sweep runs", func() {
			report, err := svc.Sweep(ctx, 0)

			Convey("Then every orphaned pass is merged", func() {
				So(err, ShouldBeNil)
				So(report.Merged, ShouldEqual, 5)
				agg, err := svc.Aggregate(ctx, "metro_v1", "c1")
				So(err, ShouldBeNil)
				So(agg.RoughnessPercent, ShouldAlmostEqual, 30, 1e-9)
			})
		})

		Convey("When the city is backfilled twice", func() {
			first, err := svc.Backfill(ctx, "metro_v1", 0)
			So(err, ShouldBeNil)
			second, err := svc.Backfill(ctx, "metro_v1", 0)
			So(err, ShouldBeNil)

			Convey("Then the rerun is a no-op", func() {
				So(first.Merged, ShouldEqual, 5)
				So(second.Merged, ShouldEqual, 0)
				agg, _ := svc.Aggregate(ctx, "metro_v1", "c1")
				So(agg.Passes, ShouldEqual, 5)
			})
		})
	})
}

func TestServiceIntegration_StreamNotifier(t *testing.T) {
	Convey("Given a service notified through a redis stream", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		n := notify.NewRedisNotifier(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
			notify.WithStream("test:passes"),
			notify.WithBlock(20*time.Millisecond),
			notify.WithLogger(logger.NewNop()),
		)
		svc := newService(service.WithNotifier(n))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		So(svc.GetStats()["notifier"], ShouldEqual, true)

		Convey("When passes are ingested", func() {
			for i := 0; i < 3; i++ {
				res, err := svc.IngestPass(ctx, model.SegmentPass{
					ID: fmt.Sprintf("s%d", i), CityID: "metro_v1", CellID: "c9", RoughnessPercent: 20,
				})
				So(err, ShouldBeNil)
				So(res.Queued, ShouldBeTrue)
			}

			Convey("Then the stream consumer feeds the workers", func() {
				So(waitFor(cellPasses(svc, "metro_v1", "c9")), ShouldBeTrue)
			})
		})
	})
}
