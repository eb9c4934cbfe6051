package aggregate_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/okian/roughmap/internal/adapters/repository"
	"github.com/okian/roughmap/internal/domain/aggregate"
	"github.com/okian/roughmap/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	city = "metro_v1"
	cell = "89283082b0fffff"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func fixedClock() time.Time { return t0.Add(time.Hour) }

func newPass(id string, roughness float64, samples int, created time.Time) model.SegmentPass {
	return model.SegmentPass{
		ID:               id,
		CityID:           city,
		CellID:           cell,
		RoughnessPercent: roughness,
		SampleCount:      samples,
		CreatedAt:        created,
	}
}

func create(ctx context.Context, store repository.Store, p model.SegmentPass) *model.SegmentPass {
	So(store.CreatePass(ctx, p), ShouldBeNil)
	return &p
}

func TestAggregateSegmentPass_EndToEnd(t *testing.T) {
	Convey("Given an empty store and an aggregator", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store, aggregate.WithClock(fixedClock))

		Convey("When the first pass with roughness 70 is merged", func() {
			p1 := create(ctx, store, newPass("p1", 70, 1, t0))
			res, err := agg.AggregateSegmentPass(ctx, p1.ID, p1)

			Convey("Then the cell holds one published pass at 70", func() {
				So(err, ShouldBeNil)
				So(res.Skipped, ShouldBeFalse)
				So(res.RoughnessPercent, ShouldEqual, 70)
				So(res.SampleCount, ShouldEqual, 1)
				So(res.Passes, ShouldEqual, 1)
				So(res.Published, ShouldBeTrue)

				stored, err := store.GetPass(ctx, "p1")
				So(err, ShouldBeNil)
				So(stored.Processed, ShouldBeTrue)
				So(stored.ProcessedAt.Equal(fixedClock()), ShouldBeTrue)

				root, err := store.GetCityRoot(ctx, city)
				So(err, ShouldBeNil)
				So(root.LastAggDocID, ShouldEqual, "p1")
				So(root.LastAggCellID, ShouldEqual, cell)
			})

			Convey("And a later pass at 90 brings the mean to 80", func() {
				p2 := create(ctx, store, newPass("p2", 90, 1, t0.Add(time.Minute)))
				res, err := agg.AggregateSegmentPass(ctx, p2.ID, p2)
				So(err, ShouldBeNil)
				So(res.RoughnessPercent, ShouldEqual, 80)
				So(res.SampleCount, ShouldEqual, 2)
				So(res.Passes, ShouldEqual, 2)

				a, err := store.GetAggregate(ctx, city, cell)
				So(err, ShouldBeNil)
				So(a.PassesAllTime, ShouldEqual, 2)
				So(a.SamplesAllTime, ShouldEqual, 2)
				So(a.LastAssessedAt.Equal(t0.Add(time.Minute)), ShouldBeTrue)
			})
		})
	})
}

func TestAggregateSegmentPass_WeightedMean(t *testing.T) {
	Convey("Given passes (80, 2 samples) and (90, 1 sample)", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)

		p1 := create(ctx, store, newPass("p1", 80, 2, t0))
		p2 := create(ctx, store, newPass("p2", 90, 1, t0.Add(time.Second)))
		_, err := agg.AggregateSegmentPass(ctx, p1.ID, p1)
		So(err, ShouldBeNil)
		res, err := agg.AggregateSegmentPass(ctx, p2.ID, p2)
		So(err, ShouldBeNil)

		Convey("Then the roughness is weighted by sample count", func() {
			So(res.RoughnessPercent, ShouldAlmostEqual, (80.0*2+90.0*1)/3, 1e-9)
			So(res.SampleCount, ShouldEqual, 3)
		})
	})

	Convey("Given a pass with no usable sample count", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)
		p := create(ctx, store, newPass("p1", 55, -4, t0))

		res, err := agg.AggregateSegmentPass(ctx, p.ID, p)

		Convey("Then it counts as one sample", func() {
			So(err, ShouldBeNil)
			So(res.SampleCount, ShouldEqual, 1)
			a, _ := store.GetAggregate(ctx, city, cell)
			So(a.SamplesAllTime, ShouldEqual, 1)
			So(a.RecentSamples[0].SampleCount, ShouldEqual, 1)
		})
	})
}

func TestAggregateSegmentPass_Validation(t *testing.T) {
	Convey("Given an aggregator", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)

		Convey("When pass data is absent", func() {
			res, err := agg.AggregateSegmentPass(ctx, "p1", nil)

			Convey("Then it is skipped as missing_data", func() {
				So(err, ShouldBeNil)
				So(res.Skipped, ShouldBeTrue)
				So(res.Reason, ShouldEqual, model.ReasonMissingData)
			})
		})

		Convey("When required fields are missing", func() {
			p := newPass("p1", math.NaN(), 1, t0)
			p.CellID = ""
			res, err := agg.AggregateSegmentPass(ctx, p.ID, &p)

			Convey("Then the offending fields are reported", func() {
				So(err, ShouldBeNil)
				So(res.Reason, ShouldEqual, model.ReasonMissingFields)
				So(res.Fields, ShouldResemble, []string{"cellId", "roughnessPercent"})
			})
		})

		Convey("When the pass record does not exist", func() {
			p := newPass("ghost", 40, 1, t0)
			res, err := agg.AggregateSegmentPass(ctx, p.ID, &p)

			Convey("Then it is skipped as missing_raw_doc and nothing is written", func() {
				So(err, ShouldBeNil)
				So(res.Reason, ShouldEqual, model.ReasonMissingRawDoc)
				_, err := store.GetAggregate(ctx, city, cell)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestAggregateSegmentPass_Idempotency(t *testing.T) {
	Convey("Given a merged pass", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)
		p := create(ctx, store, newPass("p1", 70, 3, t0))
		_, err := agg.AggregateSegmentPass(ctx, p.ID, p)
		So(err, ShouldBeNil)
		before, _ := store.GetAggregate(ctx, city, cell)

		Convey("When it is aggregated again", func() {
			res, err := agg.AggregateSegmentPass(ctx, p.ID, p)

			Convey("Then it is skipped and the aggregate is unchanged", func() {
				So(err, ShouldBeNil)
				So(res.Skipped, ShouldBeTrue)
				So(res.Reason, ShouldEqual, model.ReasonAlreadyProcessed)
				after, _ := store.GetAggregate(ctx, city, cell)
				So(cmp.Diff(before, after), ShouldBeEmpty)
			})
		})
	})

	Convey("Given a pass already in the window but never marked processed", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)
		p := create(ctx, store, newPass("p1", 70, 1, t0))
		seeded := model.SegmentAggregate{
			CityID:           city,
			CellID:           cell,
			RecentSamples:    []model.RecentSample{{PassID: "p1", Roughness: 70, SampleCount: 1, TimestampMs: t0.UnixMilli()}},
			RoughnessPercent: 70,
			SampleCount:      1,
			Passes:           1,
			PassesAllTime:    1,
			SamplesAllTime:   1,
			Published:        true,
		}
		So(store.RunInTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.PutAggregate(ctx, seeded)
		}), ShouldBeNil)

		Convey("When it is aggregated", func() {
			res, err := agg.AggregateSegmentPass(ctx, p.ID, p)

			Convey("Then it is marked processed without touching the aggregate", func() {
				So(err, ShouldBeNil)
				So(res.Reason, ShouldEqual, model.ReasonAlreadyInWindow)
				stored, _ := store.GetPass(ctx, "p1")
				So(stored.Processed, ShouldBeTrue)
				after, _ := store.GetAggregate(ctx, city, cell)
				So(cmp.Diff(seeded, after), ShouldBeEmpty)
			})

			Convey("And a further call reports already_processed", func() {
				res, err := agg.AggregateSegmentPass(ctx, p.ID, p)
				So(err, ShouldBeNil)
				So(res.Reason, ShouldEqual, model.ReasonAlreadyProcessed)
			})
		})
	})
}

func TestAggregateSegmentPass_ConcurrentCallersConverge(t *testing.T) {
	const callers = 24

	stores := map[string]func(t *testing.T) repository.Store{
		"memory": func(*testing.T) repository.Store { return repository.NewMemoryStore(repository.WithMaxTxAttempts(10)) },
		"sqlite": func(t *testing.T) repository.Store {
			s, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "race.db"), repository.WithMaxTxAttempts(10))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}

	for name, open := range stores {
		store := open(t)
		Convey(fmt.Sprintf("Given %d callers racing on one pass (%s)", callers, name), t, func() {
			ctx := context.Background()
			agg := aggregate.New(store)
			p := create(ctx, store, newPass("race", 64, 2, t0))

			var wg sync.WaitGroup
			results := make(chan model.Result, callers)
			errs := make(chan error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := agg.AggregateSegmentPass(ctx, p.ID, p)
					if err != nil {
						errs <- err
						return
					}
					results <- res
				}()
			}
			wg.Wait()
			close(results)
			close(errs)

			merged, skipped := 0, 0
			for res := range results {
				if res.Skipped {
					So(res.Reason, ShouldBeIn, model.ReasonAlreadyProcessed, model.ReasonAlreadyInWindow)
					skipped++
				} else {
					merged++
				}
			}

			Convey("Then exactly one call merged and the counters moved once", func() {
				So(len(errs), ShouldEqual, 0)
				So(merged, ShouldEqual, 1)
				So(skipped, ShouldEqual, callers-1)

				a, err := store.GetAggregate(ctx, city, cell)
				So(err, ShouldBeNil)
				So(len(a.RecentSamples), ShouldEqual, 1)
				So(a.PassesAllTime, ShouldEqual, 1)
				So(a.SamplesAllTime, ShouldEqual, 2)
			})
		})
	}
}

func TestAggregateSegmentPass_WindowBound(t *testing.T) {
	Convey("Given 60 passes merged in shuffled order", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)

		order := make([]int, 60)
		for i := range order {
			order[i] = (i * 37) % 60
		}
		for _, i := range order {
			p := create(ctx, store, newPass(fmt.Sprintf("p%02d", i), float64(i), 1, t0.Add(time.Duration(i)*time.Minute)))
			_, err := agg.AggregateSegmentPass(ctx, p.ID, p)
			So(err, ShouldBeNil)
		}

		Convey("Then the window keeps the 50 most recent in ascending order", func() {
			a, err := store.GetAggregate(ctx, city, cell)
			So(err, ShouldBeNil)
			So(len(a.RecentSamples), ShouldEqual, 50)
			So(a.Passes, ShouldEqual, 50)
			So(a.RecentSamples[0].PassID, ShouldEqual, "p10")
			So(a.RecentSamples[49].PassID, ShouldEqual, "p59")
			for i := 1; i < len(a.RecentSamples); i++ {
				So(a.RecentSamples[i-1].TimestampMs, ShouldBeLessThan, a.RecentSamples[i].TimestampMs)
			}
		})

		Convey("And lifetime counters are not reduced by windowing", func() {
			a, _ := store.GetAggregate(ctx, city, cell)
			So(a.PassesAllTime, ShouldEqual, 60)
			So(a.SamplesAllTime, ShouldEqual, 60)
			So(a.RoughnessPercent, ShouldAlmostEqual, 34.5, 1e-9)
		})
	})
}

func TestAggregateSegmentPass_PublishThreshold(t *testing.T) {
	Convey("Given an aggregator that publishes at 2 passes", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store, aggregate.WithMinPassesToPublish(2))

		Convey("Then a cell with no merged passes has no aggregate", func() {
			_, err := store.GetAggregate(ctx, city, cell)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When one pass is merged the cell stays unpublished", func() {
			p1 := create(ctx, store, newPass("p1", 10, 1, t0))
			res, _ := agg.AggregateSegmentPass(ctx, p1.ID, p1)
			So(res.Published, ShouldBeFalse)

			Convey("And the second pass publishes it", func() {
				p2 := create(ctx, store, newPass("p2", 20, 1, t0.Add(time.Second)))
				res, _ := agg.AggregateSegmentPass(ctx, p2.ID, p2)
				So(res.Published, ShouldBeTrue)
			})
		})
	})
}

func TestAggregateSegmentPass_FirstKnownGeometryIsNeverRefreshed(t *testing.T) {
	Convey("Given a cell whose first pass carried a line and a road type", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)

		first := newPass("p1", 30, 1, t0)
		first.Geometry = model.Geometry{Line: &model.Line{
			Start: model.Point{Lat: 49.1, Lng: -123.1},
			End:   model.Point{Lat: 49.2, Lng: -123.2},
		}}
		first.RoadTypeHint = "residential"
		p1 := create(ctx, store, first)
		_, err := agg.AggregateSegmentPass(ctx, p1.ID, p1)
		So(err, ShouldBeNil)

		Convey("When a later pass carries a centroid and another road type", func() {
			second := newPass("p2", 50, 1, t0.Add(time.Second))
			second.Geometry = model.Geometry{Centroid: &model.Point{Lat: 1, Lng: 1}}
			second.RoadTypeHint = "primary"
			p2 := create(ctx, store, second)
			_, err := agg.AggregateSegmentPass(ctx, p2.ID, p2)
			So(err, ShouldBeNil)

			Convey("Then the original line and road type are kept", func() {
				a, _ := store.GetAggregate(ctx, city, cell)
				So(a.Geometry.Centroid, ShouldBeNil)
				So(*a.Geometry.Line, ShouldResemble, *first.Geometry.Line)
				So(a.RoadTypeHint, ShouldEqual, "residential")
			})
		})
	})

	Convey("Given a cell whose first pass had no geometry", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		agg := aggregate.New(store)
		p1 := create(ctx, store, newPass("p1", 30, 1, t0))
		_, _ = agg.AggregateSegmentPass(ctx, p1.ID, p1)

		Convey("When a later pass has both line and centroid", func() {
			second := newPass("p2", 50, 1, t0.Add(time.Second))
			second.Geometry = model.Geometry{
				Line:     &model.Line{Start: model.Point{Lat: 2, Lng: 2}, End: model.Point{Lat: 3, Lng: 3}},
				Centroid: &model.Point{Lat: 1, Lng: 1},
			}
			p2 := create(ctx, store, second)
			_, _ = agg.AggregateSegmentPass(ctx, p2.ID, p2)

			Convey("Then only the line is adopted", func() {
				a, _ := store.GetAggregate(ctx, city, cell)
				So(a.Geometry.Line, ShouldNotBeNil)
				So(a.Geometry.Centroid, ShouldBeNil)
			})
		})
	})
}

type failingStore struct {
	repository.Store
	err error
}

func (f failingStore) RunInTransaction(context.Context, func(context.Context, repository.Tx) error) error {
	return f.err
}

func TestAggregateSegmentPass_StoreFailure(t *testing.T) {
	Convey("Given a store whose transactions keep conflicting", t, func() {
		agg := aggregate.New(failingStore{err: repository.ErrConflict})
		p := newPass("p1", 10, 1, t0)

		Convey("Then the failure is surfaced to the caller", func() {
			_, err := agg.AggregateSegmentPass(context.Background(), p.ID, &p)
			So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "p1")
		})
	})
}
