package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/roughmap/internal/adapters/http/api"
	"github.com/okian/roughmap/internal/adapters/repository"
	service "github.com/okian/roughmap/internal/app"
	"github.com/okian/roughmap/internal/config"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/internal/domain/trigger"
	"github.com/okian/roughmap/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

// mockDependencies records what the handlers pass through and returns canned values.
type mockDependencies struct {
	ingested  []model.SegmentPass
	traces    []service.TraceInput
	duplicate bool
	err       error

	backfillCity  string
	backfillLimit int
	sweepLimit    int
	published     *bool
}

func (m *mockDependencies) IngestPass(_ context.Context, p model.SegmentPass) (service.IngestResult, error) {
	if m.err != nil {
		return service.IngestResult{}, m.err
	}
	m.ingested = append(m.ingested, p)
	return service.IngestResult{Pass: p, Duplicate: m.duplicate, Queued: !m.duplicate}, nil
}

func (m *mockDependencies) IngestTrace(_ context.Context, in service.TraceInput) (service.IngestResult, error) {
	if m.err != nil {
		return service.IngestResult{}, m.err
	}
	m.traces = append(m.traces, in)
	return service.IngestResult{Pass: model.SegmentPass{ID: in.ID}, Queued: true, Dropped: 1}, nil
}

func (m *mockDependencies) Replay(_ context.Context, passID string) (model.Result, error) {
	if m.err != nil {
		return model.Result{}, m.err
	}
	return model.Skip(passID, model.ReasonAlreadyProcessed), nil
}

func (m *mockDependencies) Backfill(_ context.Context, cityID string, limit int) (trigger.Report, error) {
	m.backfillCity, m.backfillLimit = cityID, limit
	if m.err != nil {
		return trigger.Report{}, m.err
	}
	return trigger.Report{Trigger: trigger.Backfill, Scanned: 3, Merged: 3}, nil
}

func (m *mockDependencies) Sweep(_ context.Context, limit int) (trigger.Report, error) {
	m.sweepLimit = limit
	return trigger.Report{Trigger: trigger.Sweep}, m.err
}

func (m *mockDependencies) Pass(_ context.Context, passID string) (model.SegmentPass, error) {
	if m.err != nil {
		return model.SegmentPass{}, m.err
	}
	return model.SegmentPass{ID: passID, Processed: true}, nil
}

func (m *mockDependencies) Aggregate(_ context.Context, cityID, cellID string) (model.SegmentAggregate, error) {
	if m.err != nil {
		return model.SegmentAggregate{}, m.err
	}
	return model.SegmentAggregate{CityID: cityID, CellID: cellID, RoughnessPercent: 42}, nil
}

func (m *mockDependencies) Aggregates(_ context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error) {
	m.published = &publishedOnly
	return []model.SegmentAggregate{{CityID: cityID, CellID: "c1"}}, m.err
}

func (m *mockDependencies) CityRoot(_ context.Context, cityID string) (model.CityRoot, error) {
	if m.err != nil {
		return model.CityRoot{}, m.err
	}
	return model.CityRoot{CityID: cityID, LastAggCellID: "c1"}, nil
}

type mockStatsProvider struct {
	stats map[string]any
}

func (m *mockStatsProvider) GetStats() map[string]any { return m.stats }

func newMux(deps api.Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, &mockStatsProvider{stats: map[string]any{"started": true}}).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestPassesHandler(t *testing.T) {
	Convey("Given the API over mocked dependencies", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When a pass with nested geometry is posted", func() {
			w := do(mux, http.MethodPost, "/passes",
				`{"id":"p1","cityId":"metro_v1","cellId":"c1","roughnessPercent":40,"sampleCount":3,
				  "geometry":{"centroid":{"lat":1,"lng":2}}}`)

			Convey("Then it is accepted and forwarded unchanged", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				body := decode(w)
				So(body["status"], ShouldEqual, "accepted")
				So(body["queued"], ShouldEqual, true)
				So(len(deps.ingested), ShouldEqual, 1)
				So(deps.ingested[0].SampleCount, ShouldEqual, 3)
				So(deps.ingested[0].Geometry.Centroid, ShouldNotBeNil)
			})
		})

		Convey("When a pass carries flat geometry fields", func() {
			w := do(mux, http.MethodPost, "/passes",
				`{"cityId":"metro_v1","cellId":"c1","roughnessPercent":40,
				  "lineStartLat":1,"lineStartLng":2,"lineEndLat":3,"lineEndLng":4,"centroidLat":2,"centroidLng":3}`)

			Convey("Then the line wins over the centroid", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				g := deps.ingested[0].Geometry
				So(g.Line, ShouldNotBeNil)
				So(g.Line.End.Lng, ShouldEqual, 4)
				So(g.Centroid, ShouldBeNil)
			})
		})

		Convey("When the same pass id is posted again", func() {
			deps.duplicate = true
			w := do(mux, http.MethodPost, "/passes", `{"id":"p1","cityId":"metro_v1","cellId":"c1","roughnessPercent":40}`)

			Convey("Then it answers 200 duplicate", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["status"], ShouldEqual, "duplicate")
			})
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPost, "/passes", `{not json`)

			Convey("Then it answers 400", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "bad_request")
			})
		})

		Convey("When the service rejects the pass", func() {
			deps.err = fmt.Errorf("%w: missing cityId", service.ErrInvalidPass)
			w := do(mux, http.MethodPost, "/passes", `{"roughnessPercent":10}`)

			Convey("Then it answers 400 with the reason", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["message"], ShouldContainSubstring, "cityId")
			})
		})

		Convey("When roughnessPercent is absent or null", func() {
			absent := do(mux, http.MethodPost, "/passes", `{"id":"p2","cityId":"metro_v1","cellId":"c1"}`)
			null := do(mux, http.MethodPost, "/passes", `{"id":"p3","cityId":"metro_v1","cellId":"c1","roughnessPercent":null}`)

			Convey("Then both answer 400 and nothing reaches the service", func() {
				So(absent.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(absent)["message"], ShouldContainSubstring, "roughnessPercent")
				So(null.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(null)["message"], ShouldContainSubstring, "roughnessPercent")
				So(deps.ingested, ShouldBeEmpty)
			})
		})

		Convey("When several required fields are missing", func() {
			w := do(mux, http.MethodPost, "/passes", `{"id":"p5","cityId":"metro_v1"}`)

			Convey("Then every one is named", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["message"], ShouldContainSubstring, "cellId, roughnessPercent")
			})
		})

		Convey("When roughnessPercent is an explicit zero", func() {
			w := do(mux, http.MethodPost, "/passes", `{"id":"p4","cityId":"metro_v1","cellId":"c1","roughnessPercent":0}`)

			Convey("Then it is a real measurement", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(len(deps.ingested), ShouldEqual, 1)
				So(deps.ingested[0].RoughnessPercent, ShouldEqual, 0)
			})
		})

		Convey("When a trace is posted", func() {
			w := do(mux, http.MethodPost, "/traces",
				`{"id":"t1","cityId":"metro_v1","cellId":"c1","samples":[{"t":0,"az":9.8},{"t":10,"az":9.9,"handling":true}]}`)

			Convey("Then the samples reach the service", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(decode(w)["dropped"], ShouldEqual, 1)
				So(len(deps.traces[0].Samples), ShouldEqual, 2)
				So(deps.traces[0].Samples[1].Handling, ShouldBeTrue)
			})
		})

		Convey("When a pass is read and replayed", func() {
			get := do(mux, http.MethodGet, "/passes/p1", "")
			replay := do(mux, http.MethodPost, "/passes/p1/replay", "")

			Convey("Then both resolve the path id", func() {
				So(get.Code, ShouldEqual, http.StatusOK)
				So(decode(get)["id"], ShouldEqual, "p1")
				So(replay.Code, ShouldEqual, http.StatusOK)
				So(decode(replay)["reason"], ShouldEqual, string(model.ReasonAlreadyProcessed))
			})
		})

		Convey("When the pass does not exist", func() {
			deps.err = fmt.Errorf("get pass: %w", repository.ErrNotFound)
			w := do(mux, http.MethodGet, "/passes/nope", "")

			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the wrong method is used", func() {
			w := do(mux, http.MethodGet, "/passes", "")

			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestAggregatesHandler(t *testing.T) {
	Convey("Given the API over mocked dependencies", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When a cell aggregate is requested", func() {
			w := do(mux, http.MethodGet, "/aggregates/metro_v1/c7", "")

			Convey("Then city and cell come from the path", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["cityId"], ShouldEqual, "metro_v1")
				So(body["cellId"], ShouldEqual, "c7")
			})
		})

		Convey("When published aggregates are listed", func() {
			w := do(mux, http.MethodGet, "/aggregates/metro_v1?published=true", "")

			So(w.Code, ShouldEqual, http.StatusOK)
			So(*deps.published, ShouldBeTrue)
		})

		Convey("When the published flag is malformed", func() {
			w := do(mux, http.MethodGet, "/aggregates/metro_v1?published=maybe", "")

			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a city root is requested", func() {
			w := do(mux, http.MethodGet, "/cities/metro_v1", "")

			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["lastAggCellId"], ShouldEqual, "c1")
		})
	})
}

func TestTriggersHandler(t *testing.T) {
	Convey("Given the API over mocked dependencies", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When a backfill is requested", func() {
			w := do(mux, http.MethodPost, "/backfill?city=metro_v1&limit=25", "")

			Convey("Then the report is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.backfillCity, ShouldEqual, "metro_v1")
				So(deps.backfillLimit, ShouldEqual, 25)
				So(decode(w)["merged"], ShouldEqual, 3)
			})
		})

		Convey("When the limit is not a number", func() {
			w := do(mux, http.MethodPost, "/backfill?city=metro_v1&limit=lots", "")

			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the backfill limit is out of range", func() {
			deps.err = trigger.ErrInvalidLimit
			w := do(mux, http.MethodPost, "/backfill?city=metro_v1&limit=9999", "")

			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the store keeps conflicting", func() {
			deps.err = fmt.Errorf("%w after 5 attempts", repository.ErrConflict)
			w := do(mux, http.MethodPost, "/sweep", "")

			So(w.Code, ShouldEqual, http.StatusConflict)
		})

		Convey("When a sweep is requested without a limit", func() {
			w := do(mux, http.MethodPost, "/sweep", "")

			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.sweepLimit, ShouldEqual, 0)
		})

		Convey("When the service is not running", func() {
			deps.err = service.ErrNotStarted
			w := do(mux, http.MethodPost, "/sweep", "")

			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("When something unexpected fails", func() {
			deps.err = errors.New("disk on fire")
			w := do(mux, http.MethodGet, "/cities/metro_v1", "")

			So(w.Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given the API", t, func() {
		mux := newMux(&mockDependencies{})

		Convey("Then /healthz serves the metrics exposition", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then /stats serves the provider's stats", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["started"], ShouldEqual, true)
		})
	})
}

func TestAPIEndToEnd(t *testing.T) {
	Convey("Given the API over a running service", t, func() {
		cfg := config.New(context.Background())
		cfg.StoreDriver = config.StoreMemory
		cfg.WorkerCount = 2
		cfg.SweepIntervalSec = 0
		svc := service.New(service.WithConfig(cfg), service.WithLogger(logger.NewNop()))
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc, svc).Register(context.Background(), mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("When two passes are posted for one cell", func() {
			for i, r := range []int{30, 50} {
				body := fmt.Sprintf(`{"id":"p%d","cityId":"metro_v1","cellId":"c1","roughnessPercent":%d,"createdAt":"2024-01-01T00:00:0%dZ"}`, i, r, i)
				resp, err := http.Post(srv.URL+"/passes", "application/json", strings.NewReader(body))
				So(err, ShouldBeNil)
				So(resp.StatusCode, ShouldEqual, http.StatusAccepted)
				_ = resp.Body.Close()
			}

			Convey("And passes without a roughness value are rejected", func() {
				for _, body := range []string{
					`{"id":"p8","cityId":"metro_v1","cellId":"c1"}`,
					`{"id":"p9","cityId":"metro_v1","cellId":"c1","roughnessPercent":null}`,
				} {
					resp, err := http.Post(srv.URL+"/passes", "application/json", strings.NewReader(body))
					So(err, ShouldBeNil)
					So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
					_ = resp.Body.Close()
				}

				resp, err := http.Get(srv.URL + "/passes/p8")
				So(err, ShouldBeNil)
				So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
				_ = resp.Body.Close()
			})

			Convey("Then the aggregate becomes readable with their mean", func() {
				var agg model.SegmentAggregate
				deadline := time.Now().Add(3 * time.Second)
				for time.Now().Before(deadline) {
					resp, err := http.Get(srv.URL + "/aggregates/metro_v1/c1")
					So(err, ShouldBeNil)
					if resp.StatusCode == http.StatusOK {
						So(json.NewDecoder(resp.Body).Decode(&agg), ShouldBeNil)
					}
					_ = resp.Body.Close()
					if agg.Passes == 2 {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				So(agg.Passes, ShouldEqual, 2)
				So(agg.RoughnessPercent, ShouldAlmostEqual, 40, 1e-9)
			})
		})
	})
}
