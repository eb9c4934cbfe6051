// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/roughmap/internal/adapters/repository"
	service "github.com/okian/roughmap/internal/app"
	"github.com/okian/roughmap/internal/domain/model"
	"github.com/okian/roughmap/internal/domain/trigger"
)

// maxBodyBytes bounds request bodies; traces are the largest payload.
const maxBodyBytes = 4 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	IngestPass(ctx context.Context, p model.SegmentPass) (service.IngestResult, error)
	IngestTrace(ctx context.Context, in service.TraceInput) (service.IngestResult, error)

	Replay(ctx context.Context, passID string) (model.Result, error)
	Backfill(ctx context.Context, cityID string, limit int) (trigger.Report, error)
	Sweep(ctx context.Context, limit int) (trigger.Report, error)

	Pass(ctx context.Context, passID string) (model.SegmentPass, error)
	Aggregate(ctx context.Context, cityID, cellID string) (model.SegmentAggregate, error)
	Aggregates(ctx context.Context, cityID string, publishedOnly bool) ([]model.SegmentAggregate, error)
	CityRoot(ctx context.Context, cityID string) (model.CityRoot, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	passesHandler     *PassesHandler
	aggregatesHandler *AggregatesHandler
	triggersHandler   *TriggersHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:     NewHealthHandler(),
		statsHandler:      NewStatsHandler(statsProvider),
		passesHandler:     NewPassesHandler(deps),
		aggregatesHandler: NewAggregatesHandler(deps),
		triggersHandler:   NewTriggersHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /passes", MetricsMiddleware(s.passesHandler.HandlePostPass, "passes"))
	mux.HandleFunc("GET /passes/{id}", MetricsMiddleware(s.passesHandler.HandleGetPass, "pass"))
	mux.HandleFunc("POST /passes/{id}/replay", MetricsMiddleware(s.passesHandler.HandleReplay, "replay"))
	mux.HandleFunc("POST /traces", MetricsMiddleware(s.passesHandler.HandlePostTrace, "traces"))

	mux.HandleFunc("GET /aggregates/{city}", MetricsMiddleware(s.aggregatesHandler.HandleListAggregates, "aggregates"))
	mux.HandleFunc("GET /aggregates/{city}/{cell}", MetricsMiddleware(s.aggregatesHandler.HandleGetAggregate, "aggregate"))
	mux.HandleFunc("GET /cities/{city}", MetricsMiddleware(s.aggregatesHandler.HandleGetCity, "city"))

	mux.HandleFunc("POST /backfill", MetricsMiddleware(s.triggersHandler.HandleBackfill, "backfill"))
	mux.HandleFunc("POST /sweep", MetricsMiddleware(s.triggersHandler.HandleSweep, "sweep"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps pipeline errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidPass),
		errors.Is(err, service.ErrEmptyTrace),
		errors.Is(err, trigger.ErrMissingCity),
		errors.Is(err, trigger.ErrMissingPass),
		errors.Is(err, trigger.ErrInvalidLimit),
		errors.Is(err, repository.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}
