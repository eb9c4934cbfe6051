package api

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	service "github.com/okian/roughmap/internal/app"
	"github.com/okian/roughmap/internal/domain/model"
)

// passRequest mirrors the OpenAPI schema for POST /passes. Geometry may be
// sent nested or as the six flat coordinate fields. RoughnessPercent shadows
// the embedded field so an absent or null value is not read as 0.
type passRequest struct {
	model.SegmentPass
	model.FlatGeometry
	RoughnessPercent *float64 `json:"roughnessPercent"`
}

func (p *passRequest) toPass() (model.SegmentPass, error) {
	pass := p.SegmentPass
	if p.RoughnessPercent == nil {
		pass.RoughnessPercent = math.NaN()
		return pass, fmt.Errorf("%w: missing %s", service.ErrInvalidPass, strings.Join(pass.MissingFields(), ", "))
	}
	pass.RoughnessPercent = *p.RoughnessPercent
	if pass.Geometry.IsZero() {
		pass.Geometry = p.FlatGeometry.Geometry()
	}
	return pass, nil
}

type ingestResponse struct {
	Status string `json:"status"`
	service.IngestResult
}

// PassesHandler handles pass ingestion and per-pass operations.
type PassesHandler struct {
	deps Dependencies
}

// NewPassesHandler creates a new passes handler.
func NewPassesHandler(deps Dependencies) *PassesHandler {
	return &PassesHandler{deps: deps}
}

// HandlePostPass handles POST /passes. New passes answer 202; a repeated id
// answers 200 with status duplicate.
func (h *PassesHandler) HandlePostPass(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	pass, err := req.toPass()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := h.deps.IngestPass(r.Context(), pass)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeIngest(w, res)
}

// HandlePostTrace handles POST /traces: a raw sample trace scored server-side.
func (h *PassesHandler) HandlePostTrace(w http.ResponseWriter, r *http.Request) {
	var req service.TraceInput
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := h.deps.IngestTrace(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeIngest(w, res)
}

// HandleGetPass handles GET /passes/{id}.
func (h *PassesHandler) HandleGetPass(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Pass(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleReplay handles POST /passes/{id}/replay.
func (h *PassesHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeIngest(w http.ResponseWriter, res service.IngestResult) {
	switch {
	case res.Duplicate:
		writeJSON(w, http.StatusOK, ingestResponse{Status: "duplicate", IngestResult: res})
	default:
		writeJSON(w, http.StatusAccepted, ingestResponse{Status: "accepted", IngestResult: res})
	}
}
