package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// AggregatesHandler serves the read side: per-cell aggregates and city roots.
type AggregatesHandler struct {
	deps Dependencies
}

// NewAggregatesHandler creates a new aggregates handler.
func NewAggregatesHandler(deps Dependencies) *AggregatesHandler {
	return &AggregatesHandler{deps: deps}
}

// HandleGetAggregate handles GET /aggregates/{city}/{cell}.
func (h *AggregatesHandler) HandleGetAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.deps.Aggregate(r.Context(), r.PathValue("city"), r.PathValue("cell"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// HandleListAggregates handles GET /aggregates/{city}?published=true.
func (h *AggregatesHandler) HandleListAggregates(w http.ResponseWriter, r *http.Request) {
	publishedOnly := false
	if raw := r.URL.Query().Get("published"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeServiceError(w, fmt.Errorf("%w: published must be a boolean", ErrBadRequest))
			return
		}
		publishedOnly = v
	}
	aggs, err := h.deps.Aggregates(r.Context(), r.PathValue("city"), publishedOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggs)
}

// HandleGetCity handles GET /cities/{city}.
func (h *AggregatesHandler) HandleGetCity(w http.ResponseWriter, r *http.Request) {
	root, err := h.deps.CityRoot(r.Context(), r.PathValue("city"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}
