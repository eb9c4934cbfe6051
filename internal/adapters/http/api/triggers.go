package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// TriggersHandler exposes the operator triggers: backfill and sweep.
type TriggersHandler struct {
	deps Dependencies
}

// NewTriggersHandler creates a new triggers handler.
func NewTriggersHandler(deps Dependencies) *TriggersHandler {
	return &TriggersHandler{deps: deps}
}

// HandleBackfill handles POST /backfill?city=&limit=.
func (h *TriggersHandler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	report, err := h.deps.Backfill(r.Context(), r.URL.Query().Get("city"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleSweep handles POST /sweep?limit=.
func (h *TriggersHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	report, err := h.deps.Sweep(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// queryLimit reads the optional limit parameter; absent means zero, which
// each trigger maps to its default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be an integer", ErrBadRequest)
	}
	return n, nil
}
