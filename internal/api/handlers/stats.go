package handlers

import (
	"log/slog"
	"net/http"
)

// StatsHandler handles GET /api/summary.
type StatsHandler struct {
	Reporter Reporter
}

// ServeHTTP returns counts by status and entity type and the high-risk files.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Reporter.Summary(r.Context())
	if err != nil {
		slog.Error("summary", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to build summary")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
