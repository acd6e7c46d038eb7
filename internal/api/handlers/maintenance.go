package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eargollo/piiscan/internal/store"
)

// MaintenanceStore is the destructive side of the store.
type MaintenanceStore interface {
	Requeue(ctx context.Context, statuses ...store.Status) (int64, error)
	Clear(ctx context.Context) error
}

// MaintenanceHandler handles requeue and clear. Both are refused while a run
// is active.
type MaintenanceHandler struct {
	Store   MaintenanceStore
	Manager RunManager
}

type requeueRequest struct {
	Statuses []string `json:"statuses"`
}

// Requeue handles POST /api/requeue with {"statuses": ["failed"]}. An empty
// body requeues failed records.
func (h *MaintenanceHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	if h.Manager.Active() != nil {
		writeError(w, http.StatusConflict, "RUN_ALREADY_ACTIVE", "Stop the active run first")
		return
	}
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if len(req.Statuses) == 0 {
		req.Statuses = []string{string(store.StatusFailed)}
	}

	var statuses []store.Status
	for _, s := range req.Statuses {
		st, err := store.ParseStatus(s)
		if err != nil || !st.Terminal() {
			writeError(w, http.StatusBadRequest, "INVALID_STATUS", "Only completed, failed and skipped records can be requeued")
			return
		}
		statuses = append(statuses, st)
	}

	n, err := h.Store.Requeue(r.Context(), statuses...)
	if err != nil {
		slog.Error("requeue", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	slog.Info("requeued records", "statuses", req.Statuses, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// Clear handles POST /api/clear. The body must be {"confirm": true}.
func (h *MaintenanceHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Confirm {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_REQUIRED", `Send {"confirm": true} to delete all results`)
		return
	}
	if h.Manager.Active() != nil {
		writeError(w, http.StatusConflict, "RUN_ALREADY_ACTIVE", "Stop the active run first")
		return
	}
	if err := h.Store.Clear(r.Context()); err != nil {
		slog.Error("clear", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	slog.Warn("all results cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}
