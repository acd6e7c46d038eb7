package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/piiscan/internal/pipeline"
	"github.com/eargollo/piiscan/internal/store"
)

// RunStore is the run-history side of the store.
type RunStore interface {
	GetRun(ctx context.Context, id int64) (store.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]store.Run, int64, error)
	RunErrors(ctx context.Context, runID int64, limit int) ([]store.RunError, error)
}

// RunsHandler handles run-related API endpoints.
type RunsHandler struct {
	Store   RunStore
	Manager RunManager
	// Ctx is the server lifetime; runs started over HTTP outlive the request.
	Ctx context.Context
}

// Create handles POST /api/runs: starts a manual run.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := h.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	active, err := h.Manager.Start(ctx, "manual")
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "RUN_ALREADY_ACTIVE", "A run is already in progress")
			return
		}
		slog.Error("runs: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           active.ID,
		"status":       store.RunRunning,
		"started_at":   active.StartedAt.UTC(),
		"triggered_by": active.TriggeredBy,
	})
}

// Stop handles DELETE /api/runs/current. Workers finish their batches; the
// run is marked stopped once they have.
func (h *RunsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Stop()
	if err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_RUN", "No run is currently active")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         snap.ID,
		"status":     "stopping",
		"started_at": snap.StartedAt.UTC(),
	})
}

// List handles GET /api/runs: run history, newest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	runs, total, err := h.Store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		slog.Error("runs list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, ListResponse[store.Run]{
		Items:  runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/runs/{id}, including up to 100 recorded file errors.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid run ID")
		return
	}

	run, err := h.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	errs, err := h.Store.RunErrors(r.Context(), id, 100)
	if err != nil {
		slog.Error("runs get: errors", "run_id", id, "error", err)
	}
	if errs == nil {
		errs = []store.RunError{}
	}
	writeJSON(w, http.StatusOK, struct {
		store.Run
		ErrorList []store.RunError `json:"error_list"`
	}{run, errs})
}
