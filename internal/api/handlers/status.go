package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/piiscan/internal/pipeline"
)

// RunManager is the control surface of the pipeline. *pipeline.Manager
// satisfies it.
type RunManager interface {
	Start(ctx context.Context, triggeredBy string) (*pipeline.ActiveRun, error)
	Stop() (*pipeline.ActiveRun, error)
	Status(ctx context.Context) (pipeline.Status, error)
	Active() *pipeline.ActiveRun
}

// Schedule reports the cron job. *scheduler.Scheduler satisfies it.
type Schedule interface {
	CronExpr() string
	NextRunAt() *time.Time
}

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Manager RunManager
	Sched   Schedule
	Version string
}

type statusResponse struct {
	pipeline.Status
	Schedule *scheduleInfo `json:"schedule,omitempty"`
	Version  string        `json:"version,omitempty"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the pipeline status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st, err := h.Manager.Status(r.Context())
	if err != nil {
		slog.Error("status: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read status")
		return
	}
	resp := statusResponse{Status: st, Version: h.Version}
	if h.Sched != nil && h.Sched.CronExpr() != "" {
		resp.Schedule = &scheduleInfo{Cron: h.Sched.CronExpr(), NextRunAt: h.Sched.NextRunAt()}
	}
	writeJSON(w, http.StatusOK, resp)
}
