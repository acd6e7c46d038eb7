package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/eargollo/piiscan/internal/config"
)

// Rescheduler replaces the cron job. *scheduler.Scheduler satisfies it.
type Rescheduler interface {
	SetSchedule(expr string) error
}

// ConfigHandler handles GET/PATCH /api/config. Database and logging
// settings are never serialised.
type ConfigHandler struct {
	Cfg   *config.Config
	Sched Rescheduler
	mu    sync.Mutex // guards Cfg mutations
}

// ConfigPatch describes the fields that can be updated at runtime.
// Only supplied (non-nil) fields are applied; changes last until restart.
type ConfigPatch struct {
	Schedule *string `json:"schedule"`
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(w, http.StatusOK, h.Cfg)
}

// Update handles PATCH /api/config.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if patch.Schedule != nil {
		if h.Sched == nil {
			writeError(w, http.StatusConflict, "NO_SCHEDULER", "Scheduling is not enabled")
			return
		}
		if err := h.Sched.SetSchedule(*patch.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
			return
		}
		h.Cfg.Schedule = *patch.Schedule
		slog.Info("config: schedule updated", "cron", *patch.Schedule)
	}
	writeJSON(w, http.StatusOK, h.Cfg)
}
