package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eargollo/piiscan/internal/pipeline"
)

// Starter launches a run. *pipeline.Manager satisfies it.
type Starter interface {
	Start(ctx context.Context, triggeredBy string) (*pipeline.ActiveRun, error)
}

// Scheduler wraps robfig/cron and starts a run on each tick.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string
	starter  Starter
	ctx      context.Context
	logger   *slog.Logger
}

// New creates a stopped Scheduler. Runs it starts inherit ctx.
func New(ctx context.Context, starter Starter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{c: cron.New(), starter: starter, ctx: ctx, logger: logger}
}

// SetSchedule replaces the current job with expr. An empty expr disables
// scheduled runs.
func (s *Scheduler) SetSchedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.c.Remove(s.entryID)
		s.entryID = 0
	}
	s.cronExpr = expr
	if expr == "" {
		s.logger.Info("scheduler: disabled")
		return nil
	}

	id, err := s.c.AddFunc(expr, s.fire)
	if err != nil {
		s.cronExpr = ""
		return err
	}
	s.entryID = id
	s.logger.Info("scheduler: job set", "cron", expr)
	return nil
}

// fire starts a run, skipping the tick when one is already active.
func (s *Scheduler) fire() {
	run, err := s.starter.Start(s.ctx, "schedule")
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.logger.Info("scheduler: run already in progress, skipping tick")
	case err != nil:
		s.logger.Error("scheduler: start run", "error", err)
	default:
		s.logger.Info("scheduler: run started", "run_id", run.ID)
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next scheduled time, or nil if no job is set.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}
