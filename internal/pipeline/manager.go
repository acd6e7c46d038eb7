package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/piiscan/internal/discover"
	"github.com/eargollo/piiscan/internal/store"
)

// ErrAlreadyRunning is returned when a run is started while one is active.
var ErrAlreadyRunning = errors.New("a run is already in progress")

// ErrNotRunning is returned when stopping with no active run.
var ErrNotRunning = errors.New("no run is currently active")

// State is the manager's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateProcessing State = "processing"
	StateStopping   State = "stopping"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Discoverer registers files for a run.
type Discoverer interface {
	Run(ctx context.Context, c *discover.Counters, report discover.ErrorReporter) error
}

// ActiveRun holds live information about the running scan.
type ActiveRun struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	TriggeredBy string    `json:"triggered_by"`
	Progress    *Progress `json:"-"`
}

type activeRun struct {
	ActiveRun
	pool       *Pool
	stopDiscov context.CancelFunc
	done       chan struct{}
}

// Manager enforces a single active run and exposes start, stop and status.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	store    *store.Store
	disc     Discoverer
	ext      Extractor
	det      Detector
	cfg      PoolConfig
	logger   *slog.Logger
	flushDur time.Duration

	state   State
	lastErr string
	active  *activeRun
	last    *ActiveRun
}

// NewManager creates a Manager. logger may be nil.
func NewManager(st *store.Store, disc Discoverer, ext Extractor, det Detector, cfg PoolConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		disc:     disc,
		ext:      ext,
		det:      det,
		cfg:      cfg,
		logger:   logger,
		flushDur: time.Second,
		state:    StateIdle,
	}
}

// Start launches an asynchronous run: discovery and processing proceed
// concurrently. The run row is created before Start returns so its id can be
// reported immediately.
func (m *Manager) Start(parent context.Context, triggeredBy string) (*ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	startedAt := time.Now()
	id, err := m.store.CreateRun(parent, startedAt, triggeredBy)
	if err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	run := &activeRun{
		ActiveRun: ActiveRun{ID: id, StartedAt: startedAt, TriggeredBy: triggeredBy, Progress: &Progress{}},
		pool:      NewPool(m.store, m.ext, m.det, m.cfg, m.logger),
		done:      make(chan struct{}),
	}
	runCtx := context.WithoutCancel(parent)
	runCtx, cancel := context.WithCancel(runCtx)
	discCtx, stopDiscov := context.WithCancel(runCtx)
	run.stopDiscov = stopDiscov
	// A cancelled parent is a hard stop; stopping via Stop is graceful.
	unhook := context.AfterFunc(parent, cancel)

	m.active = run
	m.state = StateScanning
	m.lastErr = ""

	go func() {
		defer close(run.done)
		defer unhook()
		defer cancel()
		defer stopDiscov()

		status, runErr := m.execute(runCtx, discCtx, run)
		m.finish(run, status, runErr)
	}()

	snap := run.ActiveRun
	return &snap, nil
}

func (m *Manager) execute(runCtx, discCtx context.Context, run *activeRun) (string, error) {
	m.logger.Info("run started", "id", run.ID, "triggered_by", run.TriggeredBy)

	prog := run.Progress
	report := func(path, stage, msg string) {
		if err := m.store.RecordRunError(context.WithoutCancel(runCtx), run.ID, path, stage, msg); err != nil {
			m.logger.Warn("record run error", "run", run.ID, "error", err)
		}
	}

	reporterStop := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		progressReporter(runCtx, m.store, run.ID, prog, m.flushDur, reporterStop, m.logger)
	}()
	defer func() {
		close(reporterStop)
		<-reporterDone
	}()

	discoveryDone := make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(discoveryDone)
		ctx, cancel := context.WithCancel(gctx)
		defer cancel()
		stop := context.AfterFunc(discCtx, cancel)
		defer stop()

		err := m.disc.Run(ctx, &prog.Discovery, discover.ErrorReporter(report))
		if err != nil && discCtx.Err() != nil && runCtx.Err() == nil {
			// Stopped on request; what was registered stays registered.
			return nil
		}
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		m.setState(StateProcessing)
		return nil
	})
	g.Go(func() error {
		return run.pool.Run(gctx, discoveryDone, prog, ErrorReporter(report))
	})

	err := g.Wait()
	switch {
	case runCtx.Err() != nil:
		return store.RunStopped, nil
	case err != nil:
		return store.RunFailed, err
	case run.pool.stopping():
		return store.RunStopped, nil
	default:
		return store.RunCompleted, nil
	}
}

func (m *Manager) finish(run *activeRun, status string, runErr error) {
	ctx := context.Background()
	finishedAt := time.Now()
	if err := m.store.FinishRun(ctx, run.ID, status, finishedAt, run.Progress.Counters(), runErr); err != nil {
		m.logger.Error("finish run record", "id", run.ID, "error", err)
	}

	logArgs := []any{
		"id", run.ID,
		"status", status,
		"elapsed", finishedAt.Sub(run.StartedAt).Round(time.Millisecond),
		"completed", run.Progress.Completed.Load(),
		"failed", run.Progress.Failed.Load(),
		"skipped", run.Progress.Skipped.Load(),
		"findings", run.Progress.Findings.Load(),
	}
	if runErr != nil {
		m.logger.Error("run finished", append(logArgs, "error", runErr)...)
	} else {
		m.logger.Info("run finished", logArgs...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case store.RunCompleted:
		m.state = StateCompleted
	case store.RunFailed:
		m.state = StateError
		if runErr != nil {
			m.lastErr = runErr.Error()
		}
	default:
		m.state = StateIdle
	}
	snap := run.ActiveRun
	m.last = &snap
	m.active = nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopping {
		m.state = s
	}
}

// Stop asks the active run to wind down: discovery stops and workers finish
// the batch they hold. It returns without waiting.
func (m *Manager) Stop() (*ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNotRunning
	}
	m.state = StateStopping
	m.active.stopDiscov()
	m.active.pool.Stop()
	snap := m.active.ActiveRun
	return &snap, nil
}

// Wait blocks until the active run, if any, has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns a snapshot of the running scan, or nil when idle.
func (m *Manager) Active() *ActiveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := m.active.ActiveRun
	return &snap
}

// Estimate is the projected completion of the current run.
type Estimate struct {
	FilesPerSecond   float64 `json:"files_per_second"`
	RemainingFiles   int64   `json:"remaining_files"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Human            string  `json:"human"`
}

// Status is what the control surface reports.
type Status struct {
	State           State              `json:"state"`
	Run             *ActiveRun         `json:"run,omitempty"`
	Counts          store.StatusCounts `json:"counts"`
	Total           int64              `json:"total"`
	ProgressPercent float64            `json:"progress_percent"`
	RunCounters     *store.RunCounters `json:"run_counters,omitempty"`
	Estimate        *Estimate          `json:"estimate,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
}

// Status combines the durable counts with the live progress of the active
// run.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	counts, err := m.store.StatusSummary(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	st := Status{State: m.state, LastError: m.lastErr, Counts: counts, Total: counts.Total()}
	var prog *Progress
	if m.active != nil {
		snap := m.active.ActiveRun
		st.Run = &snap
		prog = m.active.Progress
	} else if m.last != nil {
		snap := *m.last
		st.Run = &snap
	}
	m.mu.Unlock()

	if st.Total > 0 {
		st.ProgressPercent = float64(counts.Finished()) / float64(st.Total) * 100
	}
	if prog != nil {
		c := prog.Counters()
		st.RunCounters = &c
		st.Estimate = estimate(prog, counts, time.Now())
	}
	return st, nil
}

// estimate projects the remaining time from this run's throughput. It is
// nil until at least one file has been processed.
func estimate(prog *Progress, counts store.StatusCounts, now time.Time) *Estimate {
	started := prog.ProcessingStartedAt.Load()
	done := prog.Processed()
	if started == 0 || done == 0 {
		return nil
	}
	elapsed := now.Sub(time.UnixMilli(started)).Seconds()
	if elapsed <= 0 {
		return nil
	}

	rate := float64(done) / elapsed
	remaining := counts[store.StatusPending] + counts.InFlight()
	secs := float64(remaining) / rate
	eta := now.Add(time.Duration(secs * float64(time.Second)))
	return &Estimate{
		FilesPerSecond:   rate,
		RemainingFiles:   remaining,
		RemainingSeconds: secs,
		Human:            humanize.RelTime(now, eta, "from now", "ago"),
	}
}

// InterruptStaleRuns marks runs left running by a previous process. Call it
// once at startup, before the first Start.
func (m *Manager) InterruptStaleRuns(ctx context.Context) error {
	if _, err := m.store.InterruptStaleRuns(ctx); err != nil {
		return fmt.Errorf("interrupt stale runs: %w", err)
	}
	return nil
}
