// Package pipeline runs a scan: discovery registers files while a pool of
// workers claims them, extracts their text, detects PII and records the
// outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/store"
)

// ErrTooManyErrors aborts a pool whose gateways keep failing.
var ErrTooManyErrors = errors.New("too many consecutive processing errors")

// ClaimStore is the part of the store workers use.
type ClaimStore interface {
	ClaimBatch(ctx context.Context, maxN int, workerID string) ([]store.FileRecord, error)
	Advance(ctx context.Context, c store.Claim, to store.Status) error
	Release(ctx context.Context, c store.Claim, out store.Outcome) error
}

// Extractor turns a file into text.
type Extractor interface {
	Extract(ctx context.Context, path string, size int64) (string, error)
}

// Detector finds PII in text.
type Detector interface {
	Detect(ctx context.Context, text string) ([]pii.Candidate, error)
}

// ErrorReporter records a per-file processing problem.
type ErrorReporter func(path, stage, errMsg string)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers   int
	BatchSize int
	// PollInterval is how long an idle worker waits for discovery to
	// register more files.
	PollInterval time.Duration
	// MaxConsecutiveErrors aborts the pool after that many gateway failures
	// in a row across all workers; 0 disables the check.
	MaxConsecutiveErrors int
	SlowFile             time.Duration
	ProgressEvery        int64
}

// DefaultPoolConfig returns the defaults used when config leaves them unset.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:              8,
		BatchSize:            50,
		PollInterval:         2 * time.Second,
		MaxConsecutiveErrors: 50,
		SlowFile:             30 * time.Second,
		ProgressEvery:        10,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SlowFile <= 0 {
		c.SlowFile = d.SlowFile
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	return c
}

// Pool processes claimed files with a fixed number of workers.
type Pool struct {
	store  ClaimStore
	ext    Extractor
	det    Detector
	cfg    PoolConfig
	logger *slog.Logger

	stopOnce    sync.Once
	stopCh      chan struct{}
	consecutive atomic.Int64
}

// NewPool creates a Pool. logger may be nil.
func NewPool(st ClaimStore, ext Extractor, det Detector, cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  st,
		ext:    ext,
		det:    det,
		cfg:    cfg.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Stop asks the workers to finish the batch they hold and exit. It does not
// wait; Run returns once they are done.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Run starts the workers and blocks until they exit. discoveryDone is closed
// when no more files will be registered; nil means discovery already ended.
//
// Cancelling ctx is a hard stop: each worker finishes the file in hand and
// leaves the rest of its batch claimed, to be picked up after the claim goes
// stale. A store failure aborts every worker and is returned.
func (p *Pool) Run(ctx context.Context, discoveryDone <-chan struct{}, prog *Progress, report ErrorReporter) error {
	if prog == nil {
		prog = &Progress{}
	}
	if report == nil {
		report = func(string, string, string) {}
	}
	if discoveryDone == nil {
		done := make(chan struct{})
		close(done)
		discoveryDone = done
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := "worker-" + uuid.NewString()
		g.Go(func() error {
			return p.worker(gctx, id, discoveryDone, prog, report)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pool) worker(ctx context.Context, id string, discoveryDone <-chan struct{}, prog *Progress, report ErrorReporter) error {
	log := p.logger.With("worker", id)
	log.Debug("worker started")
	defer log.Debug("worker exited")

	for {
		if p.stopping() || ctx.Err() != nil {
			return nil
		}

		// Read before claiming so files registered just before discovery
		// ended are never missed.
		discoveryEnded := closed(discoveryDone)

		batch, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", id, err)
		}

		if len(batch) == 0 {
			if discoveryEnded {
				return nil
			}
			select {
			case <-time.After(p.cfg.PollInterval):
			case <-discoveryDone:
			case <-p.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			}
			continue
		}

		prog.ProcessingStartedAt.CompareAndSwap(0, time.Now().UnixMilli())
		log.Debug("claim batch", "size", len(batch))

		for _, rec := range batch {
			if ctx.Err() != nil {
				return nil
			}
			if err := p.process(ctx, log, rec, prog, report); err != nil {
				return err
			}
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// process runs one file through both gateways. It is not interrupted by
// cancellation of ctx; the outcome of a started file is always recorded.
func (p *Pool) process(ctx context.Context, log *slog.Logger, rec store.FileRecord, prog *Progress, report ErrorReporter) error {
	ctx = context.WithoutCancel(ctx)
	c := rec.Claim()
	start := time.Now()

	if err := p.store.Advance(ctx, c, store.StatusExtracting); err != nil {
		return p.storeFailure(log, rec.Path, prog, err)
	}
	text, err := p.ext.Extract(ctx, rec.Path, rec.SizeBytes)
	if err != nil {
		return p.release(ctx, log, c, p.failure(log, rec.Path, "extract", err, prog, report), prog)
	}

	if err := p.store.Advance(ctx, c, store.StatusDetecting); err != nil {
		return p.storeFailure(log, rec.Path, prog, err)
	}
	found, err := p.det.Detect(ctx, text)
	if err != nil {
		return p.release(ctx, log, c, p.failure(log, rec.Path, "detect", err, prog, report), prog)
	}

	p.consecutive.Store(0)
	if err := p.release(ctx, log, c, store.Completed(found), prog); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if elapsed > p.cfg.SlowFile {
		log.Warn("slow file", "path", rec.Path, "elapsed", elapsed.Round(time.Millisecond), "size", rec.SizeBytes)
	}
	log.Debug("file completed", "path", rec.Path, "findings", len(found), "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

// failure turns a gateway error into the outcome the file is released with.
func (p *Pool) failure(log *slog.Logger, path, stage string, err error, prog *Progress, report ErrorReporter) store.Outcome {
	if errors.Is(err, extract.ErrTooLarge) {
		log.Info("file skipped", "path", path, "reason", err)
		return store.Skipped(err.Error())
	}

	prog.Errors.Add(1)
	p.consecutive.Add(1)
	log.Warn("file failed", "path", path, "stage", stage, "kind", apperr.KindOf(err), "error", err)
	report(path, stage, err.Error())
	return store.Failed(fmt.Errorf("%s: %w", stage, err))
}

func (p *Pool) release(ctx context.Context, log *slog.Logger, c store.Claim, out store.Outcome, prog *Progress) error {
	if err := p.store.Release(ctx, c, out); err != nil {
		return p.storeFailure(log, c.Path, prog, err)
	}

	switch out.Status {
	case store.StatusCompleted:
		prog.Completed.Add(1)
		prog.Findings.Add(int64(len(out.Findings)))
	case store.StatusFailed:
		prog.Failed.Add(1)
	case store.StatusSkipped:
		prog.Skipped.Add(1)
	}

	if n := prog.Processed(); n%p.cfg.ProgressEvery == 0 {
		p.logger.Info("progress",
			"processed", n,
			"completed", prog.Completed.Load(),
			"failed", prog.Failed.Load(),
			"skipped", prog.Skipped.Load(),
			"findings", prog.Findings.Load())
	}

	if limit := int64(p.cfg.MaxConsecutiveErrors); limit > 0 && p.consecutive.Load() >= limit {
		return fmt.Errorf("%w (%d)", ErrTooManyErrors, limit)
	}
	return nil
}

// storeFailure decides whether a store error ends the worker. A lost claim
// only means another worker owns the file now.
func (p *Pool) storeFailure(log *slog.Logger, path string, prog *Progress, err error) error {
	if errors.Is(err, store.ErrClaimLost) {
		prog.ClaimLost.Add(1)
		log.Warn("claim lost, result discarded", "path", path)
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}
