package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eargollo/piiscan/internal/discover"
	"github.com/eargollo/piiscan/internal/store"
)

// Progress holds live counters for one run. All fields are atomic so workers
// write them and the status endpoint reads them without locks.
type Progress struct {
	Discovery discover.Counters

	Completed atomic.Int64
	Failed    atomic.Int64
	Skipped   atomic.Int64
	Findings  atomic.Int64
	ClaimLost atomic.Int64
	Errors    atomic.Int64

	// ProcessingStartedAt is a unix-ms timestamp set by the first claim that
	// returns work (0 = not started).
	ProcessingStartedAt atomic.Int64
}

// Processed counts files this run brought to a terminal state.
func (p *Progress) Processed() int64 {
	return p.Completed.Load() + p.Failed.Load() + p.Skipped.Load()
}

// Counters snapshots the progress in the shape persisted to runs.
func (p *Progress) Counters() store.RunCounters {
	return store.RunCounters{
		Discovered: p.Discovery.Discovered.Load(),
		Created:    p.Discovery.Created.Load(),
		Updated:    p.Discovery.Updated.Load(),
		Unchanged:  p.Discovery.Unchanged.Load(),
		Completed:  p.Completed.Load(),
		Failed:     p.Failed.Load(),
		Skipped:    p.Skipped.Load(),
		Findings:   p.Findings.Load(),
		Errors:     p.Errors.Load() + p.Discovery.Errors.Load(),
	}
}

// RunRecorder is the part of the store that keeps run history.
type RunRecorder interface {
	UpdateRunCounters(ctx context.Context, id int64, c store.RunCounters) error
}

// progressReporter writes the counters of run id every interval until stop
// is closed, then flushes one last time.
func progressReporter(ctx context.Context, rec RunRecorder, id int64, p *Progress, interval time.Duration, stop <-chan struct{}, logger *slog.Logger) {
	flush := func() {
		if err := rec.UpdateRunCounters(ctx, id, p.Counters()); err != nil && ctx.Err() == nil {
			logger.Warn("progress reporter: update failed", "run", id, "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			flush()
			return
		case <-ctx.Done():
			return
		}
	}
}
