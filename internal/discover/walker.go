package discover

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/eargollo/piiscan/internal/store"
)

// dirQueue is an unbounded, concurrency-safe queue of directory paths.
// It tracks a pending counter so that walk knows when the tree is exhausted.
//
// Termination protocol:
//   - the caller increments pending BEFORE Push.
//   - Done decrements pending AFTER all children of a directory have been
//     pushed. When pending reaches 0 the queue closes and Pop returns false.
type dirQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	head    int // next item to pop
	pending atomic.Int64
	closed  bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a directory whose pending slot the caller already took.
func (q *dirQueue) Push(dir string) {
	q.mu.Lock()
	q.items = append(q.items, dir)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until a directory is available or the queue is closed.
// It returns ("", false) once the queue is closed and drained, or closed
// early by cancellation.
func (q *dirQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.head >= len(q.items) {
		return "", false
	}
	item := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	// Shares with millions of directories would otherwise keep every popped
	// slot alive until the walk ends.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

// Done releases the pending slot of one directory. Call it once per popped
// directory, after its subdirectories have been pushed.
func (q *dirQueue) Done() {
	if q.pending.Add(-1) == 0 {
		q.close()
	}
}

// close wakes every blocked Pop; used on completion and on cancellation.
func (q *dirQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// walkSpec describes one traversal of the data roots.
type walkSpec struct {
	roots    []string
	excludes map[string]struct{}
	workers  int
	// keep selects the files worth sending; nil keeps every regular file.
	keep func(path string) bool
}

func (s walkSpec) wants(path string) bool {
	return s.keep == nil || s.keep(path)
}

// walk traverses spec.roots with spec.workers goroutines and sends every
// kept regular file to out, closing out when done. A root may itself be a
// file, such as a single archive. Symlinks, special files and excluded paths
// are skipped. Filesystem errors go to report and the walk carries on.
func walk(ctx context.Context, spec walkSpec, out chan<- store.FileInfo, report ErrorReporter) {
	defer close(out)
	if spec.workers < 1 {
		spec.workers = 1
	}

	q := newDirQueue()
	for _, root := range spec.roots {
		root = filepath.Clean(root)
		info, err := os.Lstat(root)
		switch {
		case err != nil:
			report(root, "walk", err.Error())
		case info.IsDir():
			q.pending.Add(1)
			q.Push(root)
		case info.Mode().IsRegular() && spec.wants(root):
			select {
			case <-ctx.Done():
				return
			case out <- store.FileInfo{Path: root, Size: info.Size(), MTime: info.ModTime()}:
			}
		}
	}
	if q.pending.Load() == 0 {
		return
	}

	stop := context.AfterFunc(ctx, q.close)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < spec.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			walkDirs(ctx, q, spec, out, report)
		}()
	}
	wg.Wait()
}

// walkDirs pops directories until the queue closes, pushing subdirectories
// and sending the files spec keeps.
func walkDirs(ctx context.Context, q *dirQueue, spec walkSpec, out chan<- store.FileInfo, report ErrorReporter) {
	for {
		if ctx.Err() != nil {
			return
		}

		dir, ok := q.Pop()
		if !ok {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			report(dir, "walk", err.Error())
			q.Done()
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if _, excluded := spec.excludes[path]; excluded {
				continue
			}

			if entry.IsDir() {
				q.pending.Add(1)
				q.Push(path)
				continue
			}
			if entry.Type()&fs.ModeSymlink != 0 || !entry.Type().IsRegular() || !spec.wants(path) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				report(path, "walk", err.Error())
				continue
			}

			select {
			case <-ctx.Done():
				q.Done()
				return
			case out <- store.FileInfo{Path: path, Size: info.Size(), MTime: info.ModTime()}:
			}
		}

		q.Done()
	}
}
