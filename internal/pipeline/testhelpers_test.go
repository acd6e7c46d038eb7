package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustOpenStore(tb testing.TB, opts store.Options) *store.Store {
	tb.Helper()
	db, err := internaldb.Open(filepath.Join(tb.TempDir(), "test.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })
	require.NoError(tb, internaldb.RunMigrations(context.Background(), db, internaldb.SQLite))
	return store.New(db, internaldb.SQLite, opts)
}

func mustRegisterPaths(tb testing.TB, s *store.Store, paths ...string) {
	tb.Helper()
	for i, p := range paths {
		_, err := s.Register(context.Background(), store.FileInfo{Path: p, Size: 100, MTime: time.Unix(1_700_000_000+int64(i), 0)})
		require.NoError(tb, err)
	}
}

func numberedPaths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/data/file%02d.txt", i)
	}
	return out
}

// scriptedExtractor returns text or an error per file name. Unknown names
// yield fallback. Every call is recorded.
type scriptedExtractor struct {
	mu       sync.Mutex
	texts    map[string]string
	errs     map[string]error
	fallback string
	calls    []string
	// hook runs before each call returns.
	hook func(path string)
}

func (e *scriptedExtractor) Extract(_ context.Context, path string, _ int64) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, path)
	hook := e.hook
	e.mu.Unlock()
	if hook != nil {
		hook(path)
	}

	name := filepath.Base(path)
	if err, ok := e.errs[name]; ok {
		return "", err
	}
	if t, ok := e.texts[name]; ok {
		return t, nil
	}
	return e.fallback, nil
}

func (e *scriptedExtractor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// blockingHook blocks the first extraction until release is closed and
// signals started when it begins.
func blockingHook() (hook func(string), started <-chan struct{}, release chan struct{}) {
	s := make(chan struct{})
	r := make(chan struct{})
	var once sync.Once
	return func(string) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(s)
			<-r
		}
	}, s, r
}

func builtinDetector() *detect.Gateway {
	return detect.New(detect.NewBuiltin(), detect.Config{Threshold: 0.7}, nil)
}

func tooLarge(name string) error {
	return fmt.Errorf("%w: %s is 200 MiB", extract.ErrTooLarge, name)
}

func statusOf(tb testing.TB, s *store.Store, path string) store.FileRecord {
	tb.Helper()
	rec, err := s.Get(context.Background(), path)
	require.NoError(tb, err)
	return rec
}

func countFindings(tb testing.TB, s *store.Store) map[pii.Category]int64 {
	tb.Helper()
	counts, err := s.EntityCounts(context.Background())
	require.NoError(tb, err)
	return counts
}
