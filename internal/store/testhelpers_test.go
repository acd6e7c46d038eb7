package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/pii"
)

// testClock is a settable clock for staleness tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// mustOpenStore opens a temp file SQLite database with the full schema
// applied and wraps it in a Store driven by clk.
func mustOpenStore(tb testing.TB, clk *testClock, opts Options) *Store {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	require.NoError(tb, err, "open test DB")
	tb.Cleanup(func() { db.Close() })
	require.NoError(tb, internaldb.RunMigrations(context.Background(), db, internaldb.SQLite), "run migrations")

	opts.Now = clk.Now
	return New(db, internaldb.SQLite, opts)
}

// mustRegister registers n files named /data/fileNNNN.txt, advancing clk by
// a millisecond between files so discovery order is deterministic.
func mustRegister(tb testing.TB, s *Store, clk *testClock, n int) []FileInfo {
	tb.Helper()
	files := make([]FileInfo, n)
	for i := range files {
		files[i] = FileInfo{
			Path:  fmt.Sprintf("/data/file%04d.txt", i),
			Size:  int64(100 + i),
			MTime: time.Unix(1_700_000_000+int64(i), 0),
		}
		_, err := s.Register(context.Background(), files[i])
		require.NoError(tb, err)
		clk.Advance(time.Millisecond)
	}
	return files
}

func oneFinding() []pii.Candidate {
	return []pii.Candidate{{Category: pii.SSN, Confidence: 0.95, Offset: 10, Length: 11, Masked: "***-**-6789"}}
}
