package discover

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/source"
	"github.com/eargollo/piiscan/internal/store"
)

func mustOpenStore(tb testing.TB) *store.Store {
	tb.Helper()
	db, err := internaldb.Open(filepath.Join(tb.TempDir(), "test.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })
	require.NoError(tb, internaldb.RunMigrations(context.Background(), db, internaldb.SQLite))
	return store.New(db, internaldb.SQLite, store.Options{})
}

func writeFile(tb testing.TB, p, body string) {
	tb.Helper()
	require.NoError(tb, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tb, os.WriteFile(p, []byte(body), 0o644))
}

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hr", "employees.csv"), "name,ssn")
	writeFile(t, filepath.Join(root, "hr", "notes.txt"), "hello")
	writeFile(t, filepath.Join(root, "bin", "tool.exe"), "MZ")

	f, err := os.Create(filepath.Join(root, "mail.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"inbox/1.eml", "inbox/photo.jpg"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, _ = w.Write([]byte("body"))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return root
}

func TestRunRegistersAllowedFilesAndArchiveMembers(t *testing.T) {
	root := buildTree(t)
	s := mustOpenStore(t)
	d := New(s, Config{Roots: []string{root}, ExpandArchives: true, BatchSize: 2}, nil)

	var c Counters
	require.NoError(t, d.Run(context.Background(), &c, noErrors(t)))

	assert.EqualValues(t, 3, c.Discovered.Load())
	assert.EqualValues(t, 3, c.Created.Load())
	assert.EqualValues(t, 1, c.Archives.Load())

	files, total, err := s.Files(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
		assert.Equal(t, store.StatusPending, f.Status)
	}
	assert.Contains(t, paths, source.Join(filepath.Join(root, "mail.zip"), "inbox/1.eml"))
	assert.Contains(t, paths, filepath.Join(root, "hr", "employees.csv"))
	assert.NotContains(t, paths, filepath.Join(root, "bin", "tool.exe"))
}

// TestRunIsIdempotent verifies a second pass over an unchanged tree creates
// and resets nothing, and a modified file is reported as updated.
func TestRunIsIdempotent(t *testing.T) {
	root := buildTree(t)
	s := mustOpenStore(t)
	d := New(s, Config{Roots: []string{root}, ExpandArchives: true}, nil)

	var first Counters
	require.NoError(t, d.Run(context.Background(), &first, noErrors(t)))

	var second Counters
	require.NoError(t, d.Run(context.Background(), &second, noErrors(t)))
	assert.Zero(t, second.Created.Load())
	assert.Zero(t, second.Updated.Load())
	assert.EqualValues(t, first.Created.Load(), second.Unchanged.Load())

	writeFile(t, filepath.Join(root, "hr", "notes.txt"), "hello again")
	var third Counters
	require.NoError(t, d.Run(context.Background(), &third, noErrors(t)))
	assert.EqualValues(t, 1, third.Updated.Load())
}

func TestRunWithoutArchiveExpansionSkipsArchives(t *testing.T) {
	root := buildTree(t)
	s := mustOpenStore(t)
	d := New(s, Config{Roots: []string{root}}, nil)

	var c Counters
	require.NoError(t, d.Run(context.Background(), &c, noErrors(t)))
	assert.EqualValues(t, 2, c.Created.Load())
}

func TestRunReportsCorruptArchive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "broken.zip"), "not a zip")
	s := mustOpenStore(t)
	d := New(s, Config{Roots: []string{root}, ExpandArchives: true}, nil)

	var stages []string
	var c Counters
	require.NoError(t, d.Run(context.Background(), &c, func(path, stage, msg string) {
		stages = append(stages, stage)
	}))
	assert.Equal(t, []string{"archive"}, stages)
	assert.EqualValues(t, 1, c.Errors.Load())
}

type failingRegistrar struct{}

func (failingRegistrar) RegisterBatch(context.Context, []store.FileInfo) ([]store.RegisterResult, error) {
	return nil, errors.New("disk full")
}

func TestRunStopsOnRegistrationFailure(t *testing.T) {
	root := buildTree(t)
	d := New(failingRegistrar{}, Config{Roots: []string{root}}, nil)

	var c Counters
	err := d.Run(context.Background(), &c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestAcceptsNormalisesExtensions(t *testing.T) {
	d := New(nil, Config{Extensions: []string{"PDF", ".Txt"}}, nil)
	assert.True(t, d.Accepts("/a/b.pdf"))
	assert.True(t, d.Accepts("/a/b.TXT"))
	assert.True(t, d.Accepts("/a/c.zip!/x/y.pdf"))
	assert.False(t, d.Accepts("/a/b.docx"))
}
