package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	internaldb "github.com/eargollo/piiscan/internal/db"
)

// mustStartPostgres runs a throwaway PostgreSQL container with the schema
// applied. The test is skipped under -short or when Docker is unavailable.
func mustStartPostgres(t *testing.T, clk *testClock, opts Options) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "piiscan",
				"POSTGRES_PASSWORD": "piiscan",
				"POSTGRES_DB":       "piiscan",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://piiscan:piiscan@%s:%s/piiscan?sslmode=disable", host, port.Port())
	conn, err := internaldb.OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, internaldb.RunMigrations(ctx, conn.DB, internaldb.Postgres))

	opts.Now = clk.Now
	return New(conn.DB, internaldb.Postgres, opts)
}

// TestPostgresClaimContract runs the claimer's core guarantees against
// PostgreSQL, where claims from concurrent connections really overlap.
func TestPostgresClaimContract(t *testing.T) {
	clk := newTestClock()
	s := mustStartPostgres(t, clk, Options{StaleAfter: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	t.Run("at most one claim", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		mustRegister(t, s, clk, 120)
		assertExclusiveClaims(t, s, 8, 5, 120)
	})

	t.Run("stale reclaim", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		mustRegister(t, s, clk, 1)
		first, err := s.ClaimBatch(ctx, 1, "crashed")
		require.NoError(t, err)
		require.Len(t, first, 1)

		clk.Advance(2 * time.Minute)
		second, err := s.ClaimBatch(ctx, 1, "w2")
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.ErrorIs(t, s.Release(ctx, first[0].Claim(), Completed(nil)), ErrClaimLost)
		require.NoError(t, s.Release(ctx, second[0].Claim(), Completed(oneFinding())))
	})

	t.Run("register reset", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		files := mustRegister(t, s, clk, 1)
		files[0].Size++
		res, err := s.Register(ctx, files[0])
		require.NoError(t, err)
		assert.Equal(t, Updated, res)
	})
}

// assertExclusiveClaims has workers goroutines claim batches of batch until
// the queue is empty and checks every record was handed out exactly once.
func assertExclusiveClaims(t *testing.T, s *Store, workers, batch, want int) {
	t.Helper()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		dups []string
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				recs, err := s.ClaimBatch(ctx, batch, worker)
				if err != nil {
					t.Errorf("%s: claim: %v", worker, err)
					return
				}
				if len(recs) == 0 {
					return
				}
				mu.Lock()
				for _, r := range recs {
					if prev, ok := seen[r.Path]; ok {
						dups = append(dups, fmt.Sprintf("%s claimed by %s and %s", r.Path, prev, worker))
					}
					seen[r.Path] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%02d", w))
	}
	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, seen, want)
}
