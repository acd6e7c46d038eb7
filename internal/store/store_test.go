package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/pii"
)

// TestRegisterIsIdempotent verifies that registering an unchanged tree a
// second time creates nothing and leaves statuses alone.
func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})

	files := mustRegister(t, s, clk, 3)

	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Release(ctx, claimed[0].Claim(), Completed(nil)))

	results, err := s.RegisterBatch(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, []RegisterResult{Unchanged, Unchanged, Unchanged}, results)

	counts, err := s.StatusSummary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Total())
	assert.EqualValues(t, 1, counts[StatusCompleted])
	assert.EqualValues(t, 2, counts[StatusPending])
}

// TestRegisterChangedFingerprintResets verifies a modified file returns to
// Pending under a new generation and loses its old findings.
func TestRegisterChangedFingerprintResets(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute, MaxAttempts: 1})

	files := mustRegister(t, s, clk, 1)
	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, claimed[0].Claim(), Completed(oneFinding())))

	changed := files[0]
	changed.MTime = changed.MTime.Add(time.Hour)
	res, err := s.Register(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	rec, err := s.Get(ctx, changed.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.EqualValues(t, 2, rec.Generation)
	assert.Equal(t, 1, rec.AttemptCount, "attempt count never decreases")

	findings, err := s.Findings(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, findings)

	// The reset grants a fresh attempt budget even with MaxAttempts 1.
	claimed, err = s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].AttemptCount)
}

// TestRegisterResetInvalidatesInFlightClaim verifies a worker holding a claim
// on the old generation cannot release it after the file changed.
func TestRegisterResetInvalidatesInFlightClaim(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})

	files := mustRegister(t, s, clk, 1)
	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)

	changed := files[0]
	changed.Size++
	_, err = s.Register(ctx, changed)
	require.NoError(t, err)

	err = s.Release(ctx, claimed[0].Claim(), Completed(oneFinding()))
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.ErrorIs(t, s.Advance(ctx, claimed[0].Claim(), StatusExtracting), ErrClaimLost)
}

func TestClaimBatchOrdersByDiscovery(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	files := mustRegister(t, s, clk, 5)

	claimed, err := s.ClaimBatch(ctx, 3, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, r := range claimed {
		assert.Equal(t, files[i].Path, r.Path)
		assert.Equal(t, StatusClaimed, r.Status)
		assert.Equal(t, "w1", r.ClaimedBy)
		assert.Equal(t, 1, r.AttemptCount)
		require.NotNil(t, r.ClaimedAt)
	}

	rest, err := s.ClaimBatch(ctx, 10, "w2")
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, files[3].Path, rest[0].Path)

	none, err := s.ClaimBatch(ctx, 10, "w3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatchRejectsEmptyWorker(t *testing.T) {
	s := mustOpenStore(t, newTestClock(), Options{})
	_, err := s.ClaimBatch(context.Background(), 1, "")
	assert.Error(t, err)
}

// TestStaleClaimIsReclaimed verifies a claim older than StaleAfter goes to
// another worker, and the original holder's release is discarded.
func TestStaleClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: 10 * time.Minute, MaxAttempts: 3})
	mustRegister(t, s, clk, 1)

	first, err := s.ClaimBatch(ctx, 1, "crashed")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, s.Advance(ctx, first[0].Claim(), StatusExtracting))

	clk.Advance(5 * time.Minute)
	early, err := s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	assert.Empty(t, early, "claim is not stale yet")

	clk.Advance(6 * time.Minute)
	second, err := s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "w2", second[0].ClaimedBy)
	assert.Equal(t, 2, second[0].AttemptCount)

	assert.ErrorIs(t, s.Release(ctx, first[0].Claim(), Completed(nil)), ErrClaimLost)
	require.NoError(t, s.Release(ctx, second[0].Claim(), Completed(oneFinding())))

	rec, err := s.Get(ctx, second[0].Path)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, rec.ClaimedBy)
	assert.Nil(t, rec.ClaimedAt)
	assert.NotNil(t, rec.CompletedAt)
}

// TestStaleClaimExhaustsAttempts verifies a record that keeps going stale is
// failed once its attempts are used up and is never handed out again.
func TestStaleClaimExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute, MaxAttempts: 2})
	mustRegister(t, s, clk, 1)

	for i, worker := range []string{"w1", "w2"} {
		got, err := s.ClaimBatch(ctx, 1, worker)
		require.NoError(t, err)
		require.Len(t, got, 1, "claim %d", i)
		clk.Advance(2 * time.Minute)
	}

	got, err := s.ClaimBatch(ctx, 1, "w3")
	require.NoError(t, err)
	assert.Empty(t, got)

	rec, err := s.Get(ctx, "/data/file0000.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "attempts exhausted")
	assert.Equal(t, 2, rec.AttemptCount)

	clk.Advance(time.Hour)
	got, err = s.ClaimBatch(ctx, 1, "w4")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAdvanceFollowsStages(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	mustRegister(t, s, clk, 1)

	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	c := claimed[0].Claim()

	assert.ErrorIs(t, s.Advance(ctx, c, StatusDetecting), ErrClaimLost, "cannot skip extraction")
	require.NoError(t, s.Advance(ctx, c, StatusExtracting))
	require.NoError(t, s.Advance(ctx, c, StatusDetecting))
	assert.Error(t, s.Advance(ctx, c, StatusCompleted))

	other := c
	other.WorkerID = "intruder"
	assert.ErrorIs(t, s.Release(ctx, other, Completed(nil)), ErrClaimLost)
	require.NoError(t, s.Release(ctx, c, Skipped("too large")))
}

// TestAdvanceRestartsStaleWindow verifies a file whose stages keep moving
// is not taken over even when its batch was claimed long ago.
func TestAdvanceRestartsStaleWindow(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute, MaxAttempts: 3})
	mustRegister(t, s, clk, 1)

	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	c := claimed[0].Claim()

	clk.Advance(50 * time.Second)
	require.NoError(t, s.Advance(ctx, c, StatusExtracting))
	clk.Advance(50 * time.Second)

	stolen, err := s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	assert.Empty(t, stolen, "claim refreshed 50s ago is not stale")

	require.NoError(t, s.Advance(ctx, c, StatusDetecting))
	require.NoError(t, s.Release(ctx, c, Completed(nil)))

	rec, err := s.Get(ctx, c.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
}

// TestFinalizedRecordIsNotMutated verifies that once a record is Completed
// neither its old claim nor an unchanged re-registration can touch it.
func TestFinalizedRecordIsNotMutated(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	files := mustRegister(t, s, clk, 1)

	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	c := claimed[0].Claim()
	require.NoError(t, s.Release(ctx, c, Completed(oneFinding())))

	before, err := s.Get(ctx, c.Path)
	require.NoError(t, err)
	require.NotNil(t, before.CompletedAt)
	findingsBefore, err := s.Findings(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, findingsBefore, 1)

	clk.Advance(time.Hour)
	assert.ErrorIs(t, s.Release(ctx, c, Failed(errors.New("late"))), ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, c, Completed(oneFinding())), ErrClaimLost)
	assert.ErrorIs(t, s.Advance(ctx, c, StatusExtracting), ErrClaimLost)
	assert.ErrorIs(t, s.Advance(ctx, c, StatusDetecting), ErrClaimLost)

	results, err := s.RegisterBatch(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, []RegisterResult{Unchanged}, results)

	again, err := s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	assert.Empty(t, again)

	after, err := s.Get(ctx, c.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, before.AttemptCount, after.AttemptCount)
	assert.Equal(t, *before.CompletedAt, *after.CompletedAt)
	assert.Empty(t, after.LastError)

	findingsAfter, err := s.Findings(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, findingsBefore, findingsAfter)
}

func TestReleaseValidatesOutcome(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	mustRegister(t, s, clk, 1)
	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	c := claimed[0].Claim()

	assert.Error(t, s.Release(ctx, c, Outcome{Status: StatusDetecting}))
	assert.Error(t, s.Release(ctx, c, Outcome{Status: StatusFailed, Findings: oneFinding()}))
	bad := oneFinding()
	bad[0].Confidence = 1.5
	assert.Error(t, s.Release(ctx, c, Completed(bad)))

	require.NoError(t, s.Release(ctx, c, Failed(errors.New("extract: http 422"))))
	rec, err := s.Get(ctx, c.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "extract: http 422", rec.LastError)
}

func TestFindingsAreImmutable(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	mustRegister(t, s, clk, 1)
	claimed, err := s.ClaimBatch(ctx, 1, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, claimed[0].Claim(), Completed(oneFinding())))

	_, err = s.DB().ExecContext(ctx, `UPDATE findings SET confidence = 0.1`)
	assert.Error(t, err)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute, MaxAttempts: 1})
	mustRegister(t, s, clk, 2)

	claimed, err := s.ClaimBatch(ctx, 2, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, claimed[0].Claim(), Failed(errors.New("boom"))))
	require.NoError(t, s.Release(ctx, claimed[1].Claim(), Completed(oneFinding())))

	_, err = s.Requeue(ctx, StatusClaimed)
	assert.Error(t, err)

	n, err := s.Requeue(ctx, StatusFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := s.ClaimBatch(ctx, 5, "w2")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, claimed[0].Path, again[0].Path)
	assert.Empty(t, again[0].LastError)

	findings, err := s.Findings(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, findings, 1, "completed record keeps its findings")
}

func TestSummaryQueries(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	mustRegister(t, s, clk, 3)

	claimed, err := s.ClaimBatch(ctx, 3, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, claimed[0].Claim(), Completed([]pii.Candidate{
		{Category: pii.SSN, Confidence: 0.9, Offset: 0, Length: 11, Masked: "***-**-1234"},
		{Category: pii.Email, Confidence: 0.8, Offset: 20, Length: 16, Masked: "****@****.com"},
	})))
	require.NoError(t, s.Release(ctx, claimed[1].Claim(), Completed([]pii.Candidate{
		{Category: pii.Email, Confidence: 0.75, Offset: 3, Length: 16, Masked: "****@****.com"},
	})))
	require.NoError(t, s.Release(ctx, claimed[2].Claim(), Skipped("too large")))

	counts, err := s.EntityCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[pii.Category]int64{pii.SSN: 1, pii.Email: 2}, counts)

	risky, err := s.FilesWithCategories(ctx, pii.DefaultHighRisk())
	require.NoError(t, err)
	require.Len(t, risky, 1)
	assert.Equal(t, claimed[0].Path, risky[0].Path)
	assert.Equal(t, []pii.Category{pii.SSN}, risky[0].Categories)

	files, total, err := s.Files(ctx, Filter{Categories: []pii.Category{pii.Email}, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, files, 1)

	snap, err := s.Snapshot(ctx, Filter{Statuses: []Status{StatusCompleted}, Categories: []pii.Category{pii.Email}}, pii.DefaultHighRisk())
	require.NoError(t, err)
	assert.Len(t, snap.Files, 2)
	assert.Len(t, snap.Findings, 2)
	assert.EqualValues(t, 2, snap.Counts[StatusCompleted])
	assert.Equal(t, counts, snap.Entities)
	assert.Equal(t, risky, snap.HighRiskFiles)

	prefixed, _, err := s.Files(ctx, Filter{PathPrefix: "/data/file0001"})
	require.NoError(t, err)
	require.Len(t, prefixed, 1)
	assert.Equal(t, claimed[1].Path, prefixed[0].Path)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{})
	mustRegister(t, s, clk, 4)
	_, err := s.CreateRun(ctx, clk.Now(), "manual")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))
	counts, err := s.StatusSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
	runs, total, err := s.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
}

func TestStoreErrorsAreClassified(t *testing.T) {
	s := mustOpenStore(t, newTestClock(), Options{})
	require.NoError(t, s.DB().Close())

	_, err := s.StatusSummary(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsStore(err))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusClaimed))
	assert.True(t, CanTransition(StatusDetecting, StatusClaimed))
	assert.False(t, CanTransition(StatusCompleted, StatusClaimed))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusFailed, StatusPending))
}

func TestPathPrefixMatchesNonASCII(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{})
	for _, p := range []string{"/données/a.txt", "/données/sous/b.txt", "/data/c.txt", "/donnees/d.txt"} {
		_, err := s.Register(ctx, FileInfo{Path: p, Size: 1, MTime: time.Unix(1_700_000_000, 0)})
		require.NoError(t, err)
	}

	files, total, err := s.Files(ctx, Filter{PathPrefix: "/données/"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, files, 2)
	assert.Equal(t, "/données/a.txt", files[0].Path)
	assert.Equal(t, "/données/sous/b.txt", files[1].Path)

	_, total, err = s.Files(ctx, Filter{PathPrefix: "/data/"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

// TestSnapshotDuringReleases takes snapshots while workers finalise records
// and checks each one is internally consistent.
func TestSnapshotDuringReleases(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Hour})
	mustRegister(t, s, clk, 60)

	claimed, err := s.ClaimBatch(ctx, 60, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 60)

	done := make(chan error, 1)
	go func() {
		for _, r := range claimed {
			if err := s.Release(ctx, r.Claim(), Completed(oneFinding())); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	check := func() {
		snap, err := s.Snapshot(ctx, Filter{}, pii.DefaultHighRisk())
		require.NoError(t, err)

		status := make(map[string]Status, len(snap.Files))
		for _, f := range snap.Files {
			status[f.Path] = f.Status
		}
		for _, fd := range snap.Findings {
			assert.Equal(t, StatusCompleted, status[fd.FilePath], "finding on %s", fd.FilePath)
		}
		assert.EqualValues(t, len(snap.Files), snap.Counts.Total())
		assert.EqualValues(t, len(snap.Findings), snap.Counts[StatusCompleted])
		assert.EqualValues(t, len(snap.Findings), snap.Entities[pii.SSN])
		assert.Len(t, snap.HighRiskFiles, len(snap.Findings))
	}

	for finished := false; !finished; {
		check()
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
	}
	check()
}

// TestConcurrentClaimsAreExclusive verifies no record is handed to two
// workers when many claim at once.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	clk := newTestClock()
	s := mustOpenStore(t, clk, Options{StaleAfter: time.Minute})
	mustRegister(t, s, clk, 200)

	assertExclusiveClaims(t, s, 8, 7, 200)
}
