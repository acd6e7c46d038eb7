package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/xuri/excelize/v2"

	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/store"
)

// mustSeedStore builds a store holding:
//
//	/data/a.txt  completed, SSN + email
//	/data/b.txt  completed, no findings
//	/data/c.pdf  failed
//	/data/d.txt  pending
func mustSeedStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := internaldb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, internaldb.RunMigrations(context.Background(), db, internaldb.SQLite))
	s := store.New(db, internaldb.SQLite, store.Options{})
	ctx := context.Background()

	for i, p := range []string{"/data/a.txt", "/data/b.txt", "/data/c.pdf", "/data/d.txt"} {
		_, err := s.Register(ctx, store.FileInfo{Path: p, Size: int64(10 * (i + 1)), MTime: time.Unix(1_700_000_000, 0)})
		require.NoError(t, err)
	}
	recs, err := s.ClaimBatch(ctx, 3, "w1")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	outcomes := map[string]store.Outcome{
		"/data/a.txt": store.Completed([]pii.Candidate{
			{Category: pii.SSN, Confidence: 0.85, Offset: 4, Length: 11, Masked: "***-**-6789"},
			{Category: pii.Email, Confidence: 1, Offset: 30, Length: 20, Masked: "****.***@*******.com"},
		}),
		"/data/b.txt": store.Completed(nil),
		"/data/c.pdf": store.Failed(assert.AnError),
	}
	for _, r := range recs {
		require.NoError(t, s.Release(ctx, r.Claim(), outcomes[r.Path]))
	}
	return s
}

func TestSummary(t *testing.T) {
	r := New(mustSeedStore(t), nil, nil)
	sum, err := r.Summary(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 4, sum.TotalFiles)
	assert.EqualValues(t, 2, sum.ByStatus[store.StatusCompleted])
	assert.EqualValues(t, 1, sum.ByStatus[store.StatusFailed])
	assert.EqualValues(t, 1, sum.ByStatus[store.StatusPending])
	assert.EqualValues(t, 2, sum.TotalFindings)

	require.Len(t, sum.ByEntity, 2)
	assert.Equal(t, EntityCount{Category: pii.Email, DisplayName: "Email Address", Count: 1}, sum.ByEntity[0])
	assert.Equal(t, pii.SSN, sum.ByEntity[1].Category)

	require.Len(t, sum.HighRiskFiles, 1)
	assert.Equal(t, "/data/a.txt", sum.HighRiskFiles[0].Path)
	assert.Equal(t, []EntityCount{{Category: pii.SSN, DisplayName: "Social Security Number", Count: 1}}, sum.HighRiskFiles[0].Entities)
	assert.Len(t, sum.HighRisk, len(pii.DefaultHighRisk()))
}

func TestSummaryCustomHighRisk(t *testing.T) {
	r := New(mustSeedStore(t), []pii.Category{pii.Email}, nil)
	sum, err := r.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.HighRiskFiles, 1)
	assert.Equal(t, pii.Email, sum.HighRiskFiles[0].Entities[0].Category)
}

func TestExportCSV(t *testing.T) {
	r := New(mustSeedStore(t), nil, nil)
	var buf bytes.Buffer
	require.NoError(t, r.Export(context.Background(), &buf, CSV, store.Filter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1+5, "header, two findings of a, one row each for b, c and d")
	assert.Equal(t, rowHeader, records[0])
	assert.Equal(t, []string{"/data/a.txt", "completed", "10", "1", "", "ssn", "Social Security Number", "0.850", "4", "11", "***-**-6789"}, records[1])
	assert.Equal(t, "failed", records[4][1])
	assert.Contains(t, records[4][4], assert.AnError.Error())
}

func TestExportFilteredJSON(t *testing.T) {
	r := New(mustSeedStore(t), nil, nil)
	var buf bytes.Buffer
	filter := store.Filter{Categories: []pii.Category{pii.SSN}}
	require.NoError(t, r.Export(context.Background(), &buf, JSON, filter))

	var doc struct {
		Summary struct {
			TotalFindings int `json:"total_findings"`
		} `json:"summary"`
		Files []struct {
			Path     string `json:"path"`
			Status   string `json:"status"`
			Findings []struct {
				EntityType  string `json:"entity_type"`
				MaskedValue string `json:"masked_value"`
			} `json:"findings"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.Summary.TotalFindings)
	require.Len(t, doc.Files, 1)
	assert.Equal(t, "/data/a.txt", doc.Files[0].Path)
	require.Len(t, doc.Files[0].Findings, 1)
	assert.Equal(t, "ssn", doc.Files[0].Findings[0].EntityType)
}

func TestExportWithRecordInFlight(t *testing.T) {
	ctx := context.Background()
	s := mustSeedStore(t)
	r := New(s, nil, nil)

	inFlight, err := s.ClaimBatch(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	require.Equal(t, "/data/d.txt", inFlight[0].Path)

	type exported struct {
		Summary struct {
			TotalFiles    int64            `json:"total_files"`
			TotalFindings int64            `json:"total_findings"`
			ByStatus      map[string]int64 `json:"by_status"`
		} `json:"summary"`
		Files []struct {
			Path     string            `json:"path"`
			Status   string            `json:"status"`
			Findings []json.RawMessage `json:"findings"`
		} `json:"files"`
	}
	export := func() exported {
		var buf bytes.Buffer
		require.NoError(t, r.Export(ctx, &buf, JSON, store.Filter{}))
		var doc exported
		require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
		require.EqualValues(t, len(doc.Files), doc.Summary.TotalFiles)
		return doc
	}

	doc := export()
	assert.EqualValues(t, 1, doc.Summary.ByStatus["claimed"])
	assert.EqualValues(t, 2, doc.Summary.TotalFindings)
	assert.Equal(t, "claimed", doc.Files[3].Status)
	assert.Empty(t, doc.Files[3].Findings)

	require.NoError(t, s.Release(ctx, inFlight[0].Claim(), store.Completed([]pii.Candidate{
		{Category: pii.Phone, Confidence: 0.9, Offset: 0, Length: 8, Masked: "****0100"},
	})))

	doc = export()
	assert.EqualValues(t, 0, doc.Summary.ByStatus["claimed"])
	assert.EqualValues(t, 3, doc.Summary.TotalFindings)
	assert.Equal(t, "completed", doc.Files[3].Status)
	assert.Len(t, doc.Files[3].Findings, 1)
}

func TestExportMsgPackUsesJSONNames(t *testing.T) {
	r := New(mustSeedStore(t), nil, nil)
	var buf bytes.Buffer
	require.NoError(t, r.Export(context.Background(), &buf, MsgPack, store.Filter{Statuses: []store.Status{store.StatusFailed}}))

	var doc map[string]any
	require.NoError(t, msgpack.Unmarshal(buf.Bytes(), &doc))
	files, ok := doc["files"].([]any)
	require.True(t, ok)
	require.Len(t, files, 1)
	file := files[0].(map[string]any)
	assert.Equal(t, "/data/c.pdf", file["path"])
	assert.Equal(t, "failed", file["status"])
}

func TestExportXLSX(t *testing.T) {
	r := New(mustSeedStore(t), nil, nil)
	var buf bytes.Buffer
	require.NoError(t, r.Export(context.Background(), &buf, XLSX, store.Filter{PathPrefix: "/data/a"}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "path", got[0][0])
	assert.Equal(t, "***-**-6789", got[1][10])
	assert.Equal(t, "email", got[2][5])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, JSON, f)

	f, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, XLSX, f)
	assert.Equal(t, "pii-results-20260301-120000.xlsx", f.Filename(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}
