// Package report summarises scan results and exports them. It only reads
// from the store.
package report

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/store"
)

// Source is the read side of the store.
type Source interface {
	StatusSummary(ctx context.Context) (store.StatusCounts, error)
	EntityCounts(ctx context.Context) (map[pii.Category]int64, error)
	FilesWithCategories(ctx context.Context, cats []pii.Category) ([]store.FileCategories, error)
	Snapshot(ctx context.Context, f store.Filter, highRisk []pii.Category) (store.Snapshot, error)
}

// Reporter builds summaries and exports.
type Reporter struct {
	src      Source
	highRisk []pii.Category
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reporter. An empty highRisk uses pii.DefaultHighRisk.
func New(src Source, highRisk []pii.Category, logger *slog.Logger) *Reporter {
	if len(highRisk) == 0 {
		highRisk = pii.DefaultHighRisk()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{src: src, highRisk: highRisk, logger: logger, now: time.Now}
}

// EntityCount is the number of findings of one category.
type EntityCount struct {
	Category    pii.Category `json:"entity_type"`
	DisplayName string       `json:"display_name"`
	Count       int64        `json:"count"`
}

// HighRiskFile is a file with findings in a high-sensitivity category.
type HighRiskFile struct {
	Path     string        `json:"path"`
	Entities []EntityCount `json:"entities"`
	Total    int           `json:"total"`
}

// Summary is the aggregate view of all results.
type Summary struct {
	GeneratedAt   time.Time              `json:"generated_at"`
	TotalFiles    int64                  `json:"total_files"`
	ByStatus      map[store.Status]int64 `json:"by_status"`
	TotalFindings int64                  `json:"total_findings"`
	ByEntity      []EntityCount          `json:"by_entity"`
	HighRisk      []EntityCount          `json:"high_risk_categories"`
	HighRiskFiles []HighRiskFile         `json:"high_risk_files"`
}

// Summary aggregates counts by status and entity type and lists the
// high-risk files, most findings first.
func (r *Reporter) Summary(ctx context.Context) (Summary, error) {
	counts, err := r.src.StatusSummary(ctx)
	if err != nil {
		return Summary{}, err
	}
	entities, err := r.src.EntityCounts(ctx)
	if err != nil {
		return Summary{}, err
	}
	files, err := r.src.FilesWithCategories(ctx, r.highRisk)
	if err != nil {
		return Summary{}, err
	}
	return r.summarize(counts, entities, files), nil
}

func (r *Reporter) summarize(counts store.StatusCounts, entities map[pii.Category]int64, files []store.FileCategories) Summary {
	s := Summary{
		GeneratedAt: r.now().UTC(),
		TotalFiles:  counts.Total(),
		ByStatus:    counts,
	}
	for c, n := range entities {
		s.TotalFindings += n
		s.ByEntity = append(s.ByEntity, entityCount(c, n))
	}
	sort.Slice(s.ByEntity, func(i, j int) bool {
		if s.ByEntity[i].Count != s.ByEntity[j].Count {
			return s.ByEntity[i].Count > s.ByEntity[j].Count
		}
		return s.ByEntity[i].Category < s.ByEntity[j].Category
	})
	for _, c := range r.highRisk {
		s.HighRisk = append(s.HighRisk, entityCount(c, entities[c]))
	}

	s.HighRiskFiles = make([]HighRiskFile, 0, len(files))
	for _, f := range files {
		hf := HighRiskFile{Path: f.Path, Total: f.Total}
		for _, c := range f.Categories {
			hf.Entities = append(hf.Entities, entityCount(c, int64(f.Counts[c])))
		}
		s.HighRiskFiles = append(s.HighRiskFiles, hf)
	}
	return s
}

func entityCount(c pii.Category, n int64) EntityCount {
	return EntityCount{Category: c, DisplayName: c.DisplayName(), Count: n}
}
