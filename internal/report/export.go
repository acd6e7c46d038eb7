package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/xuri/excelize/v2"

	"github.com/eargollo/piiscan/internal/store"
)

// Format is an export encoding.
type Format string

const (
	JSON    Format = "json"
	CSV     Format = "csv"
	XLSX    Format = "xlsx"
	MsgPack Format = "msgpack"
)

// Formats lists every supported export format.
var Formats = []Format{JSON, CSV, XLSX, MsgPack}

// ParseFormat accepts a format name, case-insensitively. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return JSON, nil
	}
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case CSV:
		return "text/csv; charset=utf-8"
	case XLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case MsgPack:
		return "application/msgpack"
	default:
		return "application/json"
	}
}

// Filename is the suggested download name for an export made at t.
func (f Format) Filename(t time.Time) string {
	return "pii-results-" + t.UTC().Format("20060102-150405") + "." + string(f)
}

// FileResult is a record with its current findings.
type FileResult struct {
	store.FileRecord
	Findings []store.Finding `json:"findings"`
}

// Document is the structure written by the JSON and msgpack exports.
type Document struct {
	ExportedAt time.Time    `json:"exported_at"`
	Summary    Summary      `json:"summary"`
	Files      []FileResult `json:"files"`
}

// Export writes the records matching filter, with their findings, to w.
func (r *Reporter) Export(ctx context.Context, w io.Writer, format Format, filter store.Filter) error {
	start := time.Now()
	snap, err := r.src.Snapshot(ctx, filter, r.highRisk)
	if err != nil {
		return err
	}

	switch format {
	case JSON, MsgPack:
		doc := r.document(snap)
		if format == JSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			err = enc.Encode(doc)
		} else {
			enc := msgpack.NewEncoder(w)
			enc.SetCustomStructTag("json")
			err = enc.Encode(doc)
		}
		if err != nil {
			return fmt.Errorf("encode %s: %w", format, err)
		}
	case CSV:
		if err := writeCSV(w, snap); err != nil {
			return err
		}
	case XLSX:
		if err := writeXLSX(w, snap); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q", format)
	}

	r.logger.Info("export written",
		"format", format,
		"files", len(snap.Files),
		"findings", len(snap.Findings),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// document builds the JSON/msgpack body. The summary comes from the same
// snapshot as the files, so the two always agree.
func (r *Reporter) document(snap store.Snapshot) Document {
	sum := r.summarize(snap.Counts, snap.Entities, snap.HighRiskFiles)
	return Document{ExportedAt: sum.GeneratedAt, Summary: sum, Files: group(snap)}
}

// group attaches findings to their records. Both slices are ordered by path.
func group(snap store.Snapshot) []FileResult {
	byPath := make(map[string][]store.Finding, len(snap.Files))
	for _, f := range snap.Findings {
		byPath[f.FilePath] = append(byPath[f.FilePath], f)
	}
	out := make([]FileResult, 0, len(snap.Files))
	for _, rec := range snap.Files {
		findings := byPath[rec.Path]
		if findings == nil {
			findings = []store.Finding{}
		}
		out = append(out, FileResult{FileRecord: rec, Findings: findings})
	}
	return out
}

var rowHeader = []string{
	"path", "status", "size_bytes", "generation", "last_error",
	"entity_type", "entity_name", "confidence", "offset", "length", "masked_value",
}

// rows flattens a snapshot to one row per finding; records without findings
// get one row with the finding columns empty.
func rows(snap store.Snapshot) [][]string {
	var out [][]string
	for _, fr := range group(snap) {
		base := []string{
			fr.Path,
			string(fr.Status),
			strconv.FormatInt(fr.SizeBytes, 10),
			strconv.FormatInt(fr.Generation, 10),
			fr.LastError,
		}
		if len(fr.Findings) == 0 {
			out = append(out, append(base, "", "", "", "", "", ""))
			continue
		}
		for _, f := range fr.Findings {
			row := append(append([]string{}, base...),
				string(f.EntityType),
				f.EntityType.DisplayName(),
				strconv.FormatFloat(f.Confidence, 'f', 3, 64),
				strconv.Itoa(f.Offset),
				strconv.Itoa(f.Length),
				f.MaskedValue,
			)
			out = append(out, row)
		}
	}
	return out
}

func writeCSV(w io.Writer, snap store.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rowHeader); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if err := cw.WriteAll(rows(snap)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, snap store.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range rowHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for r, row := range rows(snap) {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 60) // path
	_ = f.SetColWidth(sheet, "B", "D", 12)
	_ = f.SetColWidth(sheet, "E", "E", 40) // last_error
	_ = f.SetColWidth(sheet, "F", "G", 24)
	_ = f.SetColWidth(sheet, "K", "K", 24) // masked_value
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
