package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eargollo/piiscan/internal/report"
	"github.com/eargollo/piiscan/internal/store"
)

// FileStore lists tracked records.
type FileStore interface {
	Files(ctx context.Context, f store.Filter) ([]store.FileRecord, int64, error)
}

// Reporter builds summaries and exports. *report.Reporter satisfies it.
type Reporter interface {
	Summary(ctx context.Context) (report.Summary, error)
	Export(ctx context.Context, w io.Writer, format report.Format, filter store.Filter) error
}

// FilesHandler serves record listings and result exports.
type FilesHandler struct {
	Store    FileStore
	Reporter Reporter
}

// List handles GET /api/files?status=&entity=&prefix=&limit=&offset=.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	}
	filter.Limit, filter.Offset = parsePagination(r)

	recs, total, err := h.Store.Files(r.Context(), filter)
	if err != nil {
		slog.Error("files list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if recs == nil {
		recs = []store.FileRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse[store.FileRecord]{
		Items:  recs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// Export handles GET /api/export?format=&status=&entity=&prefix=. The export
// is rendered in memory first so a failure still yields a JSON error.
func (h *FilesHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	}

	var buf bytes.Buffer
	if err := h.Reporter.Export(r.Context(), &buf, format, filter); err != nil {
		slog.Error("export", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to build export")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename(time.Now())+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("export: write response", "error", err)
	}
}
