// Package discover walks the data roots and registers every candidate file
// with the fingerprint store, expanding archive containers into members.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eargollo/piiscan/internal/source"
	"github.com/eargollo/piiscan/internal/store"
)

// ErrorReporter records a per-path discovery problem. The walk continues.
type ErrorReporter func(path, stage, errMsg string)

// Registrar is the part of the store discovery writes to.
type Registrar interface {
	RegisterBatch(ctx context.Context, files []store.FileInfo) ([]store.RegisterResult, error)
}

// DefaultExtensions are the document types scanned when config lists none.
var DefaultExtensions = []string{
	".txt", ".pdf", ".docx", ".doc", ".rtf", ".xlsx", ".xls", ".csv", ".tsv",
	".pptx", ".ppt", ".json", ".xml", ".html", ".htm", ".md", ".log", ".eml", ".msg",
}

// Config tunes a discovery pass.
type Config struct {
	Roots             []string
	Excludes          []string
	Extensions        []string
	Walkers           int
	ExpandArchives    bool
	MaxArchiveMembers int
	BatchSize         int
	FlushInterval     time.Duration
}

// Counters are updated live during Run.
type Counters struct {
	Discovered atomic.Int64
	Created    atomic.Int64
	Updated    atomic.Int64
	Unchanged  atomic.Int64
	Archives   atomic.Int64
	Errors     atomic.Int64
}

// Discoverer registers the files under its roots.
type Discoverer struct {
	reg      Registrar
	cfg      Config
	allowed  map[string]bool
	excludes map[string]struct{}
	logger   *slog.Logger
}

// New creates a Discoverer. Zero config values take defaults.
func New(reg Registrar, cfg Config, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Walkers <= 0 {
		cfg.Walkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxArchiveMembers <= 0 {
		cfg.MaxArchiveMembers = 10000
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	excludes := make(map[string]struct{}, len(cfg.Excludes))
	for _, p := range cfg.Excludes {
		excludes[filepath.Clean(p)] = struct{}{}
	}
	return &Discoverer{reg: reg, cfg: cfg, allowed: allowed, excludes: excludes, logger: logger}
}

// Accepts reports whether a path's extension is scanned.
func (d *Discoverer) Accepts(path string) bool {
	return d.allowed[strings.ToLower(filepath.Ext(source.Name(path)))]
}

// wants keeps scannable files and, when they are expanded, archives.
func (d *Discoverer) wants(path string) bool {
	if d.cfg.ExpandArchives && source.KindOf(path) != source.NotArchive {
		return true
	}
	return d.Accepts(path)
}

// Run walks every root and registers what it finds. Registration is
// flushed when a batch fills up and at least every FlushInterval, so workers
// can start on a slowly arriving tree. Only store failures abort the pass.
func (d *Discoverer) Run(ctx context.Context, c *Counters, report ErrorReporter) error {
	if report == nil {
		report = func(string, string, string) {}
	}
	countedReport := func(path, stage, msg string) {
		c.Errors.Add(1)
		report(path, stage, msg)
	}

	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()

	found := make(chan store.FileInfo, 1000)
	go walk(walkCtx, walkSpec{
		roots:    d.cfg.Roots,
		excludes: d.excludes,
		workers:  d.cfg.Walkers,
		keep:     d.wants,
	}, found, countedReport)

	batch := make([]store.FileInfo, 0, d.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := d.reg.RegisterBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("register %d files: %w", len(batch), err)
		}
		for _, r := range results {
			switch r {
			case store.Created:
				c.Created.Add(1)
			case store.Updated:
				c.Updated.Add(1)
			case store.Unchanged:
				c.Unchanged.Add(1)
			}
		}
		batch = batch[:0]
		return nil
	}
	add := func(fi store.FileInfo) error {
		c.Discovered.Add(1)
		batch = append(batch, fi)
		if len(batch) >= d.cfg.BatchSize {
			return flush()
		}
		return nil
	}

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case fi, ok := <-found:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				d.logger.Info("discovery finished",
					"discovered", c.Discovered.Load(),
					"created", c.Created.Load(),
					"updated", c.Updated.Load(),
					"unchanged", c.Unchanged.Load(),
					"archives", c.Archives.Load())
				return nil
			}

			if d.cfg.ExpandArchives && source.KindOf(fi.Path) != source.NotArchive {
				members, err := source.Members(fi.Path, d.cfg.MaxArchiveMembers)
				if err != nil {
					countedReport(fi.Path, "archive", err.Error())
					continue
				}
				c.Archives.Add(1)
				if len(members) >= d.cfg.MaxArchiveMembers {
					d.logger.Warn("archive member limit reached", "path", fi.Path, "limit", d.cfg.MaxArchiveMembers)
				}
				for _, m := range members {
					if !d.Accepts(m.Path) {
						continue
					}
					if err := add(m); err != nil {
						return err
					}
				}
				continue
			}

			if err := add(fi); err != nil {
				return err
			}
		}
	}
}
