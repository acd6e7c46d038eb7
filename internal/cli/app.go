package cli

import (
	"fmt"
	"net/http"

	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/discover"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/gateway"
	"github.com/eargollo/piiscan/internal/pii"
	"github.com/eargollo/piiscan/internal/pipeline"
	"github.com/eargollo/piiscan/internal/report"
	"github.com/eargollo/piiscan/internal/store"
)

// app is the wired pipeline.
type app struct {
	store    *store.Store
	manager  *pipeline.Manager
	reporter *report.Reporter
}

func (e *env) newStore() *store.Store {
	return store.New(e.conn.DB, e.conn.Dialect, store.Options{
		StaleAfter:  e.cfg.Scan.StaleAfter,
		MaxAttempts: e.cfg.Scan.MaxRetryAttempts,
	})
}

func (e *env) newReporter(st *store.Store) (*report.Reporter, error) {
	highRisk, err := pii.ParseCategories(e.cfg.HighRisk)
	if err != nil {
		return nil, fmt.Errorf("high_risk: %w", err)
	}
	return report.New(st, highRisk, e.logger), nil
}

// newApp wires discovery, both gateways and the manager from config.
func (e *env) newApp() (*app, error) {
	cfg := e.cfg
	st := e.newStore()
	client := &http.Client{}
	policy := gateway.Policy{
		MaxAttempts:    cfg.Scan.MaxRetryAttempts,
		InitialBackoff: cfg.Extraction.InitialBackoff,
		MaxBackoff:     cfg.Extraction.MaxBackoff,
	}

	disc := discover.New(st, discover.Config{
		Roots:             cfg.DataPaths,
		Excludes:          cfg.ExcludePaths,
		Extensions:        cfg.Extensions,
		Walkers:           cfg.Scan.Walkers,
		ExpandArchives:    *cfg.ExpandArchives,
		MaxArchiveMembers: cfg.MaxArchiveMembers,
	}, e.logger.With("component", "discover"))

	ext, err := extract.New(extract.Config{
		Endpoints:   cfg.Extraction.Endpoints,
		Balance:     cfg.Extraction.Balance,
		CallTimeout: cfg.Extraction.CallTimeout,
		MaxFileSize: int64(cfg.Scan.MaxFileSize),
		Policy:      policy,
	}, client, e.logger.With("component", "extract"))
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	engine, err := detect.NewEngine(detect.EngineConfig{
		Kind:        cfg.Detection.Engine,
		URL:         cfg.Detection.URL,
		Language:    cfg.Detection.Language,
		Threshold:   cfg.Detection.Threshold,
		CallTimeout: cfg.Detection.CallTimeout,
	}, client, e.logger.With("component", "detect"))
	if err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}
	det := detect.New(engine, detect.Config{
		Threshold:     cfg.Detection.Threshold,
		MaxChunkChars: cfg.Detection.MaxChunkChars,
		Policy:        policy,
	}, e.logger.With("component", "detect"))

	rep, err := e.newReporter(st)
	if err != nil {
		return nil, err
	}

	mgr := pipeline.NewManager(st, disc, ext, det, pipeline.PoolConfig{
		Workers:              cfg.Scan.Workers,
		BatchSize:            cfg.Scan.BatchSize,
		PollInterval:         cfg.Scan.PollInterval,
		MaxConsecutiveErrors: cfg.Scan.MaxConsecutiveErrors,
	}, e.logger.With("component", "pipeline"))

	return &app{store: st, manager: mgr, reporter: rep}, nil
}
