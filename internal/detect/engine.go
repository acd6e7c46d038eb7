// Package detect finds PII in extracted text. A Gateway splits the text into
// chunks, asks an Engine about each chunk and turns what comes back into
// masked candidates above the confidence threshold.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Engine kinds.
const (
	EnginePresidio = "presidio"
	EngineBuiltin  = "builtin"
)

// Span is one raw detection. Start and End are rune offsets into the text
// passed to Analyze, End exclusive. Label is the engine's entity name.
type Span struct {
	Label string
	Start int
	End   int
	Score float64
}

// Engine analyzes a single chunk of text. Errors must already be classified
// with apperr so the gateway knows whether to retry.
type Engine interface {
	Name() string
	Analyze(ctx context.Context, text string) ([]Span, error)
}

// EngineConfig selects and tunes an engine.
type EngineConfig struct {
	Kind        string
	URL         string
	Language    string
	Threshold   float64
	CallTimeout time.Duration
}

// NewEngine builds the engine named by cfg.Kind. client may be nil.
func NewEngine(cfg EngineConfig, client *http.Client, logger *slog.Logger) (Engine, error) {
	switch cfg.Kind {
	case "", EngineBuiltin:
		return NewBuiltin(), nil
	case EnginePresidio:
		return NewPresidio(cfg, client, logger)
	default:
		return nil, fmt.Errorf("unknown detection engine %q", cfg.Kind)
	}
}
