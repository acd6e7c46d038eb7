package detect

import (
	"context"
	"log/slog"
	"sort"
	"unicode"

	"github.com/eargollo/piiscan/internal/gateway"
	"github.com/eargollo/piiscan/internal/pii"
)

// DefaultMaxChunkChars bounds the text sent to the engine in one call.
const DefaultMaxChunkChars = 100_000

// Config tunes the gateway.
type Config struct {
	Threshold     float64
	MaxChunkChars int
	Policy        gateway.Policy
}

// Gateway is safe for concurrent use when its Engine is.
type Gateway struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

func New(engine Engine, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = DefaultMaxChunkChars
	}
	return &Gateway{engine: engine, cfg: cfg, logger: logger}
}

// Detect returns the candidates in text with confidence at or above the
// threshold, ordered by offset.
func (g *Gateway) Detect(ctx context.Context, text string) ([]pii.Candidate, error) {
	runes := []rune(text)
	var out []pii.Candidate
	for _, c := range chunks(runes, g.cfg.MaxChunkChars) {
		spans, err := g.analyze(ctx, string(runes[c.start:c.end]))
		if err != nil {
			return nil, err
		}
		for _, s := range spans {
			if s.Score < g.cfg.Threshold {
				continue
			}
			start := c.start + s.Start
			end := c.start + s.End
			if end > c.end {
				end = c.end
			}
			out = append(out, pii.Candidate{
				Category:   pii.FromEngineLabel(s.Label),
				Confidence: s.Score,
				Offset:     start,
				Length:     end - start,
				Masked:     pii.Mask(string(runes[start:end])),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

func (g *Gateway) analyze(ctx context.Context, chunk string) ([]Span, error) {
	var spans []Span
	err := g.cfg.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		s, err := g.engine.Analyze(ctx, chunk)
		if err != nil {
			g.logger.Debug("detection attempt failed", "engine", g.engine.Name(), "attempt", attempt+1, "error", err)
			return err
		}
		spans = s
		return nil
	})
	return spans, err
}

type chunk struct{ start, end int }

// chunks splits runes into pieces of at most size, preferring to cut after
// whitespace in the last tenth of a piece so words stay whole.
func chunks(runes []rune, size int) []chunk {
	var out []chunk
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			out = append(out, chunk{start, len(runes)})
			break
		}
		for i := end - 1; i >= end-size/10 && i > start; i-- {
			if unicode.IsSpace(runes[i]) {
				end = i + 1
				break
			}
		}
		out = append(out, chunk{start, end})
		start = end
	}
	return out
}
