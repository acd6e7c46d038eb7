package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/gateway"
)

const op = "detect"

// analyzeResponseSchema describes the body of POST /analyze.
const analyzeResponseSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["entity_type", "start", "end", "score"],
    "properties": {
      "entity_type": {"type": "string", "minLength": 1},
      "start": {"type": "integer", "minimum": 0},
      "end": {"type": "integer", "minimum": 0},
      "score": {"type": "number", "minimum": 0, "maximum": 1}
    }
  }
}`

type analyzeRequest struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Presidio calls a Presidio-compatible analyzer over HTTP.
type Presidio struct {
	url       string
	language  string
	threshold float64
	timeout   time.Duration
	client    *http.Client
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

// NewPresidio builds the HTTP engine. cfg.URL is required.
func NewPresidio(cfg EngineConfig, client *http.Client, logger *slog.Logger) (*Presidio, error) {
	if cfg.URL == "" {
		return nil, errors.New("presidio engine needs a url")
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 180 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("analyze.json", strings.NewReader(analyzeResponseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("analyze.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Presidio{
		url:       strings.TrimRight(cfg.URL, "/"),
		language:  cfg.Language,
		threshold: cfg.Threshold,
		timeout:   cfg.CallTimeout,
		client:    client,
		schema:    schema,
		logger:    logger,
	}, nil
}

func (p *Presidio) Name() string { return EnginePresidio }

// Analyze sends text to the analyzer. A reply that does not match the
// expected shape is a permanent error.
func (p *Presidio) Analyze(parent context.Context, text string) ([]Span, error) {
	payload, err := json.Marshal(analyzeRequest{Text: text, Language: p.language, ScoreThreshold: p.threshold})
	if err != nil {
		return nil, apperr.Permanent(op, fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Permanent(op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, gateway.ClassifyTransport(parent, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gateway.ClassifyTransport(parent, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gateway.ClassifyStatus(op, p.url, resp.StatusCode, gateway.Truncate(strings.TrimSpace(string(body)), 200))
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Permanent(op, fmt.Errorf("decode response: %w", err))
	}
	if err := p.schema.Validate(raw); err != nil {
		p.logger.Debug("analyzer response rejected", "req_id", reqID, "body", gateway.Truncate(string(body), 500))
		return nil, apperr.Permanent(op, fmt.Errorf("response does not match schema: %w", err))
	}

	var results []analyzeResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, apperr.Permanent(op, fmt.Errorf("decode response: %w", err))
	}

	n := utf8.RuneCountInString(text)
	spans := make([]Span, 0, len(results))
	for _, r := range results {
		if r.End < r.Start || r.End > n {
			return nil, apperr.Permanent(op, fmt.Errorf("span [%d,%d) outside text of %d runes", r.Start, r.End, n))
		}
		spans = append(spans, Span{Label: r.EntityType, Start: r.Start, End: r.End, Score: r.Score})
	}
	return spans, nil
}
