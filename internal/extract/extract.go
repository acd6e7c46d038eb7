// Package extract turns a discovered file into plain text, either by reading
// it directly or by sending it to a pool of Tika-compatible extraction
// endpoints.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/gateway"
	"github.com/eargollo/piiscan/internal/source"
)

// ErrTooLarge is returned for files over the size limit. They are skipped,
// not failed, and never reach an endpoint.
var ErrTooLarge = errors.New("file exceeds size limit")

const op = "extract"

// Config tunes the gateway.
type Config struct {
	Endpoints   []string
	Balance     string
	CallTimeout time.Duration
	// MaxFileSize in bytes; zero disables the limit.
	MaxFileSize int64
	Policy      gateway.Policy
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg    Config
	client *http.Client
	bal    *balancer
	logger *slog.Logger
}

// New builds a Gateway. client may be nil.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Gateway, error) {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 180 * time.Second
	}
	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, strings.TrimRight(ep, "/"))
	}
	cfg.Endpoints = endpoints

	g := &Gateway{cfg: cfg, client: client, logger: logger}
	if len(endpoints) > 0 {
		bal, err := newBalancer(cfg.Balance, len(endpoints))
		if err != nil {
			return nil, err
		}
		g.bal = bal
	}
	return g, nil
}

// Extract returns the text of path. size is the size recorded at discovery.
func (g *Gateway) Extract(ctx context.Context, path string, size int64) (string, error) {
	if g.cfg.MaxFileSize > 0 && size > g.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.cfg.MaxFileSize)))
	}

	strategy := StrategyFor(path)
	switch strategy {
	case Unsupported:
		return "", apperr.Permanent(op, fmt.Errorf("unsupported file type %q", filepath.Ext(source.Name(path))))
	case Plain, Document:
	}

	data, err := source.ReadAll(path, g.cfg.MaxFileSize)
	if errors.Is(err, source.ErrTooLong) {
		return "", fmt.Errorf("%w: grew past %s since discovery", ErrTooLarge, humanize.IBytes(uint64(g.cfg.MaxFileSize)))
	}
	if err != nil {
		return "", apperr.Permanent(op, fmt.Errorf("read source: %w", err))
	}

	switch strategy {
	case Plain:
		return strings.ToValidUTF8(string(data), "�"), nil
	case Document:
		return g.viaCluster(ctx, path, data)
	default:
		return "", apperr.Permanent(op, fmt.Errorf("no extractor for strategy %s", strategy))
	}
}

func (g *Gateway) viaCluster(ctx context.Context, path string, data []byte) (string, error) {
	if g.bal == nil {
		return "", apperr.Permanent(op, errors.New("no extraction endpoints configured"))
	}

	var text string
	last := -1
	err := g.cfg.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		i := g.bal.acquire(last)
		defer g.bal.release(i)
		last = i

		t, err := g.call(ctx, g.cfg.Endpoints[i], path, data)
		if err != nil {
			g.logger.Debug("extraction attempt failed",
				"path", path, "endpoint", g.cfg.Endpoints[i], "attempt", attempt+1, "error", err)
			return err
		}
		text = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *Gateway) call(parent context.Context, endpoint, path string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", apperr.Permanent(op, err)
	}
	req.Header.Set("Accept", "text/plain; charset=UTF-8")
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", source.Name(path)))
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", gateway.ClassifyTransport(parent, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", gateway.ClassifyTransport(parent, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", gateway.ClassifyStatus(op, endpoint, resp.StatusCode, gateway.Truncate(strings.TrimSpace(string(body)), 200))
	}
	return strings.ToValidUTF8(string(body), "�"), nil
}
