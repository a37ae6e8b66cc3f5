// Package ollama is a thin client over the Ollama HTTP API used to score
// resume and opportunity pairs. It adds per-call timeouts and a circuit
// breaker; retry policy belongs to the caller.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

var (
	ErrCircuitOpen   = errors.New("ollama circuit open")
	ErrModelNotFound = errors.New("ollama model not found")
)

// package-level logger for pkg/ollama; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/ollama. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

type Client struct {
	api    *api.Client
	cfg    Config
	client *http.Client

	failures  atomic.Int32
	openUntil atomic.Int64 // unix nano
	closed    atomic.Bool
}

// GenerateResult is the text produced for one prompt plus call metrics.
type GenerateResult struct {
	Text            string
	Model           string
	PromptEvalCount int
	EvalCount       int
	Latency         time.Duration
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	c := &Client{
		api:    api.NewClient(u, httpClient),
		cfg:    cfg,
		client: httpClient,
	}
	logger.Debug("ollama client created", "base_url", cfg.BaseURL, "timeout", cfg.Timeout)
	return c, nil
}

// NewDefaultClient builds a client over a pooled transport suited to many
// short scoring calls against one host.
func NewDefaultClient(cfg Config) (*Client, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return NewClient(cfg, &http.Client{Transport: tr})
}

// Close drops idle connections of the underlying transport. It is idempotent.
func (c *Client) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	return nil
}

func (c *Client) circuitOpen() bool {
	if c.cfg.CircuitFailureThreshold <= 0 {
		return false
	}
	if c.failures.Load() < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}
	if time.Now().UnixNano() < c.openUntil.Load() {
		return true
	}
	// half-open: let one request through
	c.failures.Store(0)
	return false
}

// observe feeds the outcome of a call into the breaker. Client errors other
// than 429 say nothing about the health of the server and are ignored.
func (c *Client) observe(err error) {
	if c.cfg.CircuitFailureThreshold <= 0 {
		return
	}
	if err == nil {
		c.failures.Store(0)
		return
	}
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
		return
	}
	if c.failures.Add(1) >= int32(c.cfg.CircuitFailureThreshold) {
		c.openUntil.Store(time.Now().Add(c.cfg.CircuitReset).UnixNano())
		logger.Warn("ollama circuit opened", "base_url", c.cfg.BaseURL, "reset", c.cfg.CircuitReset)
	}
}

type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.circuitOpen() {
		return nil, ErrCircuitOpen
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.List(ctx)
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return out, nil
}

// Health reports whether the instance answers and has model installed.
// A bare model name matches its ":latest" tag.
func (c *Client) Health(ctx context.Context, model string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	for _, m := range models {
		if sameModel(m.Name, model) {
			return nil
		}
	}
	return fmt.Errorf("health check failed: %s: %w", model, ErrModelNotFound)
}

func sameModel(installed, want string) bool {
	if installed == want {
		return true
	}
	if !strings.Contains(want, ":") {
		return installed == want+":latest"
	}
	return false
}

// Generate runs prompt on model in JSON mode. Streamed fragments, if the
// server sends any, are concatenated.
func (c *Client) Generate(ctx context.Context, model, prompt string) (GenerateResult, error) {
	if c.circuitOpen() {
		return GenerateResult{}, ErrCircuitOpen
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream := false
	opts := map[string]any{"temperature": c.cfg.Temperature}
	if c.cfg.NumCtx > 0 {
		opts["num_ctx"] = c.cfg.NumCtx
	}
	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: opts,
	}
	if c.cfg.KeepAlive > 0 {
		req.KeepAlive = &api.Duration{Duration: c.cfg.KeepAlive}
	}

	var (
		text strings.Builder
		last api.GenerateResponse
	)
	start := time.Now()
	err := c.api.Generate(ctx, req, func(r api.GenerateResponse) error {
		text.WriteString(r.Response)
		last = r
		return nil
	})
	c.observe(err)
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return GenerateResult{}, fmt.Errorf("generate with %s: %w: %w", model, ErrModelNotFound, err)
		}
		return GenerateResult{}, fmt.Errorf("generate with %s: %w", model, err)
	}

	res := GenerateResult{
		Text:            text.String(),
		Model:           model,
		PromptEvalCount: last.PromptEvalCount,
		EvalCount:       last.EvalCount,
		Latency:         time.Since(start),
	}
	logger.Debug("ollama generate finished", "model", model, "latency_ms", res.Latency.Milliseconds(), "eval_count", res.EvalCount)
	return res, nil
}
