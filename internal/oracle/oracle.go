// Package oracle scores a resume against an opportunity with an external
// language model. The reply is validated against a strict schema before it
// becomes a typed Result.
package oracle

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/qri-io/jsonschema"

	"github.com/garnizeh/volunteer-match/internal/errs"
)

//go:embed prompt.tmpl
var promptText string

//go:embed schema.json
var schemaJSON []byte

// Generator sends a rendered prompt to a model and returns its raw text reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	Model               string
	Timeout             time.Duration
	MaxResumeChars      int
	MaxOpportunityChars int
}

// Result is a validated oracle reply. Numeric fields are within [0,100].
type Result struct {
	Overall        float64
	Skills         float64
	Experience     float64
	Education      float64
	Recommendation string
	KeyStrength    string
	Concerns       string
	Model          string
}

type Client struct {
	gen    Generator
	cfg    Config
	tmpl   *template.Template
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewClient(gen Generator, cfg Config, logger *slog.Logger) (*Client, error) {
	if gen == nil {
		return nil, errors.New("oracle generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxResumeChars <= 0 {
		cfg.MaxResumeChars = 2000
	}
	if cfg.MaxOpportunityChars <= 0 {
		cfg.MaxOpportunityChars = 1500
	}

	tmpl, err := template.New("score").Option("missingkey=error").Parse(promptText)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(schemaJSON, schema); err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}

	return &Client{gen: gen, cfg: cfg, tmpl: tmpl, schema: schema, logger: logger}, nil
}

// Model names the model recorded on score records.
func (c *Client) Model() string { return c.cfg.Model }

// Score asks the oracle to rate resumeText against opportunityText. Empty
// input fails with errs.ErrValidation without calling the generator; every
// other failure is an *Error wrapping errs.ErrScoringUnavailable. No retries.
func (c *Client) Score(ctx context.Context, resumeText, opportunityText string) (*Result, error) {
	resumeText = strings.TrimSpace(resumeText)
	opportunityText = strings.TrimSpace(opportunityText)
	if resumeText == "" {
		return nil, fmt.Errorf("resume text is empty: %w", errs.ErrValidation)
	}
	if opportunityText == "" {
		return nil, fmt.Errorf("opportunity text is empty: %w", errs.ErrValidation)
	}

	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, map[string]string{
		"Resume":      truncate(resumeText, c.cfg.MaxResumeChars),
		"Opportunity": truncate(opportunityText, c.cfg.MaxOpportunityChars),
	}); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	prompt := buf.String()

	ctxReq, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := c.gen.Generate(ctxReq, prompt)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, transport(err)
	}

	res, err := c.parse(ctxReq, out)
	if err != nil {
		c.logger.Warn("oracle reply rejected", "err", err, "raw", clip(out, 512))
		return nil, err
	}
	res.Model = c.cfg.Model
	c.logger.Debug("oracle scored pair", "overall", res.Overall, "latency_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (c *Client) parse(ctx context.Context, out string) (*Result, error) {
	j := extractJSON(out)
	if j == "" {
		return nil, malformed("no JSON object found in response")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(j), &payload); err != nil {
		return nil, malformed("json unmarshal: %w", err)
	}

	verrs, err := c.schema.ValidateBytes(ctx, []byte(j))
	if err != nil {
		return nil, malformed("schema validate: %w", err)
	}
	if len(verrs) > 0 {
		var sb strings.Builder
		for _, v := range verrs {
			sb.WriteString(v.PropertyPath)
			sb.WriteString(": ")
			sb.WriteString(v.Message)
			sb.WriteString("; ")
		}
		return nil, malformed("response does not match schema: %s", sb.String())
	}

	res := &Result{
		Overall:        number(payload["overall"]),
		Skills:         number(payload["skills_match"]),
		Experience:     number(payload["experience_match"]),
		Education:      number(payload["education_match"]),
		Recommendation: normalizeRecommendation(text(payload["recommendation"])),
		KeyStrength:    text(payload["key_strength"]),
		Concerns:       text(payload["concerns"]),
	}
	return res, nil
}

// extractJSON returns the substring from the first '{' to the last '}' in the input.
// This handles model outputs that wrap JSON in text or markdown fences.
func extractJSON(s string) string {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first == -1 || last == -1 || last < first {
		return ""
	}
	return s[first : last+1]
}

// number converts a schema-validated numeric field and clamps it to [0,100].
func number(v any) float64 {
	f, _ := v.(float64)
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(100, f))
}

func text(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

var recommendations = map[string]string{
	"highly recommended": "highly_recommended",
	"recommended":        "recommended",
	"consider":           "consider",
	"not recommended":    "not_recommended",
}

func normalizeRecommendation(s string) string {
	if s == "" {
		return ""
	}
	key := strings.ToLower(strings.ReplaceAll(s, "_", " "))
	if v, ok := recommendations[key]; ok {
		return v
	}
	return "consider"
}

// truncate keeps at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
