// Package ai turns raw signals into structured scorer output using an LLM
// provider, a versioned prompt template and a versioned JSON schema.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/metrics"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/ollama"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger allows the application to inject a configured logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// ErrMalformedOutput marks model output that could not be parsed or did not
// match the schema. Callers may retry once with the same input.
var ErrMalformedOutput = errors.New("malformed scorer output")

// Generator is the text-completion capability of an LLM provider.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Scorer produces scored output for one signal.
type Scorer interface {
	Score(ctx context.Context, s models.RawSignal) (*ScoreOutput, error)
}

// ScoreOutput is the structured response we expect from the model. Values are
// returned as produced; range clamping is the caller's job.
type ScoreOutput struct {
	ProblemStatement   string              `json:"problem_statement"`
	ProposedSolution   string              `json:"proposed_solution"`
	MarketSizeEstimate string              `json:"market_size_estimate"`
	RelevanceScore     *float64            `json:"relevance_score"`
	Scores             models.Scores       `json:"scores"`
	CompetitorAnalysis []models.Competitor `json:"competitor_analysis"`

	// Raw captures the original model output for auditing/logging.
	Raw string `json:"-"`
}

// Engine implements Scorer on top of any Generator.
type Engine struct {
	gen       Generator
	cfg       config.EngineConfig
	loader    *Loader
	templates repository.TemplateRepo

	mu  sync.RWMutex
	tpl models.Template
}

var _ Scorer = (*Engine)(nil)

// NewEngine loads the configured template and all schemas. Both repos are required.
func NewEngine(ctx context.Context, gen Generator, cfg config.EngineConfig, sr repository.SchemaRepo, tr repository.TemplateRepo) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if sr == nil {
		return nil, errors.New("schema repo is required")
	}
	if tr == nil {
		return nil, errors.New("template repo is required")
	}
	if cfg.TemplateName == "" {
		cfg.TemplateName = "insight"
	}
	if cfg.TemplateVersion == "" {
		cfg.TemplateVersion = "v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	loader, err := NewLoader(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("create loader: %w", err)
	}

	e := &Engine{gen: gen, cfg: cfg, loader: loader, templates: tr}
	if err := e.ReloadTemplate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// ReloadTemplate re-reads the configured prompt template.
func (e *Engine) ReloadTemplate(ctx context.Context) error {
	tpl, err := e.templates.GetTemplate(ctx, e.cfg.TemplateName, e.cfg.TemplateVersion)
	if err != nil {
		return fmt.Errorf("load template %s:%s: %w", e.cfg.TemplateName, e.cfg.TemplateVersion, err)
	}
	if tpl == nil || tpl.TemplateText == "" {
		return fmt.Errorf("template %s:%s not found", e.cfg.TemplateName, e.cfg.TemplateVersion)
	}
	e.mu.Lock()
	e.tpl = *tpl
	e.mu.Unlock()
	return nil
}

func (e *Engine) ReloadSchemas(ctx context.Context) error {
	return e.loader.Reload(ctx)
}

// Loader exposes the schema cache, e.g. for validating admin uploads.
func (e *Engine) Loader() *Loader { return e.loader }

func (e *Engine) template() models.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tpl
}

// schemaVersion prefers the template's schema_version and falls back to the
// template version itself.
func (e *Engine) schemaVersion(t models.Template) string {
	if t.SchemaVersion != nil && *t.SchemaVersion != "" {
		return *t.SchemaVersion
	}
	return t.Version
}

// Score renders the prompt for s, calls the model and validates the answer.
// Malformed answers are reported with ErrMalformedOutput; provider failures
// are returned as-is so the caller can treat them as transient.
func (e *Engine) Score(ctx context.Context, s models.RawSignal) (*ScoreOutput, error) {
	tpl := e.template()
	meta, _ := json.Marshal(s.ExtraMetadata)
	prompt, err := ollama.RenderTemplate(tpl.TemplateText, map[string]any{"Signal": s, "Metadata": string(meta)})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	ctxReq, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := e.gen.Generate(ctxReq, e.cfg.Model, prompt)
	metrics.ScorerDuration.WithLabelValues(e.cfg.Provider).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	j := extractJSON(out)
	if j == "" {
		logger.Warn("ai: no JSON object in output", "signal_id", s.ID, "raw", truncate(out, 500))
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedOutput)
	}

	schemaVer := e.schemaVersion(tpl)
	schema, ok := e.loader.GetSchema(schemaVer)
	if !ok || schema == nil {
		return nil, fmt.Errorf("no schema found for version %s", schemaVer)
	}
	verrs, err := schema.ValidateBytes(ctxReq, []byte(j))
	if err != nil {
		logger.Warn("ai: schema validate error", "signal_id", s.ID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(verrs) > 0 {
		var sb strings.Builder
		for _, v := range verrs {
			sb.WriteString(v.PropertyPath)
			sb.WriteString(": ")
			sb.WriteString(v.Message)
			sb.WriteString("; ")
		}
		return nil, fmt.Errorf("%w: response does not match schema %s: %s", ErrMalformedOutput, schemaVer, sb.String())
	}

	resp, err := ParseScoreOutput(j)
	if err != nil {
		return nil, err
	}
	resp.Raw = out
	return resp, nil
}

// ParseScoreOutput extracts a JSON object from arbitrary model output and
// applies the checks that do not depend on a schema.
func ParseScoreOutput(s string) (*ScoreOutput, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	j := extractJSON(s)
	if j == "" {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedOutput)
	}

	var r ScoreOutput
	if err := json.Unmarshal([]byte(j), &r); err != nil {
		return nil, fmt.Errorf("%w: json unmarshal: %v", ErrMalformedOutput, err)
	}
	switch {
	case strings.TrimSpace(r.ProblemStatement) == "":
		return nil, fmt.Errorf("%w: problem_statement is empty", ErrMalformedOutput)
	case strings.TrimSpace(r.ProposedSolution) == "":
		return nil, fmt.Errorf("%w: proposed_solution is empty", ErrMalformedOutput)
	case r.RelevanceScore == nil:
		return nil, fmt.Errorf("%w: relevance_score is missing", ErrMalformedOutput)
	}
	r.Raw = s
	return &r, nil
}

// extractJSON returns the substring from the first '{' to the last '}' in the input.
// Models like to wrap JSON in prose or markdown fences.
func extractJSON(s string) string {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first == -1 || last == -1 || last < first {
		return ""
	}
	return s[first : last+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
