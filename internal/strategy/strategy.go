// Package strategy selects the extraction backend for a run.
package strategy

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/extract"
	"github.com/sells-group/synthesis-cli/internal/resilience"
	"github.com/sells-group/synthesis-cli/pkg/anthropic"
	"github.com/sells-group/synthesis-cli/pkg/gemini"
)

// ErrUnknownStrategy is returned for a strategy name with no registration.
var ErrUnknownStrategy = eris.New("strategy: unknown strategy")

// Default is the strategy used when a run names none.
const Default = "default"

// Info describes a registered strategy.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Backend     string   `json:"backend"`
	Requires    []string `json:"requires,omitempty"`
}

type builder func(ctx context.Context, s *Selector) (extract.Extractor, error)

type registration struct {
	info  Info
	build builder
}

var registry = map[string]registration{
	"default": {
		info:  Info{Name: "default", Backend: "heuristic", Description: "Deterministic rule-based analysis. No credentials required."},
		build: buildHeuristic,
	},
	"heuristic": {
		info:  Info{Name: "heuristic", Backend: "heuristic", Description: "Alias of default."},
		build: buildHeuristic,
	},
	"anthropic": {
		info:  Info{Name: "anthropic", Backend: "anthropic", Description: "One Claude Messages call per stage.", Requires: []string{"anthropic.key"}},
		build: buildClaude,
	},
	"gemini": {
		info:  Info{Name: "gemini", Backend: "gemini", Description: "One Gemini generate-content call per stage.", Requires: []string{"gemini.key"}},
		build: buildGemini,
	},
	"batch": {
		info:  Info{Name: "batch", Backend: "anthropic", Description: "Claude Message Batches, polled to completion per stage.", Requires: []string{"anthropic.key"}},
		build: buildBatch,
	},
	"hybrid": {
		info:  Info{Name: "hybrid", Backend: "anthropic", Description: "Claude with a rule-based fallback when output is unusable.", Requires: []string{"anthropic.key"}},
		build: buildHybrid,
	},
}

// List returns every registered strategy, sorted by name.
func List() []Info {
	out := make([]Info, 0, len(registry))
	for _, r := range registry {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Known reports whether name resolves to a registered strategy.
func Known(name string) bool {
	_, ok := registry[Normalize(name)]
	return ok
}

// Normalize lowercases and trims a strategy name; empty maps to Default.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Default
	}
	return name
}

// Option configures a Selector.
type Option func(*Selector)

// WithAnthropicFactory overrides how Claude clients are built.
func WithAnthropicFactory(f func(key string, opts anthropic.Options) anthropic.Client) Option {
	return func(s *Selector) { s.newAnthropic = f }
}

// WithGeminiFactory overrides how Gemini clients are built.
func WithGeminiFactory(f func(ctx context.Context, key string, opts gemini.Options) (gemini.Client, error)) Option {
	return func(s *Selector) { s.newGemini = f }
}

// Selector builds a fresh Extractor per run from configuration. Only the
// circuit breakers, keyed by backend, outlive a single selection.
type Selector struct {
	cfg          *config.Config
	breakers     *resilience.Breakers
	newAnthropic func(key string, opts anthropic.Options) anthropic.Client
	newGemini    func(ctx context.Context, key string, opts gemini.Options) (gemini.Client, error)
}

// NewSelector creates a Selector.
func NewSelector(cfg *config.Config, opts ...Option) *Selector {
	s := &Selector{
		cfg: cfg,
		breakers: resilience.NewBreakers(resilience.FromBreakerSettings(resilience.BreakerSettings{
			FailureThreshold: cfg.Extract.BreakerThreshold,
			ResetTimeoutSecs: cfg.Extract.BreakerResetSecs,
		})),
		newAnthropic: anthropic.NewClient,
		newGemini:    gemini.NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breakers exposes the per-backend circuit breakers.
func (s *Selector) Breakers() *resilience.Breakers { return s.breakers }

// Select returns the Extractor for the named strategy. Unknown names and
// missing credentials are permanent errors.
func (s *Selector) Select(ctx context.Context, name string) (extract.Extractor, error) {
	name = Normalize(name)
	reg, ok := registry[name]
	if !ok {
		return nil, resilience.NewPermanentError(eris.Wrapf(ErrUnknownStrategy, "%q", name), 0)
	}
	if err := s.cfg.ValidateStrategy(name); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "strategy: %s", name), 0)
	}
	ext, err := reg.build(ctx, s)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "strategy: build %s", name), 0)
	}
	return ext, nil
}

// guard wraps an LLM extractor with rate limiting and the backend's breaker.
func (s *Selector) guard(backend string, ext extract.Extractor) extract.Extractor {
	if s.cfg.Extract.RateLimitRPS > 0 {
		ext = extract.WithRateLimit(ext, s.cfg.Extract.RateLimitRPS, s.cfg.Extract.RateLimitBurst)
	}
	return extract.WithBreaker(ext, s.breakers.Get(backend))
}

func (s *Selector) claudeConfig() extract.ClaudeConfig {
	a := s.cfg.Anthropic
	cc := extract.ClaudeConfig{
		Model:       a.Model,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
	}
	if a.PromptCache {
		cc.CacheTTL = a.PromptCacheTTL
	}
	return cc
}

func (s *Selector) anthropicClient() anthropic.Client {
	return s.newAnthropic(s.cfg.Anthropic.Key, anthropic.Options{BaseURL: s.cfg.Anthropic.BaseURL})
}

func buildHeuristic(_ context.Context, _ *Selector) (extract.Extractor, error) {
	return extract.NewHeuristic(), nil
}

func buildClaude(_ context.Context, s *Selector) (extract.Extractor, error) {
	return s.guard("anthropic", extract.NewClaudeExtractor(s.anthropicClient(), s.claudeConfig())), nil
}

func buildBatch(_ context.Context, s *Selector) (extract.Extractor, error) {
	a := s.cfg.Anthropic
	ext := extract.NewBatchExtractor(s.anthropicClient(), extract.BatchConfig{
		ClaudeConfig: s.claudeConfig(),
		PollInterval: time.Duration(a.BatchPollSecs) * time.Second,
		PollCap:      time.Duration(a.BatchPollCapSecs) * time.Second,
	})
	return s.guard("anthropic-batch", ext), nil
}

func buildHybrid(ctx context.Context, s *Selector) (extract.Extractor, error) {
	primary, err := buildClaude(ctx, s)
	if err != nil {
		return nil, err
	}
	return extract.NewHybrid(primary, extract.NewHeuristic()), nil
}

func buildGemini(ctx context.Context, s *Selector) (extract.Extractor, error) {
	g := s.cfg.Gemini
	client, err := s.newGemini(ctx, g.Key, gemini.Options{BaseURL: g.BaseURL})
	if err != nil {
		return nil, err
	}
	ext := extract.NewGeminiExtractor(client, extract.GeminiConfig{
		Model:           g.Model,
		Temperature:     g.Temperature,
		MaxOutputTokens: g.MaxOutputTokens,
	})
	return s.guard("gemini", ext), nil
}
