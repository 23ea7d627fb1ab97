package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/pkg/gemini"
)

// GeminiConfig tunes Gemini-backed extraction.
type GeminiConfig struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// GeminiExtractor performs one generate-content call per extraction with a
// JSON response type.
type GeminiExtractor struct {
	client gemini.Client
	cfg    GeminiConfig
}

// NewGeminiExtractor creates a Gemini-backed Extractor.
func NewGeminiExtractor(client gemini.Client, cfg GeminiConfig) *GeminiExtractor {
	return &GeminiExtractor{client: client, cfg: cfg}
}

// Name implements Extractor.
func (g *GeminiExtractor) Name() string { return "gemini" }

// Extract implements Extractor.
func (g *GeminiExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	temp := g.cfg.Temperature
	resp, err := g.client.Generate(ctx, gemini.GenerateRequest{
		Model:           g.cfg.Model,
		System:          req.Instructions,
		Prompt:          req.Prompt,
		Temperature:     &temp,
		MaxOutputTokens: g.cfg.MaxOutputTokens,
		JSON:            true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, Transient(eris.Wrapf(err, "gemini: %s", req.Stage))
		}
		return nil, classify(eris.Wrapf(err, "gemini: %s", req.Stage), gemini.StatusCode(err))
	}

	records, err := DecodeRecords(resp.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "gemini: %s", req.Stage)
	}
	return &Response{
		Records: records,
		Backend: g.Name(),
		Model:   resp.Model,
		Usage:   Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}, nil
}
