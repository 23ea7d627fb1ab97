// Package gemini wraps Google's GenAI generate-content API for structured
// extraction.
package gemini

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// Client defines the Gemini operations used for structured extraction.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single-turn generation call.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	Temperature     *float32
	MaxOutputTokens int32
	// JSON asks the model to answer with application/json.
	JSON bool
}

// GenerateResponse is the subset of a generate-content response we consume.
type GenerateResponse struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Options tunes the GenAI client.
type Options struct {
	BaseURL string
}

type genaiClient struct {
	client *genai.Client
}

// NewClient creates a Client for the Gemini API.
func NewClient(ctx context.Context, apiKey string, opts Options) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &genaiClient{client: client}, nil
}

func (c *genaiClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	out := &GenerateResponse{Text: resp.Text(), Model: req.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// StatusCode returns the HTTP status of an API error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
