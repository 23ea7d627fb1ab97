package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/pkg/anthropic"
)

// ClaudeConfig tunes Claude-backed extraction.
type ClaudeConfig struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// CacheTTL enables prompt caching of stage instructions ("5m" or "1h").
	CacheTTL string
}

// ClaudeExtractor performs one Messages API call per extraction.
type ClaudeExtractor struct {
	client anthropic.Client
	cfg    ClaudeConfig
}

// NewClaudeExtractor creates a Claude-backed Extractor.
func NewClaudeExtractor(client anthropic.Client, cfg ClaudeConfig) *ClaudeExtractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &ClaudeExtractor{client: client, cfg: cfg}
}

// Name implements Extractor.
func (c *ClaudeExtractor) Name() string { return "anthropic" }

// Extract implements Extractor.
func (c *ClaudeExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.client.CreateMessage(ctx, c.messageRequest(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, Transient(eris.Wrapf(err, "claude: %s", req.Stage))
		}
		return nil, classify(eris.Wrapf(err, "claude: %s", req.Stage), anthropic.StatusCode(err))
	}
	anthropic.LogUsage(resp.Model, string(req.Stage), resp.Usage)

	if resp.StopReason == "max_tokens" {
		zap.L().Warn("claude: answer truncated at max_tokens",
			zap.String("stage", string(req.Stage)),
			zap.Int64("max_tokens", c.cfg.MaxTokens),
		)
	}

	records, err := DecodeRecords(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "claude: %s", req.Stage)
	}
	return &Response{
		Records: records,
		Backend: c.Name(),
		Model:   resp.Model,
		Usage:   fromClaudeUsage(resp.Usage),
	}, nil
}

func (c *ClaudeExtractor) messageRequest(req Request) anthropic.MessageRequest {
	temp := c.cfg.Temperature
	return anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      anthropic.CachedSystem(req.Instructions, c.cfg.CacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	}
}

func fromClaudeUsage(u anthropic.TokenUsage) Usage {
	return Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
	}
}
