// Package cost attributes USD cost to the tokens an analysis run spends.
package cost

import (
	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/extract"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig overlays configured pricing on DefaultRates.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, p := range cfg.Anthropic {
		rates.Anthropic[name] = ModelRate(p)
	}
	for name, p := range cfg.Gemini {
		rates.Gemini[name] = ModelRate(p)
	}
	return NewCalculator(rates)
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	batchMul := 1.0
	if isBatch {
		batchMul = rate.BatchDiscount
	}

	inCost := (float64(input) / 1e6) * rate.Input * batchMul
	outCost := (float64(output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// Gemini computes the cost for a Gemini generate-content call.
func (c *Calculator) Gemini(model string, input, output int64) float64 {
	rate, ok := c.rates.Gemini[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Usage prices one extraction by the backend that served it. Heuristic and
// unknown models cost nothing.
func (c *Calculator) Usage(backend, model string, isBatch bool, u extract.Usage) float64 {
	switch backend {
	case "gemini":
		return c.Gemini(model, u.InputTokens, u.OutputTokens)
	case "anthropic", "batch":
		return c.Claude(model, isBatch, u.InputTokens, u.OutputTokens, u.CacheWriteTokens, u.CacheReadTokens)
	default:
		return 0
	}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Gemini: map[string]ModelRate{
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
	}
}
