// Package cost maps model token usage to USD using a per-model rate
// table with longest-prefix fallback for dated model revisions.
package cost

import (
	"math"
	"strings"
)

// ModelRate holds per-model token pricing (per thousand tokens).
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k"`
}

// Rates maps a model string (or model-name prefix) to its pricing.
type Rates map[string]ModelRate

// Calculator computes completion costs from token counts.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Nil or empty
// rates fall back to the defaults.
func NewCalculator(rates Rates) *Calculator {
	if len(rates) == 0 {
		rates = DefaultRates()
	}
	return &Calculator{rates: rates}
}

// Completion returns the USD cost for a call, rounded to 6 decimal
// places, or nil when the model is not priced. Lookup tries an exact
// match first, then the longest rate key that prefixes the model name.
// Dated revisions like "gpt-4o-2024-08-06" price as their base model.
func (c *Calculator) Completion(model string, inputTokens, outputTokens int) *float64 {
	rate, ok := c.lookup(model)
	if !ok {
		return nil
	}
	usd := (float64(inputTokens)/1000)*rate.InputPer1K + (float64(outputTokens)/1000)*rate.OutputPer1K
	usd = math.Round(usd*1e6) / 1e6
	return &usd
}

func (c *Calculator) lookup(model string) (ModelRate, bool) {
	if rate, ok := c.rates[model]; ok {
		return rate, true
	}
	var (
		best    ModelRate
		bestLen = -1
	)
	for key, rate := range c.rates {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best = rate
			bestLen = len(key)
		}
	}
	return best, bestLen >= 0
}

// DefaultRates returns the built-in pricing table.
func DefaultRates() Rates {
	return Rates{
		"gpt-4o":                {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":           {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4.1":               {InputPer1K: 0.002, OutputPer1K: 0.008},
		"gpt-4.1-mini":          {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		"o3-mini":               {InputPer1K: 0.0011, OutputPer1K: 0.0044},
		"claude-3-5-sonnet":     {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":      {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-opus":         {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4":       {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-opus-4":         {InputPer1K: 0.015, OutputPer1K: 0.075},
		"gemini-2.0-flash":      {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-2.0-flash-lite": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-pro":        {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash":      {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-2.5-pro":        {InputPer1K: 0.00125, OutputPer1K: 0.01},
	}
}
