// Package pricing estimates the USD cost of operator turns from token
// usage. Estimates feed the advisor's turn logs only; nothing bills or
// budgets off them.
package pricing

import "strings"

// Rate holds per-million-token costs in USD.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Published list prices as of mid-2026. Keys are the bare model names
// used in operator config, without the provider prefix.
var rates = map[string]Rate{
	// Google
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// Known reports whether a rate is on file for the model.
func Known(model string) bool {
	_, ok := rates[normalize(model)]
	return ok
}

// EstimateUSD returns the estimated cost for one turn. Unknown models
// estimate to zero rather than guessing.
func EstimateUSD(model string, inputTokens, outputTokens int) float64 {
	r, ok := rates[normalize(model)]
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*r.InputPer1M +
		(float64(outputTokens)/1_000_000)*r.OutputPer1M
}

// normalize strips a provider prefix like "googleai/" so config values
// and fully qualified genkit names both resolve.
func normalize(model string) string {
	model = strings.TrimSpace(model)
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return model
}
