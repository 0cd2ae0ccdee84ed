package tokens

import "strings"

// ModelPricing is the dollar cost per one million tokens.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// pricing is keyed by model name prefix. Dated model variants resolve
// through longest-prefix match, so "gpt-4o-mini-2024-07-18" prices as
// "gpt-4o-mini".
var pricing = map[string]ModelPricing{
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4-turbo":       {10.00, 30.00},
	"o1-mini":           {3.00, 12.00},
	"o1":                {15.00, 60.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},
	"gemini-1.5-pro":    {1.25, 5.00},
	"gemini-1.5-flash":  {0.075, 0.30},
	"gemini-2.0-flash":  {0.10, 0.40},
	"mistral-large":     {2.00, 6.00},
	"mistral-small":     {0.20, 0.60},
}

// fallback prices unknown models conservatively at gpt-4o rates.
var fallback = ModelPricing{2.50, 10.00}

// PricingFor resolves the price table entry for a model name.
func PricingFor(model string) ModelPricing {
	best, bestLen := fallback, 0
	for prefix, p := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best
}

// Cost returns the dollar cost of a call given its token split.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p := PricingFor(model)
	return float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
}

// WarningLevel grades accumulated cost against a warning threshold.
type WarningLevel string

const (
	WarnNone     WarningLevel = "none"
	WarnLow      WarningLevel = "low"
	WarnMedium   WarningLevel = "medium"
	WarnHigh     WarningLevel = "high"
	WarnCritical WarningLevel = "critical"
)

// Warning returns the level for a running total against the configured
// threshold. Thresholds at or below zero never warn.
func Warning(totalCost, threshold float64) WarningLevel {
	if threshold <= 0 {
		return WarnNone
	}
	switch {
	case totalCost < 0.5*threshold:
		return WarnNone
	case totalCost < 0.75*threshold:
		return WarnLow
	case totalCost < threshold:
		return WarnMedium
	case totalCost < 1.5*threshold:
		return WarnHigh
	default:
		return WarnCritical
	}
}
