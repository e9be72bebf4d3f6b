package llm

import "strings"

// USD per million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

var pricing = map[string]modelPrice{
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00},
	"claude-opus-4":     {Input: 15.00, Output: 75.00},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
	"claude-3-7-sonnet": {Input: 3.00, Output: 15.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
}

// EstimateCost returns the USD cost for a call, matching the longest known
// model prefix. Unknown models cost zero.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	model = strings.ToLower(strings.TrimSpace(model))
	best := ""
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricing[best]
	return float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
}
