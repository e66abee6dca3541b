package llmrouter

import (
	"fmt"
	"sort"
)

// ModelTier is one rung of a ModelLadder.
type ModelTier struct {
	Provider        string  `yaml:"provider" toml:"provider"`
	Model           string  `yaml:"model" toml:"model"`
	CostPer1KInput  float64 `yaml:"cost_per_1k_input" toml:"cost_per_1k_input"`
	CostPer1KOutput float64 `yaml:"cost_per_1k_output" toml:"cost_per_1k_output"`
	MaxTokens       int     `yaml:"max_tokens" toml:"max_tokens"`
	QualityScore    int     `yaml:"quality_score" toml:"quality_score"`
}

// RouteKey returns the route key of the tier.
func (t ModelTier) RouteKey() string { return RouteKey(t.Provider, t.Model) }

// EstimateCost returns the USD cost of a request. It is linear in both
// token counts.
func (t ModelTier) EstimateCost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)*t.CostPer1KInput/1000 + float64(tokensOut)*t.CostPer1KOutput/1000
}

// BlendedCost returns an estimated cost per 1K tokens for sorting.
// Assumes ~3:1 input:output ratio typical for chat.
func (t ModelTier) BlendedCost() float64 {
	return (3*t.CostPer1KInput + t.CostPer1KOutput) / 4
}

// ModelLadder is an immutable list of tiers ordered by descending quality.
// Index 0 is the best tier, the last index the cheapest.
type ModelLadder struct {
	tiers []ModelTier
}

// NewModelLadder validates tiers and orders them by descending quality.
// Equal quality is broken by cost, the more expensive tier first.
func NewModelLadder(tiers ...ModelTier) (*ModelLadder, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("llmrouter: ladder: at least one tier is required")
	}

	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.Provider == "" {
			return nil, fmt.Errorf("llmrouter: ladder: tier[%d]: provider is required", i)
		}
		if t.Model == "" {
			return nil, fmt.Errorf("llmrouter: ladder: tier[%d]: model is required", i)
		}
		if t.CostPer1KInput < 0 || t.CostPer1KOutput < 0 {
			return nil, fmt.Errorf("llmrouter: ladder: tier[%d] (%s): costs must be non-negative", i, t.RouteKey())
		}
		if seen[t.RouteKey()] {
			return nil, fmt.Errorf("llmrouter: ladder: duplicate tier %q", t.RouteKey())
		}
		seen[t.RouteKey()] = true
	}

	sorted := make([]ModelTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].QualityScore != sorted[j].QualityScore {
			return sorted[i].QualityScore > sorted[j].QualityScore
		}
		return sorted[i].BlendedCost() > sorted[j].BlendedCost()
	})

	return &ModelLadder{tiers: sorted}, nil
}

// Len returns the number of tiers.
func (l *ModelLadder) Len() int { return len(l.tiers) }

// Tier returns the tier at index i.
func (l *ModelLadder) Tier(i int) ModelTier { return l.tiers[i] }

// Tiers returns a copy of the tiers, best first.
func (l *ModelLadder) Tiers() []ModelTier {
	out := make([]ModelTier, len(l.tiers))
	copy(out, l.tiers)
	return out
}

// Index returns the position of the provider/model tier, or -1.
func (l *ModelLadder) Index(provider, model string) int {
	for i, t := range l.tiers {
		if t.Provider == provider && t.Model == model {
			return i
		}
	}
	return -1
}

// Lookup returns the tier for provider/model.
func (l *ModelLadder) Lookup(provider, model string) (ModelTier, bool) {
	if i := l.Index(provider, model); i >= 0 {
		return l.tiers[i], true
	}
	return ModelTier{}, false
}
