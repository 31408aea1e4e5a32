package scoring

import (
	"context"

	"github.com/mbd888/verifai/internal/features"
)

// FloorRule raises the probability to at least Floor whenever Match holds.
// Floors never lower a score.
type FloorRule struct {
	Name  string
	Floor float64
	Match func(v features.Vector) bool
}

// HighRiskSpikeRule floors the score for an amount spike (z-score above
// zThreshold) at a high-risk merchant category.
func HighRiskSpikeRule(zThreshold, floor float64) FloorRule {
	return FloorRule{
		Name:  "high_risk_spike",
		Floor: floor,
		Match: func(v features.Vector) bool {
			return v.Get(features.AmountZScore) > zThreshold &&
				v.Get(features.IsHighRiskMerchantCategory) == 1
		},
	}
}

// WithRules applies rules on top of base. Rules are evaluated whatever base
// returned, including the neutral probability.
func WithRules(base Scorer, rules ...FloorRule) Scorer {
	if len(rules) == 0 {
		return base
	}
	return &ruledScorer{base: base, rules: rules}
}

type ruledScorer struct {
	base  Scorer
	rules []FloorRule
}

func (r *ruledScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	p, err := r.base.Score(ctx, v)
	if err != nil {
		return 0, err
	}
	for _, rule := range r.rules {
		if rule.Match == nil || !rule.Match(v) {
			continue
		}
		if p < rule.Floor {
			p = rule.Floor
			floorsTotal.WithLabelValues(rule.Name).Inc()
			markFloor(ctx, rule.Name)
		}
	}
	return Clamp(p), nil
}
