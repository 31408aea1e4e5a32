// Package policy maps a fraud probability to a risk tier and a decision.
//
// Both mappings are total over [0,1] and the bands are disjoint. A NaN
// probability is not a score at all: it maps to MEDIUM and MANUAL_REVIEW,
// the only path that produces MANUAL_REVIEW.
package policy

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("policy: invalid thresholds")

// Tier is a coarse risk band.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
	TierMinimal  Tier = "MINIMAL"
)

// Decision is the action the agent takes on a transaction.
type Decision string

const (
	DecisionApprove      Decision = "APPROVE"
	DecisionHold         Decision = "HOLD"
	DecisionBlock        Decision = "BLOCK"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionHold, DecisionBlock, DecisionManualReview:
		return true
	}
	return false
}

// Reasons attached to each decision.
const (
	ReasonBlock        = "CRITICAL fraud risk detected"
	ReasonHold         = "Unusual transaction - verification needed"
	ReasonApprove      = "Transaction appears legitimate"
	ReasonManualReview = "Fraud score unavailable - manual review required"
)

// Thresholds are inclusive lower bounds. Decision bands: p >= Block is
// BLOCK, p >= Hold is HOLD, anything lower is APPROVE. Tier bands follow
// Critical, Medium, Low the same way.
type Thresholds struct {
	Block    float64
	Hold     float64
	Critical float64
	Medium   float64
	Low      float64
}

// DefaultThresholds returns the production cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Block:    0.80,
		Hold:     0.50,
		Critical: 0.80,
		Medium:   0.50,
		Low:      0.20,
	}
}

// Validate checks that every threshold is in [0,1] and the bands are ordered.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"block": t.Block, "hold": t.Hold,
		"critical": t.Critical, "medium": t.Medium, "low": t.Low,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidThresholds, name, v)
		}
	}
	if t.Hold > t.Block {
		return fmt.Errorf("%w: hold %v above block %v", ErrInvalidThresholds, t.Hold, t.Block)
	}
	if t.Low > t.Medium || t.Medium > t.Critical {
		return fmt.Errorf("%w: tiers must satisfy low <= medium <= critical", ErrInvalidThresholds)
	}
	return nil
}

// Verdict is the policy output for one probability.
type Verdict struct {
	Tier     Tier     `json:"riskLevel"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Policy evaluates probabilities against a fixed set of thresholds.
type Policy struct {
	t Thresholds
}

// New validates t and returns a Policy.
func New(t Thresholds) (*Policy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Policy{t: t}, nil
}

// Default returns a Policy with DefaultThresholds.
func Default() *Policy {
	return &Policy{t: DefaultThresholds()}
}

// Thresholds returns the configured thresholds.
func (p *Policy) Thresholds() Thresholds { return p.t }

// Tier maps a probability to its risk tier.
func (p *Policy) Tier(prob float64) Tier {
	switch {
	case math.IsNaN(prob):
		return TierMedium
	case prob >= p.t.Critical:
		return TierCritical
	case prob >= p.t.Medium:
		return TierMedium
	case prob >= p.t.Low:
		return TierLow
	default:
		return TierMinimal
	}
}

// Decide maps a probability to a decision.
func (p *Policy) Decide(prob float64) Decision {
	switch {
	case math.IsNaN(prob):
		return DecisionManualReview
	case prob >= p.t.Block:
		return DecisionBlock
	case prob >= p.t.Hold:
		return DecisionHold
	default:
		return DecisionApprove
	}
}

// Evaluate returns the tier, decision and reason for prob.
func (p *Policy) Evaluate(prob float64) Verdict {
	d := p.Decide(prob)
	return Verdict{Tier: p.Tier(prob), Decision: d, Reason: ReasonFor(d)}
}

// ReasonFor returns the human-readable reason for a decision.
func ReasonFor(d Decision) string {
	switch d {
	case DecisionBlock:
		return ReasonBlock
	case DecisionHold:
		return ReasonHold
	case DecisionManualReview:
		return ReasonManualReview
	default:
		return ReasonApprove
	}
}
