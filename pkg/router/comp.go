package router

import (
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
)

// CostQuote is the Comp service output for one candidate.
type CostQuote struct {
	ModelID          string  `json:"modelId"`
	ExpectedUSD      float64 `json:"expectedUSD"`  // pricing x tokens
	PredictedUSD     float64 `json:"predictedUSD"` // expected x cost multiplier
	CostMultiplier   float64 `json:"costMultiplier"`
	PricingMismatch  bool    `json:"pricingMismatch,omitempty"`
	CallerUSD        float64 `json:"callerUSD,omitempty"`
}

// QuoteCost applies the single predicted-cost formula: pricing x estimated
// tokens x the candidate's cost multiplier for the (taskType, difficulty)
// slice. A caller-supplied figure diverging by more than 2x in either
// direction flags a pricing mismatch.
func QuoteCost(m *modelhr.RegistryEntry, task TaskCard, tokens TokenEstimate, callerUSD float64) CostQuote {
	expected := policy.ExpectedBaseCost(m.Pricing, tokens.Input, tokens.Output)

	multiplier := 1.0
	if prior := m.PriorFor(task.TaskType, task.Difficulty); prior != nil && prior.CostMultiplier > 0 {
		multiplier = prior.CostMultiplier
	}
	q := CostQuote{
		ModelID:        m.ID,
		ExpectedUSD:    expected,
		PredictedUSD:   expected * multiplier,
		CostMultiplier: multiplier,
	}

	if callerUSD > 0 && q.PredictedUSD > 0 {
		ratio := callerUSD / q.PredictedUSD
		if ratio > 2 || ratio < 0.5 {
			q.PricingMismatch = true
			q.CallerUSD = callerUSD
		}
	}
	return q
}
