// Package policy implements model eligibility and explainable scoring over
// registry snapshots. Scoring is pure: identical inputs yield identical
// breakdowns, so routing audits are reproducible.
package policy

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

// Context carries the routing situation a model is judged against.
type Context struct {
	TaskType           string
	Difficulty         string
	TierProfile        modelhr.TierProfile
	BudgetRemainingUSD float64
	Importance         *float64
	UseCaseTags        []string
	BlockedProviders   []string
	// Token estimate feeding the predicted-cost formula.
	EstimatedInTokens  int
	EstimatedOutTokens int
}

// Eligibility is the verdict plus a machine-readable reason.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ScoreBreakdown makes every component of a final score auditable.
type ScoreBreakdown struct {
	BaseReliability       float64 `json:"baseReliability"`
	ExpertiseComponent    float64 `json:"expertiseComponent"`
	PriorQualityComponent float64 `json:"priorQualityComponent"`
	StatusPenalty         float64 `json:"statusPenalty"`
	CostPenalty           float64 `json:"costPenalty"`
	FinalScore            float64 `json:"finalScore"`
}

// DefaultTierThresholds are expected-cost ceilings in USD per package.
var DefaultTierThresholds = map[modelhr.TierProfile]float64{
	modelhr.TierCheap:    0.0015,
	modelhr.TierStandard: 0.01,
	modelhr.TierPremium:  0.05,
}

const (
	weightReliability = 0.3
	weightExpertise   = 0.4
	weightPrior       = 0.3

	probationPenalty  = 0.15
	deprecatedPenalty = 0.10
	costPenaltyCap    = 0.25
)

// Engine evaluates eligibility and scores. Thresholds may be overridden by a
// routing profile; guard expressions are evaluated fail-closed via CEL.
type Engine struct {
	thresholds map[modelhr.TierProfile]float64
	guard      *GuardEvaluator
}

func NewEngine() *Engine {
	return &Engine{thresholds: DefaultTierThresholds, guard: NewGuardEvaluator()}
}

// WithTierThresholds overrides the per-tier cost ceilings (routing profiles).
func (e *Engine) WithTierThresholds(t map[modelhr.TierProfile]float64) *Engine {
	if len(t) > 0 {
		merged := make(map[modelhr.TierProfile]float64, len(DefaultTierThresholds))
		for k, v := range DefaultTierThresholds {
			merged[k] = v
		}
		for k, v := range t {
			merged[k] = v
		}
		e.thresholds = merged
	}
	return e
}

// TierThreshold returns the expected-cost ceiling for a tier.
func (e *Engine) TierThreshold(tier modelhr.TierProfile) float64 {
	if v, ok := e.thresholds[tier]; ok {
		return v
	}
	return e.thresholds[modelhr.TierStandard]
}

// IsEligible evaluates the fixed precedence chain. Earlier rules win; the
// deprecated rule short-circuits eligible with a migration warning.
func (e *Engine) IsEligible(m *modelhr.RegistryEntry, ctx Context) Eligibility {
	if m.Identity.Status == modelhr.StatusDisabled {
		return Eligibility{Eligible: false, Reason: "disabled", Detail: m.Identity.DisabledReason}
	}
	if m.Governance.KillSwitch {
		return Eligibility{Eligible: false, Reason: "kill_switch"}
	}
	if m.Identity.Status == modelhr.StatusDeprecated {
		return Eligibility{Eligible: true, Detail: "deprecated; consider migrating"}
	}
	if len(m.Governance.AllowedTiers) > 0 && !m.AllowsTier(ctx.TierProfile) {
		return Eligibility{Eligible: false, Reason: "tier_not_allowed"}
	}
	for _, p := range ctx.BlockedProviders {
		if p == m.Identity.Provider {
			return Eligibility{Eligible: false, Reason: "provider_blocked"}
		}
	}
	for _, t := range m.Governance.BlockedTaskTypes {
		if t == ctx.TaskType {
			return Eligibility{Eligible: false, Reason: "task_type_blocked"}
		}
	}
	for _, restricted := range m.Guardrails.RestrictedUseCases {
		for _, tag := range ctx.UseCaseTags {
			if restricted == tag {
				return Eligibility{Eligible: false, Reason: "restricted_use_case", Detail: tag}
			}
		}
	}
	if m.Guardrails.SafetyCategory == "restricted" && ctx.TierProfile == modelhr.TierCheap {
		return Eligibility{Eligible: false, Reason: "restricted_use_case", Detail: "restricted model on cheap tier"}
	}
	if rules := m.Governance.EligibilityRules; rules != nil {
		if rules.WhenBudgetAbove != nil && ctx.BudgetRemainingUSD < rules.WhenBudgetAbove.MinUSD {
			return Eligibility{Eligible: false, Reason: "budget_too_low"}
		}
		if rules.WhenImportanceBelow != nil && ctx.Importance != nil &&
			*ctx.Importance > rules.WhenImportanceBelow.MaxImportance {
			return Eligibility{Eligible: false, Reason: "importance_too_low"}
		}
	}
	if m.Governance.GuardExpression != "" {
		allowed, err := e.guard.Evaluate(m.Governance.GuardExpression, ctx)
		if err != nil {
			// fail-closed on compile or eval errors
			return Eligibility{Eligible: false, Reason: "guard_failed", Detail: err.Error()}
		}
		if !allowed {
			return Eligibility{Eligible: false, Reason: "guard_failed"}
		}
	}
	return Eligibility{Eligible: true}
}

// ExpectedBaseCost is the pricing cost for the token estimate before the
// calibration multiplier is applied.
func ExpectedBaseCost(p modelhr.Pricing, inTokens, outTokens int) float64 {
	cost := float64(inTokens)/1000*p.InPer1K + float64(outTokens)/1000*p.OutPer1K
	if p.MinChargeUSD > 0 && cost < p.MinChargeUSD {
		cost = p.MinChargeUSD
	}
	return cost
}

// PredictedCostUSD is the single source of truth for predicted package cost:
// pricing x estimated tokens x the model's cost multiplier for the slice.
func PredictedCostUSD(m *modelhr.RegistryEntry, ctx Context) float64 {
	cost := ExpectedBaseCost(m.Pricing, ctx.EstimatedInTokens, ctx.EstimatedOutTokens)
	if prior := m.PriorFor(ctx.TaskType, ctx.Difficulty); prior != nil && prior.CostMultiplier > 0 {
		cost *= prior.CostMultiplier
	}
	return cost
}

// ComputeModelScore returns the final [0,1] score with its breakdown.
// Disabled models score exactly 0.
func (e *Engine) ComputeModelScore(m *modelhr.RegistryEntry, ctx Context) ScoreBreakdown {
	if m.Identity.Status == modelhr.StatusDisabled {
		return ScoreBreakdown{}
	}

	b := ScoreBreakdown{
		BaseReliability:    weightReliability * clamp01(m.Reliability),
		ExpertiseComponent: weightExpertise * clamp01(m.ExpertiseFor(ctx.TaskType)),
	}

	prior := m.PriorFor(ctx.TaskType, ctx.Difficulty)
	if prior != nil {
		b.PriorQualityComponent = weightPrior * clamp01(prior.QualityPrior) * clamp01(prior.CalibrationConfidence)
	}

	switch m.Identity.Status {
	case modelhr.StatusProbation:
		b.StatusPenalty = probationPenalty
	case modelhr.StatusDeprecated:
		b.StatusPenalty = deprecatedPenalty
	}

	threshold := e.TierThreshold(ctx.TierProfile)
	adjusted := ExpectedBaseCost(m.Pricing, ctx.EstimatedInTokens, ctx.EstimatedOutTokens)
	if prior != nil && prior.CostMultiplier > 0 {
		adjusted *= prior.CostMultiplier
	}
	if threshold > 0 && adjusted > threshold {
		b.CostPenalty = math.Min(costPenaltyCap, (adjusted/threshold-1)*0.1)
	}

	b.FinalScore = clamp01(b.BaseReliability + b.ExpertiseComponent + b.PriorQualityComponent - b.StatusPenalty - b.CostPenalty)
	return b
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Explain renders a one-line summary of a breakdown for audits.
func (b ScoreBreakdown) Explain() string {
	return fmt.Sprintf("score=%.3f (reliability=%.3f expertise=%.3f prior=%.3f statusPenalty=%.3f costPenalty=%.3f)",
		b.FinalScore, b.BaseReliability, b.ExpertiseComponent, b.PriorQualityComponent, b.StatusPenalty, b.CostPenalty)
}
