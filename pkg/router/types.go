// Package router selects one model per work package under eligibility,
// budget, tier, and portfolio constraints, and leaves a full audit trail of
// why each candidate won or lost.
package router

import (
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
)

// TaskCard is the routing view of a work package.
type TaskCard struct {
	PackageID   string              `json:"packageId"`
	TaskType    string              `json:"taskType"`
	Difficulty  string              `json:"difficulty"` // low | medium | high
	Directive   string              `json:"directive,omitempty"`
	Importance  *float64            `json:"importance,omitempty"`
	UseCaseTags []string            `json:"useCaseTags,omitempty"`
	TierProfile modelhr.TierProfile `json:"tierProfile,omitempty"` // package-level override
}

// TokenEstimate is the input/output token budget for a task.
type TokenEstimate struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Config carries the run-level routing situation.
type Config struct {
	TierProfile        modelhr.TierProfile `json:"tierProfile"`
	BudgetRemainingUSD float64             `json:"budgetRemainingUSD"`
	OnBudgetFail       string              `json:"onBudgetFail,omitempty"` // best_effort_within_budget | fail
	BlockedProviders   []string            `json:"blockedProviders,omitempty"`
	RunSessionID       string              `json:"runSessionId,omitempty"`
	// PredictedCostUSD is an optional caller-supplied override, checked
	// against the computed cost for pricing mismatches.
	PredictedCostUSD map[string]float64 `json:"predictedCostUSD,omitempty"`
}

const (
	OnBudgetFailBestEffort = "best_effort_within_budget"
	OnBudgetFailFail       = "fail"
)

// Opts tweak ranking behavior per call.
type Opts struct {
	CheapestViableChosen bool
	// CandidateScores lets the caller supply precomputed scores.
	CandidateScores map[string]policy.ScoreBreakdown
}

// PortfolioOpts attach a cached recommendation to the route call.
type PortfolioOpts struct {
	Mode           string // off | prefer | lock
	Recommendation *Recommendation
}

const (
	PortfolioOff    = "off"
	PortfolioPrefer = "prefer"
	PortfolioLock   = "lock"
)

// Disqualification explains why a candidate was excluded.
type Disqualification struct {
	ModelID string `json:"modelId"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// Audit is the explainable record of a route call.
type Audit struct {
	Disqualified           []Disqualification               `json:"disqualified,omitempty"`
	CandidateScores        map[string]policy.ScoreBreakdown `json:"candidateScores,omitempty"`
	PredictedCosts         map[string]float64               `json:"predictedCosts,omitempty"`
	RankedBy               string                           `json:"rankedBy"` // cheapest_viable | score
	EnforceCheapestViable  bool                             `json:"enforceCheapestViable"`
	ChosenIsCheapestViable bool                             `json:"chosenIsCheapestViable"`
	PricingMismatchCount   int                              `json:"pricingMismatchCount"`
	PortfolioBypassed      bool                             `json:"portfolioBypassed"`
	PortfolioBypassReason  string                           `json:"portfolioBypassReason,omitempty"`
	FallbackReason         string                           `json:"fallbackReason,omitempty"`
	Warnings               []string                         `json:"warnings,omitempty"`
}

// Result is the route outcome. ChosenModelID empty means no viable choice.
type Result struct {
	ChosenModelID    string        `json:"chosenModelId,omitempty"`
	PredictedCostUSD float64       `json:"predictedCostUSD,omitempty"`
	Tokens           TokenEstimate `json:"tokens"`
	Audit            Audit         `json:"audit"`
}

// difficultyThresholds are the minimum viable scores per task difficulty,
// used by cheapest-viable ranking.
var difficultyThresholds = map[string]float64{
	"low":    0.45,
	"medium": 0.55,
	"high":   0.65,
}

// DifficultyThreshold returns the viability floor for a difficulty.
func DifficultyThreshold(difficulty string) float64 {
	if v, ok := difficultyThresholds[difficulty]; ok {
		return v
	}
	return difficultyThresholds["medium"]
}
