// Package modelhr implements the governed model registry: entry lifecycle,
// persistence drivers, HR signals, and registry health.
package modelhr

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a registry entry.
type Status string

const (
	StatusActive     Status = "active"
	StatusProbation  Status = "probation"
	StatusDeprecated Status = "deprecated"
	StatusDisabled   Status = "disabled"
)

// CanaryStatus tracks canary evaluation for an entry.
type CanaryStatus string

const (
	CanaryNone    CanaryStatus = "none"
	CanaryRunning CanaryStatus = "running"
	CanaryPassed  CanaryStatus = "passed"
	CanaryFailed  CanaryStatus = "failed"
)

// TierProfile constrains which models may be chosen and cost thresholds.
type TierProfile string

const (
	TierCheap    TierProfile = "cheap"
	TierStandard TierProfile = "standard"
	TierPremium  TierProfile = "premium"
)

// Identity identifies a model within a provider.
type Identity struct {
	Provider       string   `json:"provider"`
	ModelID        string   `json:"modelId"`
	Status         Status   `json:"status"`
	Aliases        []string `json:"aliases,omitempty"`
	DisabledReason string   `json:"disabledReason,omitempty"`
	DisabledAtISO  string   `json:"disabledAtISO,omitempty"`
}

// Pricing is USD per 1k tokens unless Currency says otherwise.
type Pricing struct {
	InPer1K      float64 `json:"inPer1k"`
	OutPer1K     float64 `json:"outPer1k"`
	Currency     string  `json:"currency,omitempty"`
	MinChargeUSD float64 `json:"minChargeUSD,omitempty"`
	RoundingRule string  `json:"roundingRule,omitempty"`
}

// Guardrails carries safety metadata for policy checks.
type Guardrails struct {
	SafetyCategory     string   `json:"safetyCategory,omitempty"` // "standard" | "restricted"
	RestrictedUseCases []string `json:"restrictedUseCases,omitempty"`
	HighRiskFlag       bool     `json:"highRiskFlag,omitempty"`
}

// CanaryThresholds overrides the default canary transition thresholds.
type CanaryThresholds struct {
	ProbationQuality   float64 `json:"probationQuality,omitempty"`
	GraduateQuality    float64 `json:"graduateQuality,omitempty"`
	ProbationFailCount int     `json:"probationFailCount,omitempty"`
}

// BudgetRule gates eligibility on remaining budget.
type BudgetRule struct {
	MinUSD float64 `json:"minUSD"`
}

// ImportanceRule gates eligibility on task importance.
type ImportanceRule struct {
	MaxImportance float64 `json:"maxImportance"`
}

// EligibilityRules are declarative per-model gates evaluated by policy.
type EligibilityRules struct {
	WhenBudgetAbove     *BudgetRule     `json:"whenBudgetAbove,omitempty"`
	WhenImportanceBelow *ImportanceRule `json:"whenImportanceBelow,omitempty"`
}

// Governance holds operator-controlled constraints for an entry.
type Governance struct {
	AllowedTiers         []TierProfile     `json:"allowedTiers,omitempty"`
	BlockedProviders     []string          `json:"blockedProviders,omitempty"`
	BlockedTaskTypes     []string          `json:"blockedTaskTypes,omitempty"`
	KillSwitch           bool              `json:"killSwitch,omitempty"`
	MaxCostVarianceRatio float64           `json:"maxCostVarianceRatio,omitempty"`
	MinQualityPrior      float64           `json:"minQualityPrior,omitempty"`
	CanaryThresholds     *CanaryThresholds `json:"canaryThresholds,omitempty"`
	DisableAutoDisable   bool              `json:"disableAutoDisable,omitempty"`
	EligibilityRules     *EligibilityRules `json:"eligibilityRules,omitempty"`
	// GuardExpression is an optional CEL predicate over the routing context.
	// Evaluated fail-closed by the policy engine when present.
	GuardExpression string `json:"guardExpression,omitempty"`
}

// PerformancePrior is a per-(taskType, difficulty) EWMA of quality and cost.
type PerformancePrior struct {
	TaskType              string  `json:"taskType"`
	Difficulty            string  `json:"difficulty"`
	QualityPrior          float64 `json:"qualityPrior"`
	CostMultiplier        float64 `json:"costMultiplier"`
	CalibrationConfidence float64 `json:"calibrationConfidence"`
	VarianceBandLow       float64 `json:"varianceBandLow,omitempty"`
	VarianceBandHigh      float64 `json:"varianceBandHigh,omitempty"`
	SampleCount           int     `json:"sampleCount"`
	LastUpdatedISO        string  `json:"lastUpdatedISO"`
	DefectRate            float64 `json:"defectRate,omitempty"`
}

// EvaluationMeta tracks canary state for an entry.
type EvaluationMeta struct {
	CanaryStatus  CanaryStatus `json:"canaryStatus"`
	LastCanaryISO string       `json:"lastCanaryISO,omitempty"`
}

// RegistryEntry is a governed candidate model.
type RegistryEntry struct {
	ID                string             `json:"id"` // canonical "<provider>/<modelId>"
	Identity          Identity           `json:"identity"`
	Pricing           Pricing            `json:"pricing"`
	Expertise         map[string]float64 `json:"expertise,omitempty"` // taskType -> [0,1]
	Reliability       float64            `json:"reliability"`
	Capabilities      []string           `json:"capabilities,omitempty"`
	Guardrails        Guardrails         `json:"guardrails,omitempty"`
	Governance        Governance         `json:"governance,omitempty"`
	PerformancePriors []PerformancePrior `json:"performancePriors,omitempty"`
	EvaluationMeta    EvaluationMeta     `json:"evaluationMeta"`
	CreatedAtISO      string             `json:"createdAtISO,omitempty"`
	UpdatedAtISO      string             `json:"updatedAtISO,omitempty"`
}

// CanonicalID builds the unique registry key "<provider>/<modelId>".
func CanonicalID(provider, modelID string) string {
	return provider + "/" + modelID
}

// PriorFor returns the prior for (taskType, difficulty), falling back to the
// taskType-only prior, then nil.
func (e *RegistryEntry) PriorFor(taskType, difficulty string) *PerformancePrior {
	var taskOnly *PerformancePrior
	for i := range e.PerformancePriors {
		p := &e.PerformancePriors[i]
		if p.TaskType != taskType {
			continue
		}
		if p.Difficulty == difficulty {
			return p
		}
		if taskOnly == nil {
			taskOnly = p
		}
	}
	return taskOnly
}

// ExpertiseFor returns expertise[taskType] falling back to expertise["general"].
func (e *RegistryEntry) ExpertiseFor(taskType string) float64 {
	if v, ok := e.Expertise[taskType]; ok {
		return v
	}
	return e.Expertise["general"]
}

// AllowsTier reports whether the entry may serve the tier. A missing
// allowedTiers list means all tiers.
func (e *RegistryEntry) AllowsTier(tier TierProfile) bool {
	if len(e.Governance.AllowedTiers) == 0 {
		return true
	}
	for _, t := range e.Governance.AllowedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Observation records one execution outcome for a model.
type Observation struct {
	ModelID              string  `json:"modelId"`
	TaskType             string  `json:"taskType"`
	Difficulty           string  `json:"difficulty"`
	ActualCostUSD        float64 `json:"actualCostUSD"`
	PredictedCostUSD     float64 `json:"predictedCostUSD"`
	ActualQuality        float64 `json:"actualQuality"`
	PredictedQuality     float64 `json:"predictedQuality"`
	TsISO                string  `json:"tsISO"`
	RunSessionID         string  `json:"runSessionId,omitempty"`
	PackageID            string  `json:"packageId,omitempty"`
	DefectCount          int     `json:"defectCount,omitempty"`
	QAMode               string  `json:"qaMode,omitempty"` // deterministic | llm | hybrid
	DeterministicNoSignal bool   `json:"deterministicNoSignal,omitempty"`
	BudgetGated          bool    `json:"budgetGated,omitempty"`
}

// HrSignal is emitted on status, pricing, or metadata changes.
type HrSignal struct {
	ModelID        string         `json:"modelId"`
	PreviousStatus string         `json:"previousStatus"`
	NewStatus      string         `json:"newStatus"`
	Reason         string         `json:"reason"`
	TsISO          string         `json:"tsISO"`
	Context        map[string]any `json:"context,omitempty"`
}

// HrActionKind is the set of operator-approvable actions.
type HrActionKind string

const (
	ActionProbation  HrActionKind = "probation"
	ActionDisable    HrActionKind = "disable"
	ActionActivate   HrActionKind = "activate"
	ActionKillSwitch HrActionKind = "kill_switch"
)

// HrAction is a pending or resolved human-approval record.
type HrAction struct {
	ID              string       `json:"id"`
	ModelID         string       `json:"modelId"`
	Action          HrActionKind `json:"action"`
	Reason          string       `json:"reason"`
	RecommendedBy   string       `json:"recommendedBy"` // evaluation | ops
	Approved        bool         `json:"approved"`
	ApprovedBy      string       `json:"approvedBy,omitempty"`
	RejectedBy      string       `json:"rejectedBy,omitempty"`
	RejectionReason string       `json:"rejectionReason,omitempty"`
	TsISO           string       `json:"tsISO"`
	ResolvedAtISO   string       `json:"resolvedAtISO,omitempty"`
}

// Resolved reports whether the action has been approved or rejected.
func (a *HrAction) Resolved() bool {
	return a.Approved || a.RejectedBy != ""
}

// FallbackEvent records a registry read that degraded to FALLBACK_MODELS.
type FallbackEvent struct {
	TsISO  string `json:"tsISO"`
	Reason string `json:"reason"`
}

// NowISO formats t in the registry's wire format (RFC 3339 UTC).
func NowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SafeID sanitises a canonical id for filesystem use: only [A-Za-z0-9_-]
// survive; every other rune becomes '_'.
func SafeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
