// Package ledger is the append-only record of what a run decided and spent.
// One ledger per runSessionId; append-only until finalised, immutable after.
package ledger

import (
	"errors"

	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

var (
	ErrLedgerNotFound = errors.New("ledger not found")
	ErrFinalized      = errors.New("ledger already finalized")
)

// DecisionType enumerates the auditable event kinds.
type DecisionType string

const (
	DecisionRoute               DecisionType = "ROUTE"
	DecisionAuditPatch          DecisionType = "AUDIT_PATCH"
	DecisionEscalation          DecisionType = "ESCALATION"
	DecisionBudgetOptimization  DecisionType = "BUDGET_OPTIMIZATION"
	DecisionModelHrSignal       DecisionType = "MODEL_HR_SIGNAL"
	DecisionProcurementFallback DecisionType = "PROCUREMENT_FALLBACK"
	DecisionAssembly            DecisionType = "ASSEMBLY"
	DecisionAssemblyFailed      DecisionType = "ASSEMBLY_FAILED"
)

// CostKind buckets spend by who incurred it.
type CostKind string

const (
	CostCouncil         CostKind = "council"
	CostWorker          CostKind = "worker"
	CostQA              CostKind = "qa"
	CostDeterministicQA CostKind = "deterministicQa"
)

// Decision is one appended audit event.
type Decision struct {
	Type      DecisionType   `json:"type"`
	PackageID string         `json:"packageId,omitempty"`
	TsISO     string         `json:"tsISO"`
	Details   map[string]any `json:"details,omitempty"`
}

// Costs tracks per-bucket USD spend.
type Costs struct {
	CouncilUSD         float64 `json:"councilUSD"`
	WorkerUSD          float64 `json:"workerUSD"`
	QAUSD              float64 `json:"qaUSD"`
	DeterministicQaUSD float64 `json:"deterministicQaUSD"`
}

// TotalUSD is always the sum of the four buckets.
func (c Costs) TotalUSD() float64 {
	return c.CouncilUSD + c.WorkerUSD + c.QAUSD + c.DeterministicQaUSD
}

// Counts tracks package outcomes for the run.
type Counts struct {
	Packages  int `json:"packages"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Escalated int `json:"escalated"`
}

// Variance tracks calibration coverage for the run.
type Variance struct {
	Recorded    int            `json:"recorded"`
	Skipped     int            `json:"skipped"`
	SkipReasons map[string]int `json:"skipReasons,omitempty"`
}

// RoleExecution records which model served which role how often.
type RoleExecution struct {
	Role    string `json:"role"` // worker | qa | council
	ModelID string `json:"modelId"`
	Count   int    `json:"count"`
}

// Status of a ledger's run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Ledger is the full run record. Snapshots returned by stores are deep
// copies; mutating them does not touch the stored ledger.
type Ledger struct {
	RunSessionID   string          `json:"runSessionId"`
	StartedAtISO   string          `json:"startedAtISO"`
	FinishedAtISO  string          `json:"finishedAtISO,omitempty"`
	Status         Status          `json:"status"`
	PortfolioMode  string          `json:"portfolioMode,omitempty"`
	Counts         Counts          `json:"counts"`
	Costs          Costs           `json:"costs"`
	TrustDeltas    []trust.Delta   `json:"trustDeltas,omitempty"`
	Variance       Variance        `json:"variance"`
	Decisions      []Decision      `json:"decisions,omitempty"`
	RoleExecutions []RoleExecution `json:"roleExecutions,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Meta           map[string]any  `json:"meta,omitempty"`
}

// CreateOptions seed a new ledger.
type CreateOptions struct {
	PortfolioMode string
	Meta          map[string]any
}

// FinalizeOptions close out a run.
type FinalizeOptions struct {
	Status         Status // defaults to completed
	RoleExecutions []RoleExecution
	Counts         *Counts
	Warnings       []string
	Meta           map[string]any
}

// Store is the run-ledger contract. Implementations must allow any number
// of concurrent recorders per runSessionId.
type Store interface {
	Create(runSessionID string, opts CreateOptions) error
	RecordDecision(runSessionID string, d Decision) error
	RecordCost(runSessionID string, kind CostKind, amountUSD float64) error
	RecordTrustDelta(runSessionID string, delta trust.Delta) error
	RecordVarianceRecorded(runSessionID string) error
	RecordVarianceSkipped(runSessionID, reason string) error
	AddWarning(runSessionID, warning string) error
	Finalize(runSessionID string, opts FinalizeOptions) error
	Get(runSessionID string) (*Ledger, error)
	List() []*Ledger
}
