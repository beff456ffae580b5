// Package planner turns a directive into a project plan and materialises the
// plan into atomic work packages wired as a DAG. The expensive planning
// dialog lives outside the core; this package consumes the deterministic
// decomposer contract and owns the budget arithmetic.
package planner

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/router"
)

// Role distinguishes worker packages from their QA children.
type Role string

const (
	RoleWorker Role = "worker"
	RoleQA     Role = "qa"
)

// ProjectSubtask is one unit produced by the directive decomposer.
type ProjectSubtask struct {
	Name       string `json:"name"`
	TaskType   string `json:"taskType"`   // writing | code | analysis | general
	Difficulty string `json:"difficulty"` // low | medium | high
	Directive  string `json:"directive"`
}

// Decomposer is the deterministic directive decomposition contract.
type Decomposer interface {
	Decompose(directive string) []ProjectSubtask
}

// ProjectPlan is the costed decomposition of a directive.
type ProjectPlan struct {
	Directive        string              `json:"directive"`
	TierProfile      modelhr.TierProfile `json:"tierProfile"`
	ProjectBudgetUSD float64             `json:"projectBudgetUSD"`
	Subtasks         []ProjectSubtask    `json:"subtasks"`
	EstimatedCostUSD float64             `json:"estimatedCostUSD"`
	Underfunded      bool                `json:"underfunded"`
	BudgetWarnings   []string            `json:"budgetWarnings,omitempty"`
}

// AtomicWorkPackage is one schedulable unit of the run DAG.
type AtomicWorkPackage struct {
	ID                  string               `json:"id"`
	Role                Role                 `json:"role"`
	Name                string               `json:"name"`
	TaskType            string               `json:"taskType"`
	Difficulty          string               `json:"difficulty"`
	Directive           string               `json:"directive,omitempty"`
	AcceptanceCriteria  []string             `json:"acceptanceCriteria,omitempty"`
	Inputs              []string             `json:"inputs,omitempty"`
	Outputs             []string             `json:"outputs,omitempty"`
	Dependencies        []string             `json:"dependencies,omitempty"`
	EstimatedTokens     router.TokenEstimate `json:"estimatedTokens"`
	TierProfileOverride modelhr.TierProfile  `json:"tierProfileOverride,omitempty"`
}

// nominal per-package cost used for plan estimates: the tier's expected-cost
// ceiling is what a well-routed package should stay under.
var tierNominalCostUSD = map[modelhr.TierProfile]float64{
	modelhr.TierCheap:    0.0015,
	modelhr.TierStandard: 0.01,
	modelhr.TierPremium:  0.05,
}

// PlanOptions tune PlanProject.
type PlanOptions struct {
	TierProfile modelhr.TierProfile // defaults to standard
	Difficulty  string              // forces subtask difficulty when set
	// Subtasks overrides the decomposer output entirely when non-empty.
	Subtasks []ProjectSubtask
}

// Planner plans and materialises projects.
type Planner struct {
	decomposer Decomposer
}

func New(decomposer Decomposer) *Planner {
	return &Planner{decomposer: decomposer}
}

// PlanProject decomposes the directive and prices the plan. Each subtask
// costs a worker package plus a QA package; QA is priced at the cheap tier.
func (p *Planner) PlanProject(directive string, budgetUSD float64, opts PlanOptions) (*ProjectPlan, error) {
	if strings.TrimSpace(directive) == "" {
		return nil, fmt.Errorf("plan: directive is empty")
	}
	if budgetUSD <= 0 {
		return nil, fmt.Errorf("plan: projectBudgetUSD must be positive")
	}

	tier := opts.TierProfile
	if tier == "" {
		tier = modelhr.TierStandard
	}

	subtasks := opts.Subtasks
	if len(subtasks) == 0 {
		subtasks = p.decomposer.Decompose(directive)
	}
	if opts.Difficulty != "" {
		for i := range subtasks {
			subtasks[i].Difficulty = opts.Difficulty
		}
	}

	plan := &ProjectPlan{
		Directive:        directive,
		TierProfile:      tier,
		ProjectBudgetUSD: budgetUSD,
		Subtasks:         subtasks,
	}

	workerCost := tierNominalCostUSD[tier]
	qaCost := tierNominalCostUSD[modelhr.TierCheap]
	plan.EstimatedCostUSD = float64(len(subtasks))*(workerCost+qaCost) + workerCost // + final aggregation

	if plan.EstimatedCostUSD > budgetUSD {
		plan.Underfunded = true
		plan.BudgetWarnings = append(plan.BudgetWarnings, fmt.Sprintf(
			"estimated cost $%.4f exceeds budget $%.4f; packages will run best-effort",
			plan.EstimatedCostUSD, budgetUSD))
	}
	if budgetUSD < workerCost {
		plan.BudgetWarnings = append(plan.BudgetWarnings,
			"budget below the nominal cost of a single package")
	}
	return plan, nil
}

// MaterializePackages turns a plan into the run DAG: one worker package per
// subtask with a QA child, then a final aggregation-report worker (plus QA)
// depending on every subtask worker.
func (p *Planner) MaterializePackages(plan *ProjectPlan) ([]AtomicWorkPackage, error) {
	if plan == nil || len(plan.Subtasks) == 0 {
		return nil, fmt.Errorf("package: plan has no subtasks")
	}

	var packages []AtomicWorkPackage
	workerIDs := make([]string, 0, len(plan.Subtasks))

	for i, st := range plan.Subtasks {
		id := fmt.Sprintf("wp-%02d-%s", i+1, slug(st.Name))
		workerIDs = append(workerIDs, id)

		worker := AtomicWorkPackage{
			ID:         id,
			Role:       RoleWorker,
			Name:       st.Name,
			TaskType:   st.TaskType,
			Difficulty: st.Difficulty,
			Directive:  st.Directive,
			AcceptanceCriteria: []string{
				"output addresses the subtask directive",
				"no placeholder content",
			},
			Outputs: []string{id + ".out"},
			EstimatedTokens: router.EstimateTokensForTask(router.TaskCard{
				TaskType:   st.TaskType,
				Difficulty: st.Difficulty,
				Directive:  st.Directive,
			}),
		}
		packages = append(packages, worker, qaChildOf(worker))
	}

	agg := AtomicWorkPackage{
		ID:         "aggregation-report",
		Role:       RoleWorker,
		Name:       "Aggregation report",
		TaskType:   "code",
		Difficulty: "high",
		Directive:  plan.Directive,
		AcceptanceCriteria: []string{
			"single strict JSON artifact with fileTree, files, report",
			"all required project files present",
		},
		Inputs:       outputsOf(packages, workerIDs),
		Outputs:      []string{"aggregation-report.out"},
		Dependencies: workerIDs,
		EstimatedTokens: router.EstimateTokensForTask(router.TaskCard{
			TaskType: "code", Difficulty: "high", Directive: plan.Directive,
		}),
	}
	packages = append(packages, agg, qaChildOf(agg))
	return packages, nil
}

// qaChildOf builds the QA package for a worker. QA runs on the cheap tier
// unless the worker carries its own override.
func qaChildOf(worker AtomicWorkPackage) AtomicWorkPackage {
	return AtomicWorkPackage{
		ID:                  worker.ID + "-qa",
		Role:                RoleQA,
		Name:                worker.Name + " QA",
		TaskType:            worker.TaskType,
		Difficulty:          "low",
		Inputs:              worker.Outputs,
		Dependencies:        []string{worker.ID},
		EstimatedTokens:     router.TokenEstimate{Input: 500, Output: 300},
		TierProfileOverride: modelhr.TierCheap,
	}
}

func outputsOf(packages []AtomicWorkPackage, ids []string) []string {
	byID := make(map[string][]string, len(packages))
	for _, pkg := range packages {
		byID[pkg.ID] = pkg.Outputs
	}
	var out []string
	for _, id := range ids {
		out = append(out, byID[id]...)
	}
	return out
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
