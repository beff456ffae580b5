// Package runner executes a work-package DAG with bounded Worker and QA
// pools. One coordinator hands ready packages to the pools and folds results
// back into the graph; telemetry failures never fail a run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/evaluation"
	"github.com/Mindburn-Labs/maestro/pkg/observability"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

const (
	defaultWorkerPool = 3
	defaultQAPool     = 2

	escalationThreshold = 0.60
	budgetGateFraction  = 0.90
	qaTrustLowFloor     = 0.40
)

// Usage is the token consumption reported by an executor.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ExecResult is one completed LLM call.
type ExecResult struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// ExecOptions bound a single call.
type ExecOptions struct {
	MaxTokens int
}

// Executor is the llmTextExecute collaborator contract.
type Executor interface {
	Execute(ctx context.Context, modelID, prompt string, opts ExecOptions) (ExecResult, error)
}

// Deps are the injected collaborators. Tests pass private copies; there are
// no hidden module-level singletons.
type Deps struct {
	Router     *router.Router
	Models     []modelhr.RegistryEntry // registry snapshot taken at run start
	Registry   *modelhr.Registry
	Evaluation *evaluation.Service
	Trust      *trust.Tracker
	Variance   *trust.VarianceTracker
	Executor   Executor
	Ledger     ledger.Store

	PortfolioMode string
	Portfolio     *router.Recommendation

	Limiter *rate.Limiter
	Logger  *slog.Logger
	Clock   func() time.Time

	// Obs, when set, tracks each package execution as a RED-metered operation.
	Obs *observability.Provider

	// OnComplete observes the finalized result before Run returns. Used to
	// publish deliverables without coupling the runner to storage backends.
	OnComplete func(context.Context, *RunResult)
}

// Concurrency bounds the two role pools.
type Concurrency struct {
	Worker int `json:"worker,omitempty"`
	QA     int `json:"qa,omitempty"`
}

// RunInputs describe one run of the DAG.
type RunInputs struct {
	RunSessionID         string
	Packages             []planner.AtomicWorkPackage
	ProjectBudgetUSD     float64
	TierProfile          modelhr.TierProfile
	Concurrency          Concurrency
	CheapestViableChosen bool

	// InitialDecisions are recorded right after ledger creation; callers use
	// them for pre-run events such as procurement fallbacks.
	InitialDecisions []ledger.Decision

	// OnProgress, when set, observes coordinator progress updates.
	OnProgress func(Progress)
}

// PackageStatus is the terminal state of one package.
type PackageStatus string

const (
	PackageCompleted PackageStatus = "completed"
	PackageFailed    PackageStatus = "failed"
	PackageSkipped   PackageStatus = "skipped"
)

// PackageResult is the outcome of one package.
type PackageResult struct {
	PackageID    string        `json:"packageId"`
	Role         planner.Role  `json:"role"`
	Status       PackageStatus `json:"status"`
	SkipReason   string        `json:"skipReason,omitempty"`
	FailReason   string        `json:"failReason,omitempty"`
	ModelID      string        `json:"modelId,omitempty"`
	Output       string        `json:"output,omitempty"`
	QualityScore float64       `json:"qualityScore,omitempty"`
	QAMode       string        `json:"qaMode,omitempty"`
	Defects      []string      `json:"defects,omitempty"`
	CostUSD      float64       `json:"costUSD"`
	Escalated    bool          `json:"escalated,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
}

// Progress is the poller's view of a running session.
type Progress struct {
	TotalPackages     int      `json:"totalPackages"`
	CompletedPackages int      `json:"completedPackages"`
	RunningPackages   int      `json:"runningPackages"`
	Warnings          []string `json:"warnings,omitempty"`
}

// RunResult is the structured outcome of runWorkPackages. Executor errors
// never propagate past it.
type RunResult struct {
	RunSessionID string                    `json:"runSessionId"`
	Status       ledger.Status             `json:"status"`
	Counts       ledger.Counts             `json:"counts"`
	Packages     map[string]*PackageResult `json:"packages"`
	TotalCostUSD float64                   `json:"totalCostUSD"`
	Warnings     []string                  `json:"warnings,omitempty"`
}

// Runner coordinates DAG execution.
type Runner struct {
	deps Deps
}

func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "runner")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Limiter == nil {
		deps.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Runner{deps: deps}
}

// runState is the coordinator-owned mutable state. The mutex also covers
// reads from pool goroutines (budget checks, upstream outputs).
type runState struct {
	mu       sync.Mutex
	in       RunInputs
	nodes    map[string]*node
	results  map[string]*PackageResult
	spentUSD float64
	warnings []string
	warned   map[string]bool
	running  int
	mode     string // effective portfolio mode
}

func (st *runState) addCost(amount float64) {
	st.mu.Lock()
	st.spentUSD += amount
	st.mu.Unlock()
}

func (st *runState) budgetRemaining() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.in.ProjectBudgetUSD - st.spentUSD
}

func (st *runState) llmQAAllowed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.spentUSD < budgetGateFraction*st.in.ProjectBudgetUSD
}

func (st *runState) warnOnce(key, warning string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.warned[key] {
		return
	}
	st.warned[key] = true
	st.warnings = append(st.warnings, warning)
}

func (st *runState) resultOf(id string) *PackageResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results[id]
}

// Run executes the DAG and always returns a structured result; the error
// return is reserved for invalid inputs.
func (r *Runner) Run(ctx context.Context, in RunInputs) (*RunResult, error) {
	if in.RunSessionID == "" {
		return nil, fmt.Errorf("run: runSessionId is required")
	}
	if len(in.Packages) == 0 {
		return nil, fmt.Errorf("run: no packages")
	}
	if in.ProjectBudgetUSD <= 0 {
		return nil, fmt.Errorf("run: projectBudgetUSD must be positive")
	}
	if in.Concurrency.Worker <= 0 {
		in.Concurrency.Worker = defaultWorkerPool
	}
	if in.Concurrency.QA <= 0 {
		in.Concurrency.QA = defaultQAPool
	}

	nodes, err := buildGraph(in.Packages)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	if err := r.deps.Ledger.Create(in.RunSessionID, ledger.CreateOptions{
		PortfolioMode: r.deps.PortfolioMode,
		Meta:          map[string]any{"councilPlanningSkipped": true},
	}); err != nil {
		r.deps.Logger.Warn("ledger create failed", "runSessionId", in.RunSessionID, "error", err)
	}
	for _, d := range in.InitialDecisions {
		r.recordDecision(in.RunSessionID, d)
	}

	st := &runState{
		in:      in,
		nodes:   nodes,
		results: make(map[string]*PackageResult, len(in.Packages)),
		warned:  map[string]bool{},
		mode:    r.resolvePortfolioMode(in.RunSessionID),
	}

	readyWorker := make(chan string, len(in.Packages))
	readyQA := make(chan string, len(in.Packages))
	done := make(chan *PackageResult, len(in.Packages))

	var pools sync.WaitGroup
	for i := 0; i < in.Concurrency.Worker; i++ {
		pools.Add(1)
		go r.pool(ctx, st, readyWorker, done, &pools)
	}
	for i := 0; i < in.Concurrency.QA; i++ {
		pools.Add(1)
		go r.pool(ctx, st, readyQA, done, &pools)
	}

	r.coordinate(ctx, st, readyWorker, readyQA, done)

	close(readyWorker)
	close(readyQA)
	pools.Wait()

	out := r.finalize(ctx, st)
	if r.deps.OnComplete != nil {
		r.deps.OnComplete(ctx, out)
	}
	return out, nil
}

// pool is one bounded consumer over a ready queue.
func (r *Runner) pool(ctx context.Context, st *runState, ready <-chan string, done chan<- *PackageResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for id := range ready {
		st.mu.Lock()
		pkg := st.nodes[id].pkg
		st.mu.Unlock()
		done <- r.executePackage(ctx, st, pkg)
	}
}

// coordinate owns scheduling: it seeds ready packages, folds results back in,
// and resolves skips without occupying a pool slot.
func (r *Runner) coordinate(ctx context.Context, st *runState, readyWorker, readyQA chan<- string, done <-chan *PackageResult) {
	pending := len(st.nodes)

	terminalLocked := func(res *PackageResult) {
		st.results[res.PackageID] = res
		pending--
		for _, dependent := range st.nodes[res.PackageID].dependents {
			st.nodes[dependent].indegree--
		}
	}

	var schedule func()
	schedule = func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		for {
			progressed := false
			for id, n := range st.nodes {
				if n.scheduled || n.indegree > 0 {
					continue
				}
				if skip := r.skipReasonLocked(ctx, st, n); skip != "" {
					n.scheduled = true
					terminalLocked(&PackageResult{
						PackageID:  id,
						Role:       n.pkg.Role,
						Status:     PackageSkipped,
						SkipReason: skip,
					})
					progressed = true
					continue
				}
				n.scheduled = true
				st.running++
				if n.pkg.Role == planner.RoleQA {
					readyQA <- id
				} else {
					readyWorker <- id
				}
			}
			if !progressed {
				return
			}
		}
	}

	schedule()
	r.reportProgress(st)

	for {
		st.mu.Lock()
		remaining := pending
		st.mu.Unlock()
		if remaining == 0 {
			return
		}

		res := <-done
		st.mu.Lock()
		st.running--
		terminalLocked(res)
		st.mu.Unlock()

		schedule()
		r.reportProgress(st)
	}
}

// skipReasonLocked decides whether a ready package must be skipped instead of
// scheduled. Called with st.mu held.
func (r *Runner) skipReasonLocked(ctx context.Context, st *runState, n *node) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	for _, dep := range n.pkg.Dependencies {
		if res, ok := st.results[dep]; ok && res.Status != PackageCompleted {
			return "upstream_failed"
		}
	}
	if st.spentUSD >= st.in.ProjectBudgetUSD {
		if !st.warned["budget_exceeded"] {
			st.warned["budget_exceeded"] = true
			st.warnings = append(st.warnings, "budget_exceeded: project budget exhausted; remaining packages not started")
		}
		return "budget_exceeded"
	}
	return ""
}

func (r *Runner) reportProgress(st *runState) {
	if st.in.OnProgress == nil {
		return
	}
	st.mu.Lock()
	completed := 0
	for _, res := range st.results {
		if res.Status == PackageCompleted {
			completed++
		}
	}
	p := Progress{
		TotalPackages:     len(st.nodes),
		CompletedPackages: completed,
		RunningPackages:   st.running,
		Warnings:          append([]string(nil), st.warnings...),
	}
	st.mu.Unlock()
	st.in.OnProgress(p)
}

// resolvePortfolioMode validates the recommendation against the registry
// snapshot and downgrades to off on coverage failure.
func (r *Runner) resolvePortfolioMode(runSessionID string) string {
	mode := r.deps.PortfolioMode
	if mode == "" {
		mode = router.PortfolioOff
	}
	if mode == router.PortfolioOff || r.deps.Portfolio == nil {
		return mode
	}
	v := router.ValidateRecommendation(r.deps.Portfolio, r.deps.Models)
	if v.Valid {
		return mode
	}
	r.recordDecision(runSessionID, ledger.Decision{
		Type: ledger.DecisionBudgetOptimization,
		Details: map[string]any{
			"portfolioValidationFailed": true,
			"reason":                    "portfolio_coverage_invalid",
			"missingModelIds":           v.MissingModelIDs,
		},
	})
	r.deps.Logger.Warn("portfolio coverage invalid; downgrading to off",
		"runSessionId", runSessionID, "missing", v.MissingModelIDs)
	return router.PortfolioOff
}

func (r *Runner) finalize(ctx context.Context, st *runState) *RunResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := &RunResult{
		RunSessionID: st.in.RunSessionID,
		Status:       ledger.StatusCompleted,
		Packages:     st.results,
		TotalCostUSD: st.spentUSD,
		Warnings:     st.warnings,
	}
	if ctx.Err() != nil {
		out.Status = ledger.StatusCancelled
	}

	roleCounts := map[string]map[string]int{}
	for _, res := range st.results {
		out.Counts.Packages++
		switch res.Status {
		case PackageCompleted:
			out.Counts.Completed++
		case PackageFailed:
			out.Counts.Failed++
		case PackageSkipped:
			out.Counts.Skipped++
		}
		if res.Escalated {
			out.Counts.Escalated++
		}
		if res.ModelID != "" {
			role := string(res.Role)
			if roleCounts[role] == nil {
				roleCounts[role] = map[string]int{}
			}
			roleCounts[role][res.ModelID]++
		}
	}

	var executions []ledger.RoleExecution
	for role, byModel := range roleCounts {
		for modelID, count := range byModel {
			executions = append(executions, ledger.RoleExecution{Role: role, ModelID: modelID, Count: count})
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].Role != executions[j].Role {
			return executions[i].Role < executions[j].Role
		}
		return executions[i].ModelID < executions[j].ModelID
	})

	if err := r.deps.Ledger.Finalize(st.in.RunSessionID, ledger.FinalizeOptions{
		Status:         out.Status,
		RoleExecutions: executions,
		Counts:         &out.Counts,
		Warnings:       st.warnings,
	}); err != nil {
		r.deps.Logger.Warn("ledger finalize failed", "runSessionId", st.in.RunSessionID, "error", err)
	}
	return out
}

func (r *Runner) recordDecision(runSessionID string, d ledger.Decision) {
	if err := r.deps.Ledger.RecordDecision(runSessionID, d); err != nil {
		r.deps.Logger.Warn("decision not recorded", "runSessionId", runSessionID, "type", d.Type, "error", err)
	}
}
