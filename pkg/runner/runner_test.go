package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/evaluation"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
	"github.com/Mindburn-Labs/maestro/pkg/observability"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

// scriptedExecutor answers worker prompts and judge prompts from two scripts,
// consuming worker responses in call order.
type scriptedExecutor struct {
	mu          sync.Mutex
	workerCalls int
	judgeCalls  int
	workerText  []string // consumed per worker call; last entry repeats
	judgeText   string
	usage       Usage
	err         error
}

func (e *scriptedExecutor) Execute(ctx context.Context, modelID, prompt string, opts ExecOptions) (ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return ExecResult{}, e.err
	}
	if strings.Contains(prompt, "strict QA reviewer") {
		e.judgeCalls++
		return ExecResult{Text: e.judgeText, Usage: e.usage}, nil
	}
	idx := e.workerCalls
	if idx >= len(e.workerText) {
		idx = len(e.workerText) - 1
	}
	e.workerCalls++
	return ExecResult{Text: e.workerText[idx], Usage: e.usage}, nil
}

// blockingExecutor parks every call until the context is cancelled.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, modelID, prompt string, opts ExecOptions) (ExecResult, error) {
	<-ctx.Done()
	return ExecResult{}, ctx.Err()
}

func runnerModel(provider, modelID string, inPer1K, outPer1K, reliability, expertise float64) modelhr.RegistryEntry {
	return modelhr.RegistryEntry{
		ID: modelhr.CanonicalID(provider, modelID),
		Identity: modelhr.Identity{
			Provider: provider,
			ModelID:  modelID,
			Status:   modelhr.StatusActive,
		},
		Pricing:     modelhr.Pricing{InPer1K: inPer1K, OutPer1K: outPer1K},
		Reliability: reliability,
		Expertise:   map[string]float64{"general": expertise},
	}
}

func workerPkg(id string, deps ...string) planner.AtomicWorkPackage {
	return planner.AtomicWorkPackage{
		ID:           id,
		Role:         planner.RoleWorker,
		TaskType:     "general",
		Difficulty:   "medium",
		Directive:    "Produce the deliverable for " + id,
		Dependencies: deps,
	}
}

func qaPkg(workerID string) planner.AtomicWorkPackage {
	return planner.AtomicWorkPackage{
		ID:           workerID + "-qa",
		Role:         planner.RoleQA,
		TaskType:     "general",
		Difficulty:   "low",
		Directive:    "Review the output of " + workerID,
		Dependencies: []string{workerID},
	}
}

type testHarness struct {
	runner   *Runner
	registry *modelhr.Registry
	store    ledger.Store
}

func newHarness(t *testing.T, exec Executor, mutate func(*Deps)) *testHarness {
	t.Helper()
	ctx := context.Background()

	storage, err := modelhr.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	registry := modelhr.NewRegistry(ctx, storage)
	actions := evaluation.NewActionsQueue(registry, storage)
	store := ledger.NewMemoryStore()

	deps := Deps{
		Router: router.New(policy.NewEngine()),
		Models: []modelhr.RegistryEntry{
			runnerModel("openai", "mini", 0.001, 0.001, 0.9, 0.8),
			runnerModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95),
		},
		Registry:   registry,
		Evaluation: evaluation.NewService(registry, storage, actions),
		Trust:      trust.NewTracker(),
		Variance:   trust.NewVarianceTracker(),
		Executor:   exec,
		Ledger:     store,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testHarness{runner: New(deps), registry: registry, store: store}
}

func longOutput() string {
	return strings.Repeat("The parser streams records and tallies per-column stats. ", 4)
}

func TestRunHappyPath(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		judgeText:  `{"qualityScore": 0.9, "defects": []}`,
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)

	wp := workerPkg("wp-01-parser")
	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-happy",
		Packages:         []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Counts.Packages)
	assert.Equal(t, 2, result.Counts.Completed)
	assert.Zero(t, result.Counts.Failed)
	assert.Greater(t, result.TotalCostUSD, 0.0)

	worker := result.Packages["wp-01-parser"]
	require.NotNil(t, worker)
	assert.Equal(t, PackageCompleted, worker.Status)
	assert.NotEmpty(t, worker.ModelID)

	qa := result.Packages["wp-01-parser-qa"]
	require.NotNil(t, qa)
	assert.Equal(t, PackageCompleted, qa.Status)
	assert.Equal(t, "hybrid", qa.QAMode)
	// det 0.8 averaged with judge 0.9
	assert.InDelta(t, 0.85, qa.QualityScore, 1e-9)
	assert.InDelta(t, 0.85, worker.QualityScore, 1e-9)

	led, err := h.store.Get("run-happy")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, led.Status)
	assert.Equal(t, true, led.Meta["councilPlanningSkipped"])
	assert.NotEmpty(t, led.RoleExecutions)
	assert.Greater(t, led.Costs.WorkerUSD, 0.0)
	assert.Greater(t, led.Costs.QAUSD, 0.0)

	audits := 0
	for _, d := range led.Decisions {
		if d.Type == ledger.DecisionAuditPatch {
			audits++
		}
	}
	assert.Equal(t, 2, audits, "one audit decision per executed package")
}

func TestRunExecutorFailureCascades(t *testing.T) {
	exec := &scriptedExecutor{err: errors.New("upstream 500")}
	h := newHarness(t, exec, nil)

	wp := workerPkg("wp-01-parser")
	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-cascade",
		Packages:         []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	worker := result.Packages["wp-01-parser"]
	assert.Equal(t, PackageFailed, worker.Status)
	assert.Contains(t, worker.FailReason, "executor_error")
	assert.Equal(t, maxRetries+1, worker.Attempts)

	qa := result.Packages["wp-01-parser-qa"]
	assert.Equal(t, PackageSkipped, qa.Status)
	assert.Equal(t, "upstream_failed", qa.SkipReason)

	assert.Equal(t, 1, result.Counts.Failed)
	assert.Equal(t, 1, result.Counts.Skipped)
	assert.Equal(t, ledger.StatusCompleted, result.Status)
}

func TestRunBudgetGateForcesDeterministicQA(t *testing.T) {
	// Worker spend of 0.002 lands between 90% and 100% of the budget, so the
	// QA package still runs but must not call the LLM judge.
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		judgeText:  `{"qualityScore": 0.9, "defects": []}`,
		usage:      Usage{InputTokens: 1000, OutputTokens: 1000},
	}
	h := newHarness(t, exec, nil)

	wp := workerPkg("wp-01-parser")
	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:         "run-gated",
		Packages:             []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD:     0.00215,
		CheapestViableChosen: true,
	})
	require.NoError(t, err)

	qa := result.Packages["wp-01-parser-qa"]
	require.NotNil(t, qa)
	assert.Equal(t, PackageCompleted, qa.Status)
	assert.Equal(t, "deterministic", qa.QAMode)
	assert.Empty(t, qa.ModelID, "gated QA must not route")
	assert.Zero(t, exec.judgeCalls)
	assert.InDelta(t, 0.8, qa.QualityScore, 1e-9)
}

func TestRunBudgetExhaustedSkipsDownstream(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		usage:      Usage{InputTokens: 2000, OutputTokens: 2000},
	}
	h := newHarness(t, exec, nil)

	first := workerPkg("wp-01-parser")
	second := workerPkg("wp-02-stats", first.ID)
	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:         "run-broke",
		Packages:             []planner.AtomicWorkPackage{first, second},
		ProjectBudgetUSD:     0.003,
		CheapestViableChosen: true,
	})
	require.NoError(t, err)

	assert.Equal(t, PackageCompleted, result.Packages["wp-01-parser"].Status)

	skipped := result.Packages["wp-02-stats"]
	assert.Equal(t, PackageSkipped, skipped.Status)
	assert.Equal(t, "budget_exceeded", skipped.SkipReason)

	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "budget_exceeded")
	assert.Equal(t, ledger.StatusCompleted, result.Status, "budget exhaustion is not a run failure")
}

func TestRunPortfolioCoverageInvalidDowngradesToOff(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, func(d *Deps) {
		d.PortfolioMode = router.PortfolioLock
		d.Portfolio = &router.Recommendation{
			WorkerCheap:          "openai/mini",
			WorkerImplementation: "gone/model",
			WorkerStrategy:       "anthropic/opus",
			QAPrimary:            "anthropic/opus",
			QABackup:             "openai/mini",
		}
	})

	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-coverage",
		Packages:         []planner.AtomicWorkPackage{workerPkg("wp-01-parser")},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, PackageCompleted, result.Packages["wp-01-parser"].Status)

	led, err := h.store.Get("run-coverage")
	require.NoError(t, err)
	var downgrade *ledger.Decision
	for i := range led.Decisions {
		if led.Decisions[i].Type == ledger.DecisionBudgetOptimization {
			downgrade = &led.Decisions[i]
			break
		}
	}
	require.NotNil(t, downgrade, "coverage failure must be recorded")
	assert.Equal(t, true, downgrade.Details["portfolioValidationFailed"])
	assert.Equal(t, "portfolio_coverage_invalid", downgrade.Details["reason"])
}

func TestRunValidationFailureEscalatesThenFails(t *testing.T) {
	// "aggregation-report" has a deterministic validator; plain text fails it
	// on both the initial attempt and the escalated retry.
	exec := &scriptedExecutor{
		workerText: []string{"not a json artifact"},
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)

	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID: "run-validate",
		Packages: []planner.AtomicWorkPackage{{
			ID:         "aggregation-report",
			Role:       planner.RoleWorker,
			TaskType:   "code",
			Difficulty: "high",
			Directive:  "Assemble the final deliverable",
		}},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	res := result.Packages["aggregation-report"]
	require.NotNil(t, res)
	assert.Equal(t, PackageFailed, res.Status)
	assert.Equal(t, "output_validation_failed", res.FailReason)
	assert.True(t, res.Escalated)
	assert.NotEmpty(t, res.Defects)
	assert.Equal(t, 1, result.Counts.Escalated)
	assert.Equal(t, 2, exec.workerCalls, "initial attempt plus one escalated retry")

	led, err := h.store.Get("run-validate")
	require.NoError(t, err)
	found := false
	for _, d := range led.Decisions {
		if d.Type == ledger.DecisionEscalation && d.Details["reason"] == "output_validation_failed" {
			found = true
		}
	}
	assert.True(t, found)

	signals := h.registry.Signals(context.Background(), time.Time{})
	require.NotEmpty(t, signals)
	assert.Equal(t, "escalation_signal", signals[0].Reason)
	assert.Equal(t, "quality_below_threshold", signals[0].Context["cause"])
}

func TestRunQALowQualityEscalatesWorker(t *testing.T) {
	// Short worker output scores 0.5 deterministically; the judge says 0.3,
	// so hybrid quality 0.4 triggers escalation. The retry produces a long
	// output that rescores to 0.8.
	exec := &scriptedExecutor{
		workerText: []string{"too short", longOutput()},
		judgeText:  `{"qualityScore": 0.3, "defects": ["thin output"]}`,
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)

	wp := workerPkg("wp-01-parser")
	result, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-escalate",
		Packages:         []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	worker := result.Packages["wp-01-parser"]
	require.NotNil(t, worker)
	assert.True(t, worker.Escalated)
	assert.Equal(t, longOutput(), worker.Output, "retry output replaces the original")
	assert.InDelta(t, 0.8, worker.QualityScore, 1e-9)
	assert.Equal(t, 1, result.Counts.Escalated)

	led, err := h.store.Get("run-escalate")
	require.NoError(t, err)
	found := false
	for _, d := range led.Decisions {
		if d.Type == ledger.DecisionEscalation && d.Details["reason"] == "quality_below_threshold" {
			found = true
		}
	}
	assert.True(t, found)

	signals := h.registry.Signals(context.Background(), time.Time{})
	require.NotEmpty(t, signals)
	assert.Equal(t, "quality_below_threshold", signals[0].Context["cause"])
}

func TestRunCancelledContextSkipsEverything(t *testing.T) {
	exec := &scriptedExecutor{workerText: []string{longOutput()}}
	h := newHarness(t, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wp := workerPkg("wp-01-parser")
	result, err := h.runner.Run(ctx, RunInputs{
		RunSessionID:     "run-cancelled",
		Packages:         []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCancelled, result.Status)
	for _, res := range result.Packages {
		assert.Equal(t, PackageSkipped, res.Status)
		assert.Equal(t, "cancelled", res.SkipReason)
	}
}

func TestRunInputValidation(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{workerText: []string{"x"}}, nil)
	ctx := context.Background()

	_, err := h.runner.Run(ctx, RunInputs{Packages: []planner.AtomicWorkPackage{workerPkg("a")}, ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "runSessionId")

	_, err = h.runner.Run(ctx, RunInputs{RunSessionID: "r", ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "no packages")

	_, err = h.runner.Run(ctx, RunInputs{RunSessionID: "r", Packages: []planner.AtomicWorkPackage{workerPkg("a")}})
	assert.ErrorContains(t, err, "projectBudgetUSD")
}

func TestRunGraphErrors(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{workerText: []string{"x"}}, nil)
	ctx := context.Background()

	dup := []planner.AtomicWorkPackage{workerPkg("a"), workerPkg("a")}
	_, err := h.runner.Run(ctx, RunInputs{RunSessionID: "r", Packages: dup, ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "duplicate package id")

	dangling := []planner.AtomicWorkPackage{workerPkg("a", "missing")}
	_, err = h.runner.Run(ctx, RunInputs{RunSessionID: "r", Packages: dangling, ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "unknown")

	empty := []planner.AtomicWorkPackage{workerPkg("")}
	_, err = h.runner.Run(ctx, RunInputs{RunSessionID: "r", Packages: empty, ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "empty id")
}

func TestRunRejectsDependencyCycle(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{workerText: []string{longOutput()}}, nil)
	ctx := context.Background()

	// a <-> b must be rejected up front; the coordinator would otherwise
	// wait forever with nothing schedulable
	cycle := []planner.AtomicWorkPackage{workerPkg("a", "b"), workerPkg("b", "a")}
	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, RunInputs{RunSessionID: "r-cycle", Packages: cycle, ProjectBudgetUSD: 1})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "dependency cycle")
		assert.ErrorContains(t, err, "a")
		assert.ErrorContains(t, err, "b")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return on a cyclic package set")
	}

	// a self-dependency is the degenerate cycle
	self := []planner.AtomicWorkPackage{workerPkg("solo", "solo")}
	_, err := h.runner.Run(ctx, RunInputs{RunSessionID: "r-self", Packages: self, ProjectBudgetUSD: 1})
	assert.ErrorContains(t, err, "dependency cycle")
}

func TestRunWithObservabilityProvider(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{ServiceName: "maestro"})
	require.NoError(t, err)

	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		judgeText:  `{"qualityScore": 0.9, "defects": []}`,
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, func(d *Deps) { d.Obs = obs })

	pkgs := []planner.AtomicWorkPackage{workerPkg("wp-01"), qaPkg("wp-01")}
	res, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID: "r-obs", Packages: pkgs, ProjectBudgetUSD: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Counts.Completed)
}

func TestRunProgressReported(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		judgeText:  `{"qualityScore": 0.9, "defects": []}`,
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)

	var mu sync.Mutex
	var last Progress
	wp := workerPkg("wp-01-parser")
	_, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-progress",
		Packages:         []planner.AtomicWorkPackage{wp, qaPkg(wp.ID)},
		ProjectBudgetUSD: 1.0,
		OnProgress: func(p Progress) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, last.TotalPackages)
	assert.Equal(t, 2, last.CompletedPackages)
	assert.Zero(t, last.RunningPackages)
}

func TestVarianceRecordedForWorkers(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)

	_, err := h.runner.Run(context.Background(), RunInputs{
		RunSessionID:     "run-variance",
		Packages:         []planner.AtomicWorkPackage{workerPkg("wp-01-parser")},
		ProjectBudgetUSD: 1.0,
	})
	require.NoError(t, err)

	led, err := h.store.Get("run-variance")
	require.NoError(t, err)
	assert.Equal(t, 1, led.Variance.Recorded)
	assert.Zero(t, led.Variance.Skipped)
	require.NotEmpty(t, led.TrustDeltas)
}
