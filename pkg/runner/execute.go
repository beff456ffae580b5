package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/maestro/pkg/assembler"
	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

const (
	attemptDeadline = 60 * time.Second
	maxRetries      = 2
)

var retryBackoffs = []time.Duration{300 * time.Millisecond, 900 * time.Millisecond}

// executePackage runs one package end to end. It never returns an error; all
// failure modes land in the PackageResult.
func (r *Runner) executePackage(ctx context.Context, st *runState, pkg planner.AtomicWorkPackage) *PackageResult {
	res := &PackageResult{PackageID: pkg.ID, Role: pkg.Role}

	var finish func(error)
	if r.deps.Obs != nil {
		ctx, finish = r.deps.Obs.TrackOperation(ctx, "runner.package.execute",
			attribute.String("package.id", pkg.ID),
			attribute.String("package.role", string(pkg.Role)))
	}

	if pkg.Role == planner.RoleQA {
		r.executeQA(ctx, st, pkg, res)
	} else {
		r.executeWorker(ctx, st, pkg, res, "")
	}

	if finish != nil {
		var err error
		if res.Status == PackageFailed {
			err = errors.New(res.FailReason)
		}
		finish(err)
	}
	return res
}

// executeWorker routes, executes, and validates one worker package.
// escalatedTier, when set, overrides the tier for the post-escalation retry.
func (r *Runner) executeWorker(ctx context.Context, st *runState, pkg planner.AtomicWorkPackage, res *PackageResult, escalatedTier modelhr.TierProfile) {
	task := taskCardOf(pkg)
	if escalatedTier != "" {
		task.TierProfile = escalatedTier
	}

	routed := r.route(st, task)
	if routed.ChosenModelID == "" {
		res.Status = PackageFailed
		res.FailReason = routed.Audit.FallbackReason
		return
	}
	res.ModelID = routed.ChosenModelID

	exec, err := r.executeWithRetries(ctx, routed.ChosenModelID, workerPrompt(pkg), routed.Tokens.Output, res)
	actualCost := r.costOf(routed.ChosenModelID, exec.Usage)
	if actualCost > 0 {
		st.addCost(actualCost)
		res.CostUSD += actualCost
		r.recordCost(st.in.RunSessionID, ledger.CostWorker, actualCost)
	}
	if err != nil {
		res.Status = PackageFailed
		res.FailReason = "executor_error: " + firstLine(err.Error())
		return
	}
	res.Output = exec.Text
	res.Status = PackageCompleted

	deterministicPass := true
	quality := 0.75 // neutral signal when no validator applies
	if validator := assembler.ValidatorFor(pkg.ID); validator != nil {
		v := validator(exec.Text)
		deterministicPass = v.Pass
		quality = v.QualityScore
		res.Defects = v.Defects

		if !v.Pass && escalatedTier == "" && !res.Escalated {
			res.Escalated = true
			r.recordDecision(st.in.RunSessionID, ledger.Decision{
				Type:      ledger.DecisionEscalation,
				PackageID: pkg.ID,
				Details: map[string]any{
					"reason":  "output_validation_failed",
					"modelId": routed.ChosenModelID,
					"defects": v.Defects,
				},
			})
			r.executeWorker(ctx, st, pkg, res, nextTier(effectiveTier(st, task)))
			if res.Status == PackageCompleted && len(res.Defects) > 0 {
				// second validation failure: the package fails and HR hears
				// about the model that could not satisfy the contract
				res.Status = PackageFailed
				res.FailReason = "output_validation_failed"
				r.emitEscalationSignal(ctx, res.ModelID, pkg.ID, "quality_below_threshold")
			}
			return
		}
	}

	res.QualityScore = quality
	r.recordTelemetry(ctx, st, pkg, res, routed, actualCost, observationMeta{
		quality:           quality,
		deterministicPass: deterministicPass,
		qaMode:            "deterministic",
	})
}

// executeQA scores its worker's output with deterministic checks plus a
// budget-gated LLM judge, then escalates the worker once when quality falls
// below the threshold.
func (r *Runner) executeQA(ctx context.Context, st *runState, pkg planner.AtomicWorkPackage, res *PackageResult) {
	if len(pkg.Dependencies) == 0 {
		res.Status = PackageFailed
		res.FailReason = "qa_package_without_worker"
		return
	}
	worker := st.resultOf(pkg.Dependencies[0])
	if worker == nil || worker.Status != PackageCompleted {
		res.Status = PackageSkipped
		res.SkipReason = "upstream_failed"
		return
	}

	detScore, detPass := deterministicQAScore(worker)
	llmAllowed := st.llmQAAllowed()
	budgetGated := !llmAllowed

	quality := detScore
	res.QAMode = "deterministic"

	var routed router.Result
	if llmAllowed {
		task := taskCardOf(pkg)
		routed = r.route(st, task)
		if routed.ChosenModelID != "" {
			res.ModelID = routed.ChosenModelID
			judge, err := r.executeWithRetries(ctx, routed.ChosenModelID, judgePrompt(worker), routed.Tokens.Output, res)
			cost := r.costOf(routed.ChosenModelID, judge.Usage)
			if cost > 0 {
				st.addCost(cost)
				res.CostUSD += cost
				r.recordCost(st.in.RunSessionID, ledger.CostQA, cost)
			}
			if err == nil {
				if llmScore, ok := parseJudgeScore(judge.Text); ok {
					quality = (detScore + llmScore) / 2
					res.QAMode = "hybrid"
				}
			}
		}
	}
	res.Status = PackageCompleted
	res.QualityScore = quality

	if quality < escalationThreshold && !worker.Escalated {
		worker.Escalated = true
		r.recordDecision(st.in.RunSessionID, ledger.Decision{
			Type:      ledger.DecisionEscalation,
			PackageID: worker.PackageID,
			Details: map[string]any{
				"reason":       "quality_below_threshold",
				"qualityScore": quality,
				"modelId":      worker.ModelID,
			},
		})
		r.emitEscalationSignal(ctx, worker.ModelID, worker.PackageID, "quality_below_threshold")

		st.mu.Lock()
		workerPkg := st.nodes[worker.PackageID].pkg
		st.mu.Unlock()
		retry := &PackageResult{PackageID: worker.PackageID, Role: worker.Role, Escalated: true}
		r.executeWorker(ctx, st, workerPkg, retry, nextTier(effectiveTier(st, taskCardOf(workerPkg))))
		if retry.Status == PackageCompleted {
			worker.ModelID = retry.ModelID
			worker.Output = retry.Output
			worker.CostUSD += retry.CostUSD
			rescore, _ := deterministicQAScore(worker)
			if rescore > quality {
				quality = rescore
				res.QualityScore = quality
			}
		}
	}
	worker.QualityScore = res.QualityScore

	if res.ModelID != "" {
		r.recordTelemetry(ctx, st, pkg, res, routed, res.CostUSD, observationMeta{
			quality:           quality,
			deterministicPass: detPass,
			qaMode:            res.QAMode,
			budgetGated:       budgetGated,
		})
	}
}

type observationMeta struct {
	quality           float64
	deterministicPass bool
	qaMode            string
	budgetGated       bool
}

// recordTelemetry appends the observation, trust delta, variance sample, and
// audit decision for one execution. Everything here is best-effort (I2).
func (r *Runner) recordTelemetry(ctx context.Context, st *runState, pkg planner.AtomicWorkPackage, res *PackageResult, routed router.Result, actualCost float64, meta observationMeta) {
	defectCount := len(res.Defects)
	r.deps.Evaluation.RecordObservation(ctx, modelhr.Observation{
		ModelID:          res.ModelID,
		TaskType:         pkg.TaskType,
		Difficulty:       pkg.Difficulty,
		ActualCostUSD:    actualCost,
		PredictedCostUSD: routed.PredictedCostUSD,
		ActualQuality:    meta.quality,
		PredictedQuality: predictedQualityOf(routed),
		RunSessionID:     st.in.RunSessionID,
		PackageID:        pkg.ID,
		DefectCount:      defectCount,
		QAMode:           meta.qaMode,
		BudgetGated:      meta.budgetGated,
	})

	role := trust.RoleWorker
	if pkg.Role == planner.RoleQA {
		role = trust.RoleQA
	}
	delta := r.deps.Trust.Record(res.ModelID, role, meta.quality)
	if err := r.deps.Ledger.RecordTrustDelta(st.in.RunSessionID, delta); err != nil {
		r.deps.Logger.Warn("trust delta not recorded", "runSessionId", st.in.RunSessionID, "error", err)
	}

	r.recordVariance(st, pkg, res, routed.PredictedCostUSD, actualCost)

	r.recordDecision(st.in.RunSessionID, ledger.Decision{
		Type:      ledger.DecisionAuditPatch,
		PackageID: pkg.ID,
		Details: map[string]any{
			"qualityScore":      meta.quality,
			"deterministicPass": meta.deterministicPass,
			"qaMode":            meta.qaMode,
			"budgetGated":       meta.budgetGated,
		},
	})
}

// recordVariance folds the actual/predicted cost ratio into calibration,
// skipping samples that would poison it.
func (r *Runner) recordVariance(st *runState, pkg planner.AtomicWorkPackage, res *PackageResult, predicted, actual float64) {
	skip := func(reason string) {
		r.deps.Variance.Skip(reason)
		if err := r.deps.Ledger.RecordVarianceSkipped(st.in.RunSessionID, reason); err != nil {
			r.deps.Logger.Warn("variance skip not recorded", "runSessionId", st.in.RunSessionID, "error", err)
		}
	}

	if predicted <= 0 || actual <= 0 {
		skip("missing_predicted_cost")
		return
	}
	if pkg.Role == planner.RoleQA && r.deps.Trust.Get(res.ModelID, trust.RoleQA).Value() < qaTrustLowFloor {
		skip("qa_trust_low")
		return
	}
	r.deps.Variance.Record(res.ModelID, pkg.TaskType, actual/predicted)
	if err := r.deps.Ledger.RecordVarianceRecorded(st.in.RunSessionID); err != nil {
		r.deps.Logger.Warn("variance sample not recorded", "runSessionId", st.in.RunSessionID, "error", err)
	}
}

// route runs the router over the run's registry snapshot with the effective
// portfolio mode.
func (r *Runner) route(st *runState, task router.TaskCard) router.Result {
	st.mu.Lock()
	mode := st.mode
	budget := st.in.ProjectBudgetUSD - st.spentUSD
	st.mu.Unlock()

	onBudgetFail := router.OnBudgetFailBestEffort
	if budget <= 0 {
		onBudgetFail = router.OnBudgetFailFail
	}

	return r.deps.Router.Route(task, r.deps.Models, router.Config{
		TierProfile:        st.in.TierProfile,
		BudgetRemainingUSD: budget,
		OnBudgetFail:       onBudgetFail,
		RunSessionID:       st.in.RunSessionID,
	}, router.Opts{CheapestViableChosen: st.in.CheapestViableChosen}, router.PortfolioOpts{
		Mode:           mode,
		Recommendation: r.deps.Portfolio,
	})
}

// executeWithRetries calls the executor with per-attempt deadlines and
// exponential backoff at 300 ms and 900 ms.
func (r *Runner) executeWithRetries(ctx context.Context, modelID, prompt string, maxTokens int, res *PackageResult) (ExecResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ExecResult{}, ctx.Err()
			case <-time.After(retryBackoffs[attempt-1]):
			}
		}
		if err := r.deps.Limiter.Wait(ctx); err != nil {
			return ExecResult{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptDeadline)
		out, err := r.deps.Executor.Execute(attemptCtx, modelID, prompt, ExecOptions{MaxTokens: maxTokens})
		cancel()
		res.Attempts++

		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
	}
	return ExecResult{}, fmt.Errorf("execute %s: %w", modelID, lastErr)
}

// costOf prices reported usage with the chosen model's pricing.
func (r *Runner) costOf(modelID string, usage Usage) float64 {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return 0
	}
	for i := range r.deps.Models {
		m := &r.deps.Models[i]
		if m.ID == modelID {
			return float64(usage.InputTokens)/1000*m.Pricing.InPer1K +
				float64(usage.OutputTokens)/1000*m.Pricing.OutPer1K
		}
	}
	return 0
}

func (r *Runner) recordCost(runSessionID string, kind ledger.CostKind, amount float64) {
	if err := r.deps.Ledger.RecordCost(runSessionID, kind, amount); err != nil {
		r.deps.Logger.Warn("cost not recorded", "runSessionId", runSessionID, "kind", kind, "error", err)
	}
}

// emitEscalationSignal tells Model HR that a model underperformed on a
// package. Best-effort.
func (r *Runner) emitEscalationSignal(ctx context.Context, modelID, packageID, reason string) {
	if r.deps.Registry == nil || modelID == "" {
		return
	}
	r.deps.Registry.EmitSignal(ctx, modelhr.HrSignal{
		ModelID: modelID,
		Reason:  "escalation_signal",
		Context: map[string]any{"packageId": packageID, "cause": reason},
	})
}

func taskCardOf(pkg planner.AtomicWorkPackage) router.TaskCard {
	return router.TaskCard{
		PackageID:   pkg.ID,
		TaskType:    pkg.TaskType,
		Difficulty:  pkg.Difficulty,
		Directive:   pkg.Directive,
		TierProfile: pkg.TierProfileOverride,
	}
}

func effectiveTier(st *runState, task router.TaskCard) modelhr.TierProfile {
	if task.TierProfile != "" {
		return task.TierProfile
	}
	if st.in.TierProfile != "" {
		return st.in.TierProfile
	}
	return modelhr.TierStandard
}

// nextTier bumps one tier up; premium stays premium.
func nextTier(tier modelhr.TierProfile) modelhr.TierProfile {
	switch tier {
	case modelhr.TierCheap:
		return modelhr.TierStandard
	case modelhr.TierStandard:
		return modelhr.TierPremium
	default:
		return modelhr.TierPremium
	}
}

// deterministicQAScore scores a worker output without an LLM: the package
// validator when one exists, otherwise shallow content checks.
func deterministicQAScore(worker *PackageResult) (float64, bool) {
	if validator := assembler.ValidatorFor(worker.PackageID); validator != nil {
		v := validator(worker.Output)
		return v.QualityScore, v.Pass
	}
	out := strings.TrimSpace(worker.Output)
	switch {
	case out == "":
		return 0.1, false
	case len(out) < 40:
		return 0.5, false
	default:
		return 0.8, true
	}
}

func workerPrompt(pkg planner.AtomicWorkPackage) string {
	var b strings.Builder
	b.WriteString(pkg.Directive)
	if len(pkg.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range pkg.AcceptanceCriteria {
			b.WriteString("- " + c + "\n")
		}
	}
	return b.String()
}

func judgePrompt(worker *PackageResult) string {
	return "You are a strict QA reviewer. Score the following output between 0 and 1 " +
		`and respond with exactly one JSON object {"qualityScore": <number>, "defects": [<strings>]}.` +
		"\n\nOutput to review:\n" + worker.Output
}

// parseJudgeScore extracts the qualityScore from a judge response; malformed
// responses degrade QA to deterministic-only.
func parseJudgeScore(text string) (float64, bool) {
	var parsed struct {
		QualityScore *float64 `json:"qualityScore"`
	}
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed.QualityScore == nil {
		return 0, false
	}
	score := *parsed.QualityScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, true
}

func predictedQualityOf(routed router.Result) float64 {
	if b, ok := routed.Audit.CandidateScores[routed.ChosenModelID]; ok {
		return b.FinalScore
	}
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
