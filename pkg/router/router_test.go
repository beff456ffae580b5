package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
)

// Medium difficulty with no directive estimates 1200/600 tokens, so base
// cost is 1.2*inPer1k + 0.6*outPer1k. All fixture pricing stays under the
// standard-tier threshold (0.01) to keep cost penalties out of scores.
func mkModel(provider, modelID string, inPer1K, outPer1K, reliability, expertise float64) modelhr.RegistryEntry {
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

func mediumTask() TaskCard {
	return TaskCard{PackageID: "wp-1", TaskType: "general", Difficulty: "medium"}
}

func stdConfig() Config {
	return Config{TierProfile: modelhr.TierStandard, BudgetRemainingUSD: 1.0}
}

func TestRouteCheapestViablePicksCheapModel(t *testing.T) {
	// cheap: score 0.27+0.32=0.59 >= 0.55, cost 0.0018
	// premium: score 0.285+0.38=0.665, cost 0.009
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{premium, cheap}, stdConfig(),
		Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "openai/mini", res.ChosenModelID)
	assert.Equal(t, "cheapest_viable", res.Audit.RankedBy)
	assert.True(t, res.Audit.ChosenIsCheapestViable)
	assert.True(t, res.Audit.EnforceCheapestViable)
	assert.InDelta(t, 0.0018, res.PredictedCostUSD, 1e-9)
}

func TestRouteScoreModePicksBestScore(t *testing.T) {
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, premium}, stdConfig(),
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "anthropic/opus", res.ChosenModelID)
	assert.Equal(t, "score", res.Audit.RankedBy)
	assert.False(t, res.Audit.ChosenIsCheapestViable)
}

func TestRouteCheapestViableSkipsBelowThreshold(t *testing.T) {
	// weak scores 0.18+0.16=0.34 < 0.55, so cheapest-viable must skip it
	// even though it is cheapest.
	weak := mkModel("openai", "nano", 0.0005, 0.0005, 0.6, 0.4)
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{weak, premium}, stdConfig(),
		Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "anthropic/opus", res.ChosenModelID)
	assert.Equal(t, "cheapest_viable", res.Audit.RankedBy)
	assert.True(t, res.Audit.ChosenIsCheapestViable)
}

func TestRouteCheapestViableFallsBackToScoreRanking(t *testing.T) {
	a := mkModel("openai", "nano", 0.0005, 0.0005, 0.6, 0.4)   // 0.34
	b := mkModel("openai", "micro", 0.0008, 0.0008, 0.6, 0.5) // 0.38

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{a, b}, stdConfig(),
		Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "openai/micro", res.ChosenModelID)
	assert.Equal(t, "score", res.Audit.RankedBy)
}

func TestRouteBudgetFailModeChoosesNothing(t *testing.T) {
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95) // 0.009

	cfg := stdConfig()
	cfg.BudgetRemainingUSD = 0.001
	cfg.OnBudgetFail = OnBudgetFailFail

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{premium}, cfg,
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Empty(t, res.ChosenModelID)
	assert.Equal(t, "no_candidate_within_budget", res.Audit.FallbackReason)
}

func TestRouteBestEffortExceedsBudgetWithWarning(t *testing.T) {
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	cfg := stdConfig()
	cfg.BudgetRemainingUSD = 0.001 // default onBudgetFail is best-effort

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{premium}, cfg,
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "anthropic/opus", res.ChosenModelID)
	assert.Empty(t, res.Audit.FallbackReason)
	require.Len(t, res.Audit.Warnings, 1)
	assert.Contains(t, res.Audit.Warnings[0], "best_effort_within_budget")
}

func TestRouteEmptyPool(t *testing.T) {
	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), nil, stdConfig(), Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Empty(t, res.ChosenModelID)
	assert.Equal(t, "no_eligible_candidates", res.Audit.FallbackReason)
}

func TestRouteDisqualifiesDisabledAndRecordsReason(t *testing.T) {
	disabled := mkModel("openai", "legacy", 0.001, 0.001, 0.9, 0.9)
	disabled.Identity.Status = modelhr.StatusDisabled
	disabled.Identity.DisabledReason = "sunset"
	active := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{disabled, active}, stdConfig(),
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "anthropic/opus", res.ChosenModelID)
	require.Len(t, res.Audit.Disqualified, 1)
	assert.Equal(t, "openai/legacy", res.Audit.Disqualified[0].ModelID)
	assert.Equal(t, "disabled", res.Audit.Disqualified[0].Reason)
	assert.Equal(t, "sunset", res.Audit.Disqualified[0].Detail)
}

func TestRouteDeprecatedEligibleWithWarning(t *testing.T) {
	dep := mkModel("openai", "old", 0.001, 0.001, 0.9, 0.9)
	dep.Identity.Status = modelhr.StatusDeprecated

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{dep}, stdConfig(),
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, "openai/old", res.ChosenModelID)
	require.NotEmpty(t, res.Audit.Warnings)
	assert.Contains(t, res.Audit.Warnings[0], "deprecated")
	assert.InDelta(t, 0.10, res.Audit.CandidateScores["openai/old"].StatusPenalty, 1e-9)
}

func TestRoutePricingMismatchCounted(t *testing.T) {
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8) // computed 0.0018

	cfg := stdConfig()
	cfg.PredictedCostUSD = map[string]float64{"openai/mini": 0.01} // ratio ~5.6

	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap}, cfg,
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	assert.Equal(t, 1, res.Audit.PricingMismatchCount)
}

func TestRoutePortfolioPreferBoostFlipsWinner(t *testing.T) {
	// cheap 0.59 + 0.05 boost = 0.64 beats strong 0.63 in score mode.
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)
	strong := mkModel("anthropic", "haiku", 0.002, 0.002, 0.9, 0.9)

	rec := &Recommendation{WorkerCheap: "openai/mini"}
	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, strong}, stdConfig(),
		Opts{}, PortfolioOpts{Mode: PortfolioPrefer, Recommendation: rec})

	assert.Equal(t, "openai/mini", res.ChosenModelID)
	assert.InDelta(t, 0.64, res.Audit.CandidateScores["openai/mini"].FinalScore, 1e-9)
	assert.False(t, res.Audit.PortfolioBypassed)
}

func TestRoutePortfolioLockRestrictsPool(t *testing.T) {
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)
	premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)

	rec := &Recommendation{WorkerImplementation: "anthropic/opus"}
	r := New(policy.NewEngine())
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, premium}, stdConfig(),
		Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioLock, Recommendation: rec})

	// cheap is cheaper and viable, but the lock keeps it out of the pool
	assert.Equal(t, "anthropic/opus", res.ChosenModelID)
	assert.False(t, res.Audit.PortfolioBypassed)
	assert.False(t, res.Audit.ChosenIsCheapestViable)
}

func TestRoutePortfolioLockBypassReasons(t *testing.T) {
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)

	t.Run("ineligible slots", func(t *testing.T) {
		dead := mkModel("openai", "legacy", 0.001, 0.001, 0.9, 0.9)
		dead.Identity.Status = modelhr.StatusDisabled

		rec := &Recommendation{WorkerImplementation: "openai/legacy"}
		r := New(policy.NewEngine())
		res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, dead}, stdConfig(),
			Opts{}, PortfolioOpts{Mode: PortfolioLock, Recommendation: rec})

		assert.Equal(t, "openai/mini", res.ChosenModelID)
		assert.True(t, res.Audit.PortfolioBypassed)
		assert.Equal(t, "allowed_models_ineligible", res.Audit.PortfolioBypassReason)
	})

	t.Run("slots over budget", func(t *testing.T) {
		premium := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95) // 0.009

		cfg := stdConfig()
		cfg.BudgetRemainingUSD = 0.005

		rec := &Recommendation{WorkerImplementation: "anthropic/opus"}
		r := New(policy.NewEngine())
		res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, premium}, cfg,
			Opts{}, PortfolioOpts{Mode: PortfolioLock, Recommendation: rec})

		assert.Equal(t, "openai/mini", res.ChosenModelID)
		assert.True(t, res.Audit.PortfolioBypassed)
		assert.Equal(t, "allowed_models_over_budget", res.Audit.PortfolioBypassReason)
	})

	t.Run("slots below quality bar", func(t *testing.T) {
		weak := mkModel("openai", "nano", 0.0005, 0.0005, 0.6, 0.4) // 0.34

		rec := &Recommendation{WorkerImplementation: "openai/nano"}
		r := New(policy.NewEngine())
		res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap, weak}, stdConfig(),
			Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioLock, Recommendation: rec})

		assert.Equal(t, "openai/mini", res.ChosenModelID)
		assert.True(t, res.Audit.PortfolioBypassed)
		assert.Equal(t, "allowed_models_below_quality", res.Audit.PortfolioBypassReason)
	})
}

func TestRouteTierOverrideFromTaskCard(t *testing.T) {
	restricted := mkModel("openai", "edge", 0.0005, 0.0005, 0.9, 0.9)
	restricted.Guardrails.SafetyCategory = "restricted"

	task := mediumTask()
	task.TierProfile = modelhr.TierCheap // override run-level standard

	r := New(policy.NewEngine())
	res := r.Route(task, []modelhr.RegistryEntry{restricted}, stdConfig(),
		Opts{}, PortfolioOpts{Mode: PortfolioOff})

	require.Len(t, res.Audit.Disqualified, 1)
	assert.Equal(t, "restricted_use_case", res.Audit.Disqualified[0].Reason)
}

func TestRouteRecordsLedgerDecision(t *testing.T) {
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)

	store := ledger.NewMemoryStore()
	require.NoError(t, store.Create("run-7", ledger.CreateOptions{}))

	cfg := stdConfig()
	cfg.RunSessionID = "run-7"

	r := New(policy.NewEngine()).WithLedger(store)
	res := r.Route(mediumTask(), []modelhr.RegistryEntry{cheap}, cfg,
		Opts{CheapestViableChosen: true}, PortfolioOpts{Mode: PortfolioOff})
	require.Equal(t, "openai/mini", res.ChosenModelID)

	led, err := store.Get("run-7")
	require.NoError(t, err)
	require.Len(t, led.Decisions, 1)
	d := led.Decisions[0]
	assert.Equal(t, ledger.DecisionRoute, d.Type)
	assert.Equal(t, "wp-1", d.PackageID)
	assert.Equal(t, "openai/mini", d.Details["chosenModelId"])
	assert.Equal(t, "cheapest_viable", d.Details["rankedBy"])
	assert.Equal(t, true, d.Details["chosenIsCheapestViable"])
}

func TestRouteNeverChoosesDisabledOrKillSwitched(t *testing.T) {
	var models []modelhr.RegistryEntry
	for i, spec := range []struct {
		id       string
		disabled bool
		killed   bool
	}{
		{"a", true, false}, {"b", false, true}, {"c", true, true},
		{"d", false, false}, {"e", true, false}, {"f", false, false},
	} {
		m := mkModel("p", spec.id, 0.001+float64(i)*0.0001, 0.001, 0.9, 0.8)
		if spec.disabled {
			m.Identity.Status = modelhr.StatusDisabled
		}
		m.Governance.KillSwitch = spec.killed
		models = append(models, m)
	}

	blocked := map[string]bool{"p/a": true, "p/b": true, "p/c": true, "p/e": true}
	r := New(policy.NewEngine())
	for _, enforce := range []bool{false, true} {
		res := r.Route(mediumTask(), models, stdConfig(),
			Opts{CheapestViableChosen: enforce}, PortfolioOpts{Mode: PortfolioOff})
		require.NotEmpty(t, res.ChosenModelID)
		assert.False(t, blocked[res.ChosenModelID], "chose excluded model %s", res.ChosenModelID)
	}
}

func TestDifficultyThreshold(t *testing.T) {
	assert.Equal(t, 0.45, DifficultyThreshold("low"))
	assert.Equal(t, 0.55, DifficultyThreshold("medium"))
	assert.Equal(t, 0.65, DifficultyThreshold("high"))
	assert.Equal(t, 0.55, DifficultyThreshold("unknown"))
}
