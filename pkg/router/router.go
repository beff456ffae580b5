package router

import (
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
)

// Router routes task cards over a registry snapshot. It never mutates the
// snapshot; ledger recording is best-effort.
type Router struct {
	engine *policy.Engine
	ledger ledger.Store
	logger *slog.Logger
}

func New(engine *policy.Engine) *Router {
	return &Router{engine: engine, logger: slog.Default().With("component", "router")}
}

// WithLedger enables ROUTE decision recording when Config.RunSessionID is set.
func (r *Router) WithLedger(store ledger.Store) *Router {
	r.ledger = store
	return r
}

type candidate struct {
	entry       *modelhr.RegistryEntry
	score       policy.ScoreBreakdown
	quote       CostQuote
	inPortfolio bool
}

// Route picks one model for the task. An empty ChosenModelID with a
// FallbackReason means no viable candidate existed under the constraints.
func (r *Router) Route(task TaskCard, models []modelhr.RegistryEntry, cfg Config, opts Opts, pf PortfolioOpts) Result {
	tier := cfg.TierProfile
	if task.TierProfile != "" {
		tier = task.TierProfile
	}
	tokens := EstimateTokensForTask(task)
	pctx := policy.Context{
		TaskType:           task.TaskType,
		Difficulty:         task.Difficulty,
		TierProfile:        tier,
		BudgetRemainingUSD: cfg.BudgetRemainingUSD,
		Importance:         task.Importance,
		UseCaseTags:        task.UseCaseTags,
		BlockedProviders:   cfg.BlockedProviders,
		EstimatedInTokens:  tokens.Input,
		EstimatedOutTokens: tokens.Output,
	}

	res := Result{Tokens: tokens}
	res.Audit.CandidateScores = make(map[string]policy.ScoreBreakdown)
	res.Audit.PredictedCosts = make(map[string]float64)
	res.Audit.EnforceCheapestViable = opts.CheapestViableChosen

	slotIDs := map[string]bool{}
	if pf.Recommendation != nil {
		for _, id := range pf.Recommendation.SlotModelIDs() {
			slotIDs[id] = true
		}
	}

	// eligibility, quotes, scores
	var eligible []candidate
	for i := range models {
		m := &models[i]
		verdict := r.engine.IsEligible(m, pctx)
		if !verdict.Eligible {
			res.Audit.Disqualified = append(res.Audit.Disqualified, Disqualification{
				ModelID: m.ID, Reason: verdict.Reason, Detail: verdict.Detail,
			})
			continue
		}
		if verdict.Detail != "" {
			res.Audit.Warnings = append(res.Audit.Warnings, m.ID+": "+verdict.Detail)
		}

		quote := QuoteCost(m, task, tokens, cfg.PredictedCostUSD[m.ID])
		if quote.PricingMismatch {
			res.Audit.PricingMismatchCount++
		}

		score, ok := opts.CandidateScores[m.ID]
		if !ok {
			score = r.engine.ComputeModelScore(m, pctx)
		}
		res.Audit.CandidateScores[m.ID] = score
		res.Audit.PredictedCosts[m.ID] = quote.PredictedUSD

		eligible = append(eligible, candidate{
			entry: m, score: score, quote: quote, inPortfolio: slotIDs[m.ID],
		})
	}

	pool := eligible
	threshold := DifficultyThreshold(task.Difficulty)

	switch pf.Mode {
	case PortfolioLock:
		if len(slotIDs) > 0 {
			restricted, bypassReason := lockRestrict(eligible, cfg.BudgetRemainingUSD, threshold, opts.CheapestViableChosen)
			if bypassReason != "" {
				res.Audit.PortfolioBypassed = true
				res.Audit.PortfolioBypassReason = bypassReason
			} else {
				pool = restricted
			}
		}
	case PortfolioPrefer:
		for i := range pool {
			if pool[i].inPortfolio {
				pool[i].score.FinalScore += 0.05
				res.Audit.CandidateScores[pool[i].entry.ID] = pool[i].score
			}
		}
	}

	ranked, rankedBy := rank(pool, threshold, opts.CheapestViableChosen)
	res.Audit.RankedBy = rankedBy

	chosen := pickWithinBudget(ranked, cfg.BudgetRemainingUSD)
	if chosen == nil && len(ranked) > 0 {
		switch cfg.OnBudgetFail {
		case OnBudgetFailFail:
			res.Audit.FallbackReason = "no_candidate_within_budget"
		default:
			chosen = cheapest(ranked)
			res.Audit.Warnings = append(res.Audit.Warnings, "best_effort_within_budget: cheapest candidate exceeds remaining budget")
		}
	}
	if chosen == nil && len(ranked) == 0 {
		res.Audit.FallbackReason = "no_eligible_candidates"
	}

	if chosen != nil {
		res.ChosenModelID = chosen.entry.ID
		res.PredictedCostUSD = chosen.quote.PredictedUSD
		if c := cheapestViable(eligible, threshold); c != nil && c.entry.ID == chosen.entry.ID {
			res.Audit.ChosenIsCheapestViable = true
		}
	}

	r.recordDecision(task, cfg, &res)
	return res
}

// lockRestrict narrows the pool to portfolio slot models, reporting the
// bypass reason when the slots cannot serve the task.
func lockRestrict(eligible []candidate, budget, threshold float64, enforceViable bool) ([]candidate, string) {
	var slotted []candidate
	for _, c := range eligible {
		if c.inPortfolio {
			slotted = append(slotted, c)
		}
	}
	if len(slotted) == 0 {
		return nil, "allowed_models_ineligible"
	}

	withinBudget := 0
	viable := 0
	for _, c := range slotted {
		if c.quote.PredictedUSD <= budget {
			withinBudget++
		}
		if c.score.FinalScore >= threshold {
			viable++
		}
	}
	if withinBudget == 0 {
		return nil, "allowed_models_over_budget"
	}
	if enforceViable && viable == 0 {
		return nil, "allowed_models_below_quality"
	}
	return slotted, ""
}

// rank orders candidates per the requested mode.
func rank(pool []candidate, threshold float64, cheapestViableChosen bool) ([]candidate, string) {
	if cheapestViableChosen {
		var passing []candidate
		for _, c := range pool {
			if c.score.FinalScore >= threshold {
				passing = append(passing, c)
			}
		}
		if len(passing) > 0 {
			sort.SliceStable(passing, func(i, j int) bool {
				if passing[i].quote.PredictedUSD != passing[j].quote.PredictedUSD {
					return passing[i].quote.PredictedUSD < passing[j].quote.PredictedUSD
				}
				return passing[i].score.FinalScore > passing[j].score.FinalScore
			})
			return passing, "cheapest_viable"
		}
		// nothing meets the bar; fall through to score ranking
	}

	ranked := make([]candidate, len(pool))
	copy(ranked, pool)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score.FinalScore != ranked[j].score.FinalScore {
			return ranked[i].score.FinalScore > ranked[j].score.FinalScore
		}
		return ranked[i].quote.PredictedUSD < ranked[j].quote.PredictedUSD
	})
	return ranked, "score"
}

func pickWithinBudget(ranked []candidate, budget float64) *candidate {
	for i := range ranked {
		if ranked[i].quote.PredictedUSD <= budget {
			return &ranked[i]
		}
	}
	return nil
}

func cheapest(pool []candidate) *candidate {
	if len(pool) == 0 {
		return nil
	}
	best := &pool[0]
	for i := range pool {
		if pool[i].quote.PredictedUSD < best.quote.PredictedUSD {
			best = &pool[i]
		}
	}
	return best
}

// cheapestViable is the lowest-cost candidate meeting the difficulty bar.
func cheapestViable(pool []candidate, threshold float64) *candidate {
	var best *candidate
	for i := range pool {
		if pool[i].score.FinalScore < threshold {
			continue
		}
		if best == nil || pool[i].quote.PredictedUSD < best.quote.PredictedUSD {
			best = &pool[i]
		}
	}
	return best
}

func (r *Router) recordDecision(task TaskCard, cfg Config, res *Result) {
	if r.ledger == nil || cfg.RunSessionID == "" {
		return
	}
	details := map[string]any{
		"chosenModelId":          res.ChosenModelID,
		"rankedBy":               res.Audit.RankedBy,
		"enforceCheapestViable":  res.Audit.EnforceCheapestViable,
		"chosenIsCheapestViable": res.Audit.ChosenIsCheapestViable,
		"pricingMismatchCount":   res.Audit.PricingMismatchCount,
		"portfolioBypassed":      res.Audit.PortfolioBypassed,
	}
	if res.Audit.PortfolioBypassReason != "" {
		details["portfolioBypassReason"] = res.Audit.PortfolioBypassReason
	}
	if res.Audit.FallbackReason != "" {
		details["fallbackReason"] = res.Audit.FallbackReason
	}
	if err := r.ledger.RecordDecision(cfg.RunSessionID, ledger.Decision{
		Type:      ledger.DecisionRoute,
		PackageID: task.PackageID,
		Details:   details,
	}); err != nil {
		r.logger.Warn("route decision not recorded", "runSessionId", cfg.RunSessionID, "error", err)
	}
}
