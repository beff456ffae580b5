package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Mindburn-Labs/maestro/pkg/canonicalize"
)

const (
	ActionSetPortfolioMode         = "set_portfolio_mode"
	ActionRefreshPortfolio         = "refresh_portfolio"
	ActionLowerMinPredictedQuality = "lower_minPredictedQuality"

	minQualityFloor = 0.5
	minQualityStep  = 0.02
)

var (
	ErrTuningDisabled  = errors.New("tuning disabled")
	ErrProposalNotSafe = errors.New("proposal not safe to auto-apply")
	ErrUnknownProposal = errors.New("unknown proposal action")
)

// Proposal is a deterministic tuning recommendation. The id is stable across
// generations: identical summaries and config produce identical ids.
type Proposal struct {
	ID              string         `json:"id"`
	Action          string         `json:"action"`
	Details         map[string]any `json:"details"`
	Rationale       string         `json:"rationale"`
	SafeToAutoApply bool           `json:"safeToAutoApply"`
}

// ProposalID derives the stable id: first 16 hex chars of the SHA-256 over
// the canonical JSON of action+details.
func ProposalID(action string, details map[string]any) string {
	id, err := canonicalize.ShortHash(map[string]any{"action": action, "details": details})
	if err != nil {
		return "unhashable"
	}
	return id
}

func newProposal(action string, details map[string]any, rationale string, safe bool) Proposal {
	return Proposal{
		ID:              ProposalID(action, details),
		Action:          action,
		Details:         details,
		Rationale:       rationale,
		SafeToAutoApply: safe,
	}
}

// GenerateProposals derives recommendations from a summary window and the
// current tuning state. Rules fire independently; an empty window yields no
// proposals.
func GenerateProposals(summaries []RunSummary, current TuningState) []Proposal {
	if len(summaries) == 0 {
		return nil
	}

	routes, bypasses := 0, 0
	bypassReasons := map[string]int{}
	varianceSkipped, qaTrustLow := 0, 0
	deterministicSamples, deterministicWeighted := 0, 0.0
	for _, s := range summaries {
		routes += s.Routing.Routes
		bypasses += s.Routing.Bypasses
		for _, rc := range s.Routing.TopBypassReasons {
			bypassReasons[rc.Reason] += rc.Count
		}
		varianceSkipped += s.Variance.Skipped
		qaTrustLow += s.Variance.QaTrustLowCount
		if s.Quality.DeterministicSamples > 0 {
			deterministicSamples += s.Quality.DeterministicSamples
			deterministicWeighted += s.Quality.DeterministicPassRate * float64(s.Quality.DeterministicSamples)
		}
	}

	avgBypassRate := 0.0
	if routes > 0 {
		avgBypassRate = float64(bypasses) / float64(routes)
	}
	dominantReason, dominantShare := dominant(bypassReasons, bypasses)
	qaTrustLowShare := 0.0
	if varianceSkipped > 0 {
		qaTrustLowShare = float64(qaTrustLow) / float64(varianceSkipped)
	}
	avgDeterministicPassRate := 0.0
	if deterministicSamples > 0 {
		avgDeterministicPassRate = deterministicWeighted / float64(deterministicSamples)
	}

	var proposals []Proposal

	if current.PortfolioMode == "lock" && avgBypassRate >= 0.30 &&
		dominantReason == "allowed_models_over_budget" && dominantShare >= 0.5 {
		proposals = append(proposals, newProposal(
			ActionSetPortfolioMode,
			map[string]any{"mode": "prefer"},
			fmt.Sprintf("lock mode bypassed %.0f%% of routes, mostly over budget", avgBypassRate*100),
			true,
		))
	}

	if qaTrustLowShare >= 0.20 {
		proposals = append(proposals, newProposal(
			ActionRefreshPortfolio,
			map[string]any{"forceRefresh": true},
			fmt.Sprintf("%.0f%% of variance skips were qa_trust_low; portfolio QA slots are stale", qaTrustLowShare*100),
			true,
		))
	}

	if dominantReason == "allowed_models_below_quality" && dominantShare >= 0.5 &&
		avgDeterministicPassRate >= 0.70 {
		target := math.Max(minQualityFloor, current.MinPredictedQuality-minQualityStep)
		proposals = append(proposals, newProposal(
			ActionLowerMinPredictedQuality,
			map[string]any{"from": current.MinPredictedQuality, "to": target},
			"quality bar blocks portfolio slots while deterministic QA mostly passes",
			false,
		))
	}

	return proposals
}

func dominant(counts map[string]int, total int) (string, float64) {
	if total == 0 {
		return "", 0
	}
	best, bestCount := "", 0
	for reason, count := range counts {
		if count > bestCount || (count == bestCount && reason < best) {
			best, bestCount = reason, count
		}
	}
	return best, float64(bestCount) / float64(total)
}

// TuningState is a read-only view of the process-wide tuning config.
type TuningState struct {
	Enabled             bool    `json:"enabled"`
	AllowAutoApply      bool    `json:"allowAutoApply"`
	PortfolioMode       string  `json:"portfolioMode"`
	MinPredictedQuality float64 `json:"minPredictedQuality"`
}

// TuningConfig is the process-wide mutable tuning state read by subsequent
// runs. Tests instantiate private copies.
type TuningConfig struct {
	mu     sync.RWMutex
	state  TuningState
	logger *slog.Logger

	// onForceRefresh is invoked when a refresh_portfolio proposal applies;
	// the bootstrap wires it to the portfolio cache.
	onForceRefresh func()
}

func NewTuningConfig() *TuningConfig {
	return &TuningConfig{
		state: TuningState{
			PortfolioMode:       "prefer",
			MinPredictedQuality: 0.60,
		},
		logger: slog.Default().With("component", "tuning"),
	}
}

// WithForceRefreshHook registers the portfolio cache invalidation callback.
func (c *TuningConfig) WithForceRefreshHook(fn func()) *TuningConfig {
	c.mu.Lock()
	c.onForceRefresh = fn
	c.mu.Unlock()
	return c
}

// State returns a copy of the current tuning state.
func (c *TuningConfig) State() TuningState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetToggles updates the enabled / allowAutoApply switches.
func (c *TuningConfig) SetToggles(enabled, allowAutoApply bool) {
	c.mu.Lock()
	c.state.Enabled = enabled
	c.state.AllowAutoApply = allowAutoApply
	c.mu.Unlock()
}

// SetPortfolioMode overrides the mode outside the proposal path (operators).
func (c *TuningConfig) SetPortfolioMode(mode string) {
	c.mu.Lock()
	c.state.PortfolioMode = mode
	c.mu.Unlock()
}

// Apply mutates the config per an approved proposal. Only safeToAutoApply
// proposals pass, and only while tuning and auto-apply are both enabled.
func (c *TuningConfig) Apply(p Proposal) error {
	if !p.SafeToAutoApply {
		return ErrProposalNotSafe
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Enabled || !c.state.AllowAutoApply {
		return ErrTuningDisabled
	}

	switch p.Action {
	case ActionSetPortfolioMode:
		mode, _ := p.Details["mode"].(string)
		if mode == "" {
			return fmt.Errorf("%s: missing mode", p.Action)
		}
		c.state.PortfolioMode = mode
	case ActionRefreshPortfolio:
		if c.onForceRefresh != nil {
			c.onForceRefresh()
		}
	case ActionLowerMinPredictedQuality:
		to, ok := asFloat(p.Details["to"])
		if !ok {
			return fmt.Errorf("%s: missing target", p.Action)
		}
		c.state.MinPredictedQuality = math.Max(minQualityFloor, to)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProposal, p.Action)
	}

	c.logger.Info("tuning proposal applied", "proposalId", p.ID, "action", p.Action)
	return nil
}
