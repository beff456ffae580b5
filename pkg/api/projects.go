package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/maestro/pkg/analytics"
	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/router"
	"github.com/Mindburn-Labs/maestro/pkg/runner"
	"github.com/Mindburn-Labs/maestro/pkg/tenants"
)

type planRequest struct {
	Directive        string                   `json:"directive"`
	ProjectBudgetUSD float64                  `json:"projectBudgetUSD"`
	TierProfile      modelhr.TierProfile      `json:"tierProfile,omitempty"`
	EstimateOnly     bool                     `json:"estimateOnly,omitempty"`
	Difficulty       string                   `json:"difficulty,omitempty"`
	Subtasks         []planner.ProjectSubtask `json:"subtasks,omitempty"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeBody(w, r, &req) {
		return
	}

	plan, err := s.deps.Planner.PlanProject(req.Directive, req.ProjectBudgetUSD, planner.PlanOptions{
		TierProfile: req.TierProfile,
		Difficulty:  req.Difficulty,
		Subtasks:    req.Subtasks,
	})
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"plan":           plan,
		"underfunded":    plan.Underfunded,
		"budgetWarnings": plan.BudgetWarnings,
	})
}

type packageRequest struct {
	Plan planner.ProjectPlan `json:"plan"`
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	var req packageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	packages, err := s.deps.Planner.MaterializePackages(&req.Plan)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"packages": packages})
}

type runPackagesRequest struct {
	RunSessionID         string                      `json:"runSessionId,omitempty"`
	Packages             []planner.AtomicWorkPackage `json:"packages"`
	ProjectBudgetUSD     float64                     `json:"projectBudgetUSD"`
	TierProfile          modelhr.TierProfile         `json:"tierProfile,omitempty"`
	Concurrency          runner.Concurrency          `json:"concurrency,omitempty"`
	CheapestViableChosen bool                        `json:"cheapestViableChosen,omitempty"`
}

func (s *Server) handleRunPackages(w http.ResponseWriter, r *http.Request) {
	var req runPackagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunSessionID == "" {
		req.RunSessionID = uuid.NewString()
	}

	deps := s.deps.RunnerDeps
	models, fellBack := s.deps.Registry.ListModelsOrFallback(r.Context(), modelhr.ListFilter{})

	var initial []ledger.Decision
	if fellBack {
		initial = append(initial, ledger.Decision{
			Type:    ledger.DecisionProcurementFallback,
			Details: map[string]any{"reason": "registry_empty"},
		})
	}
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" && s.deps.Tenants != nil {
		if cfg, err := s.deps.Tenants.Load(tenantID); err == nil {
			res := tenants.FilterModels(cfg, models)
			models = res.Models
			if res.FellBack {
				initial = append(initial, ledger.Decision{
					Type: ledger.DecisionProcurementFallback,
					Details: map[string]any{
						"tenantId":        tenantID,
						"removedModelIds": res.Removed,
					},
				})
			}
		}
	}
	deps.Models = models

	state := s.deps.Tuning.State()
	deps.PortfolioMode = state.PortfolioMode
	if deps.PortfolioMode != router.PortfolioOff && s.deps.Portfolio != nil {
		cfg := s.deps.PortfolioConfig
		cfg.MinPredictedQuality = state.MinPredictedQuality
		deps.Portfolio = s.deps.Portfolio.Get(r.Context(), models, cfg)
	}

	inputs := runner.RunInputs{
		RunSessionID:         req.RunSessionID,
		Packages:             req.Packages,
		ProjectBudgetUSD:     req.ProjectBudgetUSD,
		TierProfile:          req.TierProfile,
		Concurrency:          req.Concurrency,
		CheapestViableChosen: req.CheapestViableChosen,
		InitialDecisions:     initial,
	}
	run := runner.New(deps)

	if r.URL.Query().Get("async") == "true" {
		id := s.deps.Sessions.StartAsync(context.Background(), run, inputs)
		writeSuccess(w, http.StatusAccepted, map[string]any{"runSessionId": id})
		return
	}

	result, err := run.Run(r.Context(), inputs)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"runSessionId": result.RunSessionID,
		"result":       result,
	})
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeValidationError(w, "id query parameter is required")
		return
	}
	session, err := s.deps.Sessions.Get(id)
	if err != nil {
		writeNotFound(w, "run session not found: "+id)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"session": session})
}

func (s *Server) handleRunSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeValidationError(w, "id query parameter is required")
		return
	}
	if err := s.deps.Sessions.Cancel(id); err != nil {
		writeNotFound(w, "run session not found: "+id)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeValidationError(w, "id query parameter is required")
		return
	}
	l, err := s.deps.Ledgers.Get(id)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerNotFound) {
			writeNotFound(w, "ledger not found: "+id)
			return
		}
		writeInternalError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"ledger": l})
}

// handleRunBundle returns the downloadable bundle: raw ledger, its summary,
// and optionally the trust and variance snapshots (included unless the
// matching flag is "false").
func (s *Server) handleRunBundle(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeValidationError(w, "id query parameter is required")
		return
	}
	l, err := s.deps.Ledgers.Get(id)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerNotFound) {
			writeNotFound(w, "ledger not found: "+id)
			return
		}
		writeInternalError(w, err)
		return
	}

	payload := map[string]any{
		"ledger":  l,
		"summary": analytics.SummarizeLedger(l),
	}
	if r.URL.Query().Get("trust") != "false" {
		payload["trust"] = s.deps.Trust.Snapshot()
	}
	if r.URL.Query().Get("variance") != "false" {
		payload["variance"] = s.deps.Variance.Snapshot()
	}
	writeSuccess(w, http.StatusOK, payload)
}
