package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/maestro/pkg/analytics"
)

const (
	defaultKpiWindow = 20
	maxKpiWindow     = 200
)

// recentSummaries projects the newest window ledgers into run summaries.
// List() is already sorted by startedAt descending.
func (s *Server) recentSummaries(window int) []analytics.RunSummary {
	ledgers := s.deps.Ledgers.List()
	if len(ledgers) > window {
		ledgers = ledgers[:window]
	}
	summaries := make([]analytics.RunSummary, 0, len(ledgers))
	for _, l := range ledgers {
		summaries = append(summaries, analytics.SummarizeLedger(l))
	}
	return summaries
}

func windowParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return defaultKpiWindow, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxKpiWindow {
		return 0, false
	}
	return n, true
}

func (s *Server) handleKpis(w http.ResponseWriter, r *http.Request) {
	window, ok := windowParam(r)
	if !ok {
		writeValidationError(w, "window must be an integer in [1,200]")
		return
	}

	summaries := s.recentSummaries(window)
	writeSuccess(w, http.StatusOK, map[string]any{
		"kpis": analytics.AggregateKpis(summaries),
		"runs": summaries,
	})
}

func (s *Server) handleTuningConfigGet(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Tuning.State()
	writeSuccess(w, http.StatusOK, map[string]any{
		"enabled":        state.Enabled,
		"allowAutoApply": state.AllowAutoApply,
	})
}

type tuningConfigRequest struct {
	Enabled        *bool `json:"enabled,omitempty"`
	AllowAutoApply *bool `json:"allowAutoApply,omitempty"`
}

func (s *Server) handleTuningConfigSet(w http.ResponseWriter, r *http.Request) {
	var req tuningConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state := s.deps.Tuning.State()
	enabled := state.Enabled
	allowAutoApply := state.AllowAutoApply
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.AllowAutoApply != nil {
		allowAutoApply = *req.AllowAutoApply
	}
	s.deps.Tuning.SetToggles(enabled, allowAutoApply)

	writeSuccess(w, http.StatusOK, map[string]any{
		"enabled":        enabled,
		"allowAutoApply": allowAutoApply,
	})
}

func (s *Server) handleTuningProposals(w http.ResponseWriter, r *http.Request) {
	window, ok := windowParam(r)
	if !ok {
		writeValidationError(w, "window must be an integer in [1,200]")
		return
	}

	proposals := analytics.GenerateProposals(s.recentSummaries(window), s.deps.Tuning.State())
	writeSuccess(w, http.StatusOK, map[string]any{"proposals": proposals})
}

type tuningApplyRequest struct {
	ProposalID string `json:"proposalId"`
	Window     int    `json:"window,omitempty"`
}

func (s *Server) handleTuningApply(w http.ResponseWriter, r *http.Request) {
	var req tuningApplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		writeValidationError(w, "proposalId is required")
		return
	}
	window := req.Window
	if window < 1 || window > maxKpiWindow {
		window = defaultKpiWindow
	}

	// proposal ids are stable hashes, so regeneration finds the same one
	var match *analytics.Proposal
	for _, p := range analytics.GenerateProposals(s.recentSummaries(window), s.deps.Tuning.State()) {
		if p.ID == req.ProposalID {
			match = &p
			break
		}
	}
	if match == nil {
		writeNotFound(w, "proposal not found: "+req.ProposalID)
		return
	}

	if err := s.deps.Tuning.Apply(*match); err != nil {
		switch {
		case errors.Is(err, analytics.ErrProposalNotSafe):
			writeError(w, http.StatusBadRequest, CodeNotSafe, err.Error(), nil)
		case errors.Is(err, analytics.ErrTuningDisabled):
			writeError(w, http.StatusBadRequest, CodeTuningDisabled, err.Error(), nil)
		default:
			writeValidationError(w, err.Error())
		}
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"applied":  true,
		"proposal": match,
	})
}
