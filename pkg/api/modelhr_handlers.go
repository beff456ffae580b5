package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/evaluation"
)

func (s *Server) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := modelhr.ListFilter{
		Provider:        q.Get("provider"),
		IncludeDisabled: q.Get("includeDisabled") == "true",
	}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []modelhr.Status{modelhr.Status(status)}
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"models": s.deps.Registry.ListModels(filter),
	})
}

func (s *Server) handleRegistryUpsert(w http.ResponseWriter, r *http.Request) {
	var entry modelhr.RegistryEntry
	if !decodeBody(w, r, &entry) {
		return
	}

	model, err := s.deps.Registry.UpsertModel(r.Context(), entry)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"model": model})
}

// modelIDFromPath reassembles the canonical "<provider>/<modelId>" id from
// the two path segments.
func modelIDFromPath(r *http.Request) string {
	return modelhr.CanonicalID(r.PathValue("provider"), r.PathValue("model"))
}

type statusRequest struct {
	Status modelhr.Status `json:"status"`
}

func (s *Server) handleRegistryStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	model, err := s.deps.Registry.SetModelStatus(r.Context(), modelIDFromPath(r), req.Status)
	if err != nil {
		if errors.Is(err, modelhr.ErrModelNotFound) {
			writeNotFound(w, err.Error())
			return
		}
		writeValidationError(w, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"model": model})
}

type disableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRegistryDisable(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeValidationError(w, "reason is required")
		return
	}

	model, err := s.deps.Registry.DisableModel(r.Context(), modelIDFromPath(r), req.Reason)
	if err != nil {
		if errors.Is(err, modelhr.ErrModelNotFound) {
			writeNotFound(w, err.Error())
			return
		}
		writeValidationError(w, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"model": model})
}

const maxActionsLimit = 500

func (s *Server) handleActionsList(w http.ResponseWriter, r *http.Request) {
	limit := maxActionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidationError(w, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	actions := s.deps.Actions.List(r.Context())
	if len(actions) > limit {
		actions = actions[:limit]
	}
	writeSuccess(w, http.StatusOK, map[string]any{"actions": actions})
}

type approveRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

func (s *Server) handleActionApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ApprovedBy == "" {
		writeValidationError(w, "approvedBy is required")
		return
	}

	res, err := s.deps.Actions.Approve(r.Context(), r.PathValue("id"), req.ApprovedBy)
	if err != nil {
		if errors.Is(err, evaluation.ErrActionNotFound) {
			writeNotFound(w, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, CodeApproveFailed, err.Error(), nil)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"action":      res.Action,
		"alreadyDone": res.AlreadyDone,
	})
}

type rejectRequest struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleActionReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RejectedBy == "" {
		writeValidationError(w, "rejectedBy is required")
		return
	}

	res, err := s.deps.Actions.Reject(r.Context(), r.PathValue("id"), req.RejectedBy, req.Reason)
	if err != nil {
		if errors.Is(err, evaluation.ErrActionNotFound) {
			writeNotFound(w, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, CodeRejectFailed, err.Error(), nil)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"action":      res.Action,
		"alreadyDone": res.AlreadyDone,
	})
}

func (s *Server) handleRegistryHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Registry.Health(r.Context())
	payload := map[string]any{
		"registryHealth":   h.State,
		"fallbackCount24h": h.FallbackCount24h,
	}
	if h.LastRegistryLoadError != "" {
		payload["lastRegistryLoadError"] = h.LastRegistryLoadError
	}
	payload["registryFileInfo"] = map[string]any{
		"sizeBytes":   h.RegistryFileSizeBytes,
		"modifiedISO": h.RegistryFileModified,
	}
	writeSuccess(w, http.StatusOK, payload)
}
