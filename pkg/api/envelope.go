// Package api is the HTTP surface: one JSON envelope for every response,
// project/run endpoints, observability endpoints, and Model HR ops.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes surfaced by the API.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeTuningDisabled  = "TUNING_DISABLED"
	CodeNotSafe         = "NOT_SAFE"
	CodeApproveFailed   = "APPROVE_FAILED"
	CodeRejectFailed    = "REJECT_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternalError   = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeSuccess merges payload into {"success": true, ...}.
func writeSuccess(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   apiError{Code: code, Message: message, Details: details},
	})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, CodeValidationError, message, nil)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, CodeNotFound, message, nil)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Warn("response encode failed", "component", "api", "error", err)
	}
}

// decodeBody parses a JSON request body into dst, surfacing parse errors as
// validation failures.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeValidationError(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
