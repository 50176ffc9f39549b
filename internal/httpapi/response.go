// Package httpapi implements the server's and the receiver's HTTP
// control-plane surfaces: stream administration, epoch and race mapping,
// raw/CSV export, and the receiver's profile/selection/subscription
// management. Handlers follow the teacher's HandlerSet shape (an Options
// struct wired at construction, one http.HandlerFunc method per route,
// writeJSON for every response body) from its own internal/http package,
// generalised from flat liveness/metrics endpoints to this domain's
// resource-oriented surface.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// Code enumerates the HTTP error envelope's machine-readable codes.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeValidationError  Code = "VALIDATION_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInternalError    Code = "INTERNAL_ERROR"
)

// errorEnvelope is the shared JSON error body for every handler in this
// package.
type errorEnvelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func statusFor(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code Code, message string, details any) {
	writeJSON(w, statusFor(code), errorEnvelope{Code: code, Message: message, Details: details})
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
