package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/example/gatekeeper/internal/errors"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json", "error", err)
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is ordered: the first sentinel matched wins.
var errorMappings = []errorMapping{
	{apperrors.ErrInvalidCredential, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials"},
	{apperrors.ErrExpired, http.StatusUnauthorized, "CREDENTIAL_EXPIRED", "Credential has expired"},
	{apperrors.ErrRevoked, http.StatusUnauthorized, "CREDENTIAL_REVOKED", "Credential has been revoked"},
	{apperrors.ErrUnauthorized, http.StatusForbidden, "FORBIDDEN", "Not permitted"},
	{apperrors.ErrScopeViolation, http.StatusForbidden, "SCOPE_VIOLATION", "Scope not granted"},
	{apperrors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded"},
	{apperrors.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", "Invalid task state transition"},
	{apperrors.ErrConflict, http.StatusConflict, "CONFLICT", "Resource already exists"},
	{apperrors.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Resource not found"},
	{apperrors.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request"},
	{apperrors.ErrDecryption, http.StatusInternalServerError, "DECRYPTION_FAILED", "Stored credential could not be decrypted"},
	{apperrors.ErrStorageUnavailable, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage is unavailable"},
}

// statusFor maps err to an HTTP status and stable error code.
func statusFor(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code, m.message
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
}

// writeServiceError maps a domain error onto the response. Validation
// failures carry their message; everything else uses the generic text so
// storage details never reach clients.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code, message := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
	case errors.Is(err, apperrors.ErrInvalidRequest), errors.Is(err, apperrors.ErrScopeViolation),
		errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, apperrors.ErrUnauthorized):
		message = err.Error()
	}
	writeError(w, status, code, message)
}
