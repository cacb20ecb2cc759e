package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.ErrInvalidCredential, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{apperrors.ErrExpired, http.StatusUnauthorized, "CREDENTIAL_EXPIRED"},
		{apperrors.ErrRevoked, http.StatusUnauthorized, "CREDENTIAL_REVOKED"},
		{fmt.Errorf("%w: missing permission x", apperrors.ErrUnauthorized), http.StatusForbidden, "FORBIDDEN"},
		{apperrors.ErrScopeViolation, http.StatusForbidden, "SCOPE_VIOLATION"},
		{apperrors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{apperrors.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{apperrors.ErrConflict, http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("loading key: %w", apperrors.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{apperrors.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{apperrors.ErrDecryption, http.StatusInternalServerError, "DECRYPTION_FAILED"},
		{fmt.Errorf("%w: get user: %w", apperrors.ErrStorageUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWriteServiceErrorHidesStorageDetail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := httptest.NewRecorder()
	writeServiceError(rec, logger, fmt.Errorf("%w: get user: %w", apperrors.ErrStorageUnavailable, errors.New("password=hunter2")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = httptest.NewRecorder()
	writeServiceError(rec, logger, fmt.Errorf("%w: name is required", apperrors.ErrInvalidRequest))
	var e APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Contains(t, e.Message, "name is required")
}
