// Package errors defines the sentinel errors shared by the credential
// authorities. Callers match them with errors.Is; wrapped causes are
// preserved with multi-%w wrapping.
package errors

import "errors"

// Credential errors.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpired           = errors.New("credential expired")
	ErrRevoked           = errors.New("credential revoked")
	ErrDecryption        = errors.New("decryption failed")
)

// Authorization errors.
var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrScopeViolation = errors.New("requested scopes exceed client capabilities")
	ErrUnauthorized   = errors.New("unauthorized")
)

// State errors.
var (
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrConflict          = errors.New("already exists")
)

// Server errors.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
)
