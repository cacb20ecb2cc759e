// Package credential implements the prefix-then-hash lookup shared by
// API keys and admin tokens.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	apperrors "github.com/example/gatekeeper/internal/errors"
)

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash returns the SHA-256 hex digest of secret.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Match compares the digest of presented with storedHash in constant time.
func Match(storedHash, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(Hash(presented))) == 1
}

// Secret is a stored credential row carrying the digest of its secret.
type Secret interface {
	SecretHash() string
}

// Resolver narrows stored credentials of type T by a non-secret prefix and
// confirms the match by hash.
type Resolver[T Secret] struct {
	// PrefixOf extracts the lookup prefix from a presented secret. ok is
	// false when the secret is malformed.
	PrefixOf func(presented string) (prefix string, ok bool)
	// Lookup returns every stored candidate for prefix.
	Lookup func(ctx context.Context, prefix string) ([]T, error)
}

// Resolve returns the single candidate whose hash matches presented.
// Unknown prefixes and wrong secrets both yield ErrInvalidCredential.
func (r Resolver[T]) Resolve(ctx context.Context, presented string) (T, error) {
	var zero T
	prefix, ok := r.PrefixOf(presented)
	if !ok {
		return zero, apperrors.ErrInvalidCredential
	}

	candidates, err := r.Lookup(ctx, prefix)
	if err != nil {
		return zero, err
	}

	digest := []byte(Hash(presented))
	found := -1
	for i, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c.SecretHash()), digest) == 1 && found < 0 {
			found = i
		}
	}
	if found < 0 {
		return zero, apperrors.ErrInvalidCredential
	}
	return candidates[found], nil
}

// FixedPrefix returns a PrefixOf func taking the first n characters of
// secrets at least minLen long.
func FixedPrefix(n, minLen int) func(string) (string, bool) {
	return func(s string) (string, bool) {
		if len(s) < minLen || len(s) < n {
			return "", false
		}
		return s[:n], true
	}
}
