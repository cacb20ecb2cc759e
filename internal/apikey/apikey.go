// Package apikey issues, verifies and meters customer API keys.
//
// A key is shown to its owner exactly once. Only the first PrefixLen
// characters and the SHA-256 digest of the full secret are stored.
package apikey

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/gatekeeper/internal/credential"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/ledger"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/google/uuid"
)

const (
	LivePrefix  = "pk_live_"
	TrialPrefix = "pk_trial_"
	// PrefixLen is the number of leading characters kept for lookup.
	PrefixLen = 16
	// secretBytes of randomness, hex encoded after the scheme prefix.
	secretBytes = 32
	minLen      = len(LivePrefix) + 2*secretBytes
)

// Store is the persistence the authority needs.
type Store interface {
	ledger.Store
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	ListAPIKeys(ctx context.Context, f models.APIKeyFilter) ([]*models.APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	UpdateAPIKeyRateLimit(ctx context.Context, id string, rl models.RateLimit, at time.Time) error
	DeactivateExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error)
	ListExpiredAPIKeys(ctx context.Context, now time.Time) ([]*models.APIKey, error)
	CountActiveAPIKeys(ctx context.Context) (int64, error)
}

// IssueRequest describes a new key. A nil RateLimit uses the tier default.
type IssueRequest struct {
	UserID      string
	Name        string
	Description string
	Tier        models.APIKeyTier
	ExpiresAt   *time.Time
	RateLimit   *models.RateLimit
}

type Authority struct {
	store    Store
	ledger   *ledger.Ledger
	policy   policy.Policy
	logger   *slog.Logger
	now      func() time.Time
	resolver credential.Resolver[*models.APIKey]
}

type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func New(store Store, p policy.Policy, logger *slog.Logger, opts ...Option) *Authority {
	a := &Authority{store: store, policy: p, logger: logger, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.ledger = ledger.New(store, logger, ledger.WithClock(a.now))
	a.resolver = credential.Resolver[*models.APIKey]{
		PrefixOf: prefixOf,
		Lookup:   store.ListActiveAPIKeysByPrefix,
	}
	return a
}

func prefixOf(presented string) (string, bool) {
	if !strings.HasPrefix(presented, LivePrefix) && !strings.HasPrefix(presented, TrialPrefix) {
		return "", false
	}
	return credential.FixedPrefix(PrefixLen, minLen)(presented)
}

// LooksLikeKey reports whether s carries an API key scheme prefix.
func LooksLikeKey(s string) bool {
	return strings.HasPrefix(s, LivePrefix) || strings.HasPrefix(s, TrialPrefix)
}

// Issue creates a key and returns it with the plaintext secret.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (*models.APIKey, string, error) {
	if req.UserID == "" || strings.TrimSpace(req.Name) == "" {
		return nil, "", fmt.Errorf("%w: user id and name are required", apperrors.ErrInvalidRequest)
	}
	if req.Tier == "" {
		req.Tier = models.APIKeyTierTrial
	}
	if !req.Tier.Valid() {
		return nil, "", fmt.Errorf("%w: unknown tier %q", apperrors.ErrInvalidRequest, req.Tier)
	}
	if _, err := a.store.GetUser(ctx, req.UserID); err != nil {
		return nil, "", fmt.Errorf("issuing key: %w", err)
	}

	now := a.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, "", fmt.Errorf("%w: expiry must be in the future", apperrors.ErrInvalidRequest)
	}

	scheme := LivePrefix
	if req.Tier == models.APIKeyTierTrial {
		scheme = TrialPrefix
	}
	random, err := credential.RandomHex(secretBytes)
	if err != nil {
		return nil, "", err
	}
	secret := scheme + random

	rl := a.policy.RateLimit(req.Tier)
	if req.RateLimit != nil {
		if err := ValidateRateLimit(*req.RateLimit); err != nil {
			return nil, "", err
		}
		rl = *req.RateLimit
	}
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.Tier == models.APIKeyTierTrial && a.policy.TrialLifetime() > 0 {
		t := now.Add(a.policy.TrialLifetime())
		expiresAt = &t
	}

	key := &models.APIKey{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		KeyPrefix:   secret[:PrefixLen],
		KeyHash:     credential.Hash(secret),
		Tier:        req.Tier,
		RateLimit:   rl,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("issuing key: %w", err)
	}
	a.logger.Info("api key issued", "key_id", key.ID, "user_id", key.UserID, "prefix", key.KeyPrefix, "tier", key.Tier)
	return key, secret, nil
}

// Verify resolves a presented secret to its active key.
func (a *Authority) Verify(ctx context.Context, presented string) (*models.APIKey, error) {
	key, err := a.resolver.Resolve(ctx, presented)
	if err != nil {
		return nil, err
	}
	if key.Expired(a.now()) {
		return nil, apperrors.ErrExpired
	}
	return key, nil
}

// CheckAdmission applies the key's quota to its usage in the window.
func (a *Authority) CheckAdmission(ctx context.Context, key *models.APIKey) (ledger.Decision, error) {
	return a.ledger.Admit(ctx, subject(key.ID), key.RateLimit)
}

// Revoke deactivates a key on behalf of its owner.
func (a *Authority) Revoke(ctx context.Context, keyID, requestingUserID string) error {
	key, err := a.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != requestingUserID {
		return apperrors.ErrUnauthorized
	}
	return a.Deactivate(ctx, keyID)
}

// Deactivate revokes a key without an ownership check.
func (a *Authority) Deactivate(ctx context.Context, keyID string) error {
	if err := a.store.DeactivateAPIKey(ctx, keyID, a.now().UTC()); err != nil {
		return fmt.Errorf("revoking key %s: %w", keyID, err)
	}
	a.logger.Info("api key revoked", "key_id", keyID)
	return nil
}

// ExpireSweep deactivates every active key whose expiry has passed.
// Running it again at the same instant is a no-op.
func (a *Authority) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := a.store.DeactivateExpiredAPIKeys(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}
	if n > 0 {
		a.logger.Info("expired api keys deactivated", "count", n)
	}
	return n, nil
}

func (a *Authority) Get(ctx context.Context, keyID string) (*models.APIKey, error) {
	return a.store.GetAPIKey(ctx, keyID)
}

func (a *Authority) List(ctx context.Context, f models.APIKeyFilter) ([]*models.APIKey, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: negative pagination", apperrors.ErrInvalidRequest)
	}
	return a.store.ListAPIKeys(ctx, f)
}

// ListExpired returns every key past its expiry, whether or not the sweep
// has deactivated it yet.
func (a *Authority) ListExpired(ctx context.Context) ([]*models.APIKey, error) {
	keys, err := a.store.ListExpiredAPIKeys(ctx, a.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("listing expired keys: %w", err)
	}
	return keys, nil
}

func (a *Authority) CountActive(ctx context.Context) (int64, error) {
	n, err := a.store.CountActiveAPIKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting active keys: %w", err)
	}
	return n, nil
}

// MarkUsed stamps the last-used time. Failures are logged only.
func (a *Authority) MarkUsed(ctx context.Context, keyID string) {
	if err := a.store.TouchAPIKey(ctx, keyID, a.now().UTC()); err != nil {
		a.logger.Warn("failed to update key last use", "key_id", keyID, "error", err)
	}
}

// RecordUsage appends one request to the key's ledger.
func (a *Authority) RecordUsage(ctx context.Context, keyID string, u models.Usage) error {
	u.Subject = subject(keyID)
	return a.ledger.Append(ctx, &u)
}

func (a *Authority) UsageStats(ctx context.Context, keyID string, start, end time.Time) (*models.UsageStats, error) {
	return a.ledger.Stats(ctx, subject(keyID), start, end)
}

// RequestLogs lists API key usage rows, newest first. An empty
// f.Subject.ID spans every key.
func (a *Authority) RequestLogs(ctx context.Context, f models.UsageFilter) ([]*models.Usage, error) {
	f.Subject.Kind = models.SubjectAPIKey
	return a.ledger.List(ctx, f)
}

// UpdateRateLimit overrides the key's quota.
func (a *Authority) UpdateRateLimit(ctx context.Context, keyID string, rl models.RateLimit) error {
	if err := ValidateRateLimit(rl); err != nil {
		return err
	}
	if err := a.store.UpdateAPIKeyRateLimit(ctx, keyID, rl, a.now().UTC()); err != nil {
		return fmt.Errorf("updating key %s limit: %w", keyID, err)
	}
	return nil
}

// ValidateRateLimit rejects overrides that would read as unlimited by
// accident. Only Requests == 0 means unlimited.
func ValidateRateLimit(rl models.RateLimit) error {
	switch {
	case rl.Requests < 0 || rl.Window < 0:
		return fmt.Errorf("%w: negative rate limit", apperrors.ErrInvalidRequest)
	case rl.Requests > 0 && rl.Window == 0:
		return fmt.Errorf("%w: rate limit window is required", apperrors.ErrInvalidRequest)
	}
	return nil
}

func subject(keyID string) models.Subject {
	return models.Subject{Kind: models.SubjectAPIKey, ID: keyID}
}
