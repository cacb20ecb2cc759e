// Package admin issues and verifies the service tokens used by operators
// and backend services to provision customer keys.
//
// An admin token is an HS256 JWT. Its header kid carries the stored,
// non-secret prefix. Two digests are stored per token: the SHA-256 of the
// full JWT, used for lookup, and the HMAC signing key, itself the SHA-256
// of a random secret that is discarded after issuance. A presented token
// must match both.
package admin

//go:generate mockgen -destination=mock_store_test.go -package=admin github.com/example/gatekeeper/internal/admin Store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/example/gatekeeper/internal/apikey"
	"github.com/example/gatekeeper/internal/credential"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// PrefixScheme starts every token prefix.
	PrefixScheme = "adm_"
	prefixBytes  = 6
	secretBytes  = 32
	issuer       = "gatekeeper"
)

// Store is the persistence the authority needs.
type Store interface {
	CreateAdminToken(ctx context.Context, t *models.AdminToken) error
	GetAdminToken(ctx context.Context, id string) (*models.AdminToken, error)
	ListAdminTokensByPrefix(ctx context.Context, prefix string) ([]*models.AdminToken, error)
	ListAdminTokens(ctx context.Context, includeInactive bool) ([]*models.AdminToken, error)
	DeactivateAdminToken(ctx context.Context, id string) error
	TouchAdminToken(ctx context.Context, id string, at time.Time, ip string) error
	AppendAdminTokenUsage(ctx context.Context, u *models.AdminTokenUsage) error
	ListAdminTokenUsage(ctx context.Context, tokenID string, start, end time.Time) ([]*models.AdminTokenUsage, error)
	CreateProvisionedKey(ctx context.Context, p *models.AdminProvisionedKey) error
	ListProvisionedKeys(ctx context.Context, tokenID string) ([]*models.AdminProvisionedKey, error)
	RevokeProvisionedKey(ctx context.Context, apiKeyID, reason string, at time.Time) error
}

// KeyIssuer creates and deactivates customer API keys.
type KeyIssuer interface {
	Issue(ctx context.Context, req apikey.IssueRequest) (*models.APIKey, string, error)
	Deactivate(ctx context.Context, keyID string) error
}

// UserDirectory resolves, and creates on demand, the owner of a
// provisioned key.
type UserDirectory interface {
	EnsureUser(ctx context.Context, email string) (*models.User, error)
}

// Claims is the JWT payload of an admin token. The stored row, not these
// claims, is authoritative for permissions.
type Claims struct {
	ServiceName  string                   `json:"service"`
	Permissions  []models.AdminPermission `json:"permissions"`
	IsSuperAdmin bool                     `json:"super_admin"`
	jwt.RegisteredClaims
}

type IssueRequest struct {
	ServiceName string
	Description string
	// Permissions defaults to AllPermissions for super admins and to
	// DefaultAdminPermissions otherwise.
	Permissions  []models.AdminPermission
	IsSuperAdmin bool
	// ExpiresInDays overrides the policy default. Zero means no expiry.
	ExpiresInDays *int
}

// GeneratedToken is returned once from Issue. JWT is not recoverable.
type GeneratedToken struct {
	Token *models.AdminToken
	JWT   string
}

type ProvisionRequest struct {
	UserEmail     string
	Name          string
	Tier          models.APIKeyTier
	RateLimit     *models.RateLimit
	ExpiresInDays *int
}

// ProvisionedKey is returned once from ProvisionKey.
type ProvisionedKey struct {
	Key    *models.APIKey
	Secret string
	Record *models.AdminProvisionedKey
}

type Authority struct {
	store    Store
	keys     KeyIssuer
	users    UserDirectory
	policy   policy.Policy
	logger   *slog.Logger
	now      func() time.Time
	resolver credential.Resolver[*models.AdminToken]
}

type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func New(store Store, keys KeyIssuer, users UserDirectory, p policy.Policy, logger *slog.Logger, opts ...Option) *Authority {
	a := &Authority{store: store, keys: keys, users: users, policy: p, logger: logger, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.resolver = credential.Resolver[*models.AdminToken]{
		PrefixOf: kidOf,
		Lookup:   store.ListAdminTokensByPrefix,
	}
	return a
}

// kidOf reads the prefix from the unverified JWT header.
func kidOf(presented string) (string, bool) {
	tok, _, err := jwt.NewParser().ParseUnverified(presented, &Claims{})
	if err != nil {
		return "", false
	}
	kid, _ := tok.Header["kid"].(string)
	if !strings.HasPrefix(kid, PrefixScheme) || len(kid) != len(PrefixScheme)+2*prefixBytes {
		return "", false
	}
	return kid, true
}

// LooksLikeToken reports whether s parses as a JWT carrying an admin kid.
func LooksLikeToken(s string) bool {
	_, ok := kidOf(s)
	return ok
}

// Issue creates a token. The row is written only once every derived value
// is ready.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (*GeneratedToken, error) {
	service := strings.TrimSpace(req.ServiceName)
	if service == "" {
		return nil, fmt.Errorf("%w: service name is required", apperrors.ErrInvalidRequest)
	}
	requested := req.Permissions
	if len(requested) == 0 {
		requested = models.DefaultAdminPermissions
		if req.IsSuperAdmin {
			requested = models.AllPermissions
		}
	}
	perms, err := normalizePermissions(requested)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	expiresAt, err := a.expiry(now, req.ExpiresInDays)
	if err != nil {
		return nil, err
	}

	prefixHex, err := credential.RandomHex(prefixBytes)
	if err != nil {
		return nil, err
	}
	secret, err := credential.RandomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	signingKey := sha256.Sum256([]byte(secret))

	id := uuid.NewString()
	prefix := PrefixScheme + prefixHex
	claims := Claims{
		ServiceName:  service,
		Permissions:  perms,
		IsSuperAdmin: req.IsSuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Issuer:   issuer,
			Subject:  service,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = prefix
	signed, err := tok.SignedString(signingKey[:])
	if err != nil {
		return nil, fmt.Errorf("signing admin token: %w", err)
	}

	row := &models.AdminToken{
		ID:            id,
		ServiceName:   service,
		Description:   req.Description,
		TokenHash:     credential.Hash(signed),
		TokenPrefix:   prefix,
		JWTSecretHash: hex.EncodeToString(signingKey[:]),
		Permissions:   perms,
		IsSuperAdmin:  req.IsSuperAdmin,
		IsActive:      true,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := a.store.CreateAdminToken(ctx, row); err != nil {
		return nil, fmt.Errorf("storing admin token: %w", err)
	}
	a.logger.Info("admin token issued",
		"token_id", id,
		"prefix", prefix,
		"service", service,
		"super_admin", req.IsSuperAdmin,
	)
	return &GeneratedToken{Token: row, JWT: signed}, nil
}

func (a *Authority) expiry(now time.Time, days *int) (*time.Time, error) {
	d := a.policy.AdminTokenExpiry()
	if days != nil {
		if *days < 0 {
			return nil, fmt.Errorf("%w: negative expiry", apperrors.ErrInvalidRequest)
		}
		d = time.Duration(*days) * 24 * time.Hour
	}
	if d == 0 {
		return nil, nil
	}
	t := now.Add(d)
	return &t, nil
}

func normalizePermissions(in []models.AdminPermission) ([]models.AdminPermission, error) {
	out := make([]models.AdminPermission, 0, len(in))
	for _, p := range in {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: unknown permission %q", apperrors.ErrInvalidRequest, p)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Verify resolves a presented JWT to its stored token. The lookup digest
// must match, the row must be active and unexpired, and the signature must
// verify under the stored signing key.
func (a *Authority) Verify(ctx context.Context, presented string) (*models.AdminToken, error) {
	row, err := a.resolver.Resolve(ctx, presented)
	if err != nil {
		return nil, err
	}
	if !row.IsActive {
		return nil, apperrors.ErrRevoked
	}
	now := a.now()
	if row.Expired(now) {
		return nil, apperrors.ErrExpired
	}

	key, err := hex.DecodeString(row.JWTSecretHash)
	if err != nil {
		a.logger.Error("stored signing key is corrupt", "token_id", row.ID)
		return nil, apperrors.ErrInvalidCredential
	}
	claims := &Claims{}
	_, err = jwt.ParseWithClaims(presented, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperrors.ErrExpired
	case err != nil:
		return nil, apperrors.ErrInvalidCredential
	}
	if claims.ID != row.ID {
		return nil, apperrors.ErrInvalidCredential
	}
	return row, nil
}

// HasPermission reports whether t grants perm.
func HasPermission(t *models.AdminToken, perm models.AdminPermission) bool {
	return t != nil && t.HasPermission(perm)
}

// Authorize returns ErrUnauthorized unless t grants perm.
func Authorize(t *models.AdminToken, perm models.AdminPermission) error {
	if !HasPermission(t, perm) {
		return fmt.Errorf("%w: missing permission %s", apperrors.ErrUnauthorized, perm)
	}
	return nil
}

// RecordUsage appends an audit row and bumps the token's usage counters.
// Failures are logged and never surface to the caller.
func (a *Authority) RecordUsage(ctx context.Context, u models.AdminTokenUsage) {
	if u.Timestamp.IsZero() {
		u.Timestamp = a.now().UTC()
	}
	if err := a.store.AppendAdminTokenUsage(ctx, &u); err != nil {
		a.logger.Warn("failed to record admin token usage",
			"token_id", u.AdminTokenID,
			"action", u.Action,
			"error", err,
		)
	}
	if err := a.store.TouchAdminToken(ctx, u.AdminTokenID, u.Timestamp, u.IPAddress); err != nil {
		a.logger.Warn("failed to update admin token last use", "token_id", u.AdminTokenID, "error", err)
	}
}

// ProvisionKey issues a customer key on behalf of actor, creating the
// owning user if the email is new.
func (a *Authority) ProvisionKey(ctx context.Context, actor *models.AdminToken, req ProvisionRequest) (*ProvisionedKey, error) {
	if err := Authorize(actor, models.PermProvisionKeys); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.UserEmail)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid user email is required", apperrors.ErrInvalidRequest)
	}
	if req.Tier == "" {
		req.Tier = models.APIKeyTierStarter
	}
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", apperrors.ErrInvalidRequest, req.Tier)
	}
	if req.RateLimit != nil {
		if err := apikey.ValidateRateLimit(*req.RateLimit); err != nil {
			return nil, err
		}
	}

	user, err := a.users.EnsureUser(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("provisioning for %s: %w", email, err)
	}

	now := a.now().UTC()
	issue := apikey.IssueRequest{
		UserID:      user.ID,
		Name:        req.Name,
		Description: "provisioned by " + actor.ServiceName,
		Tier:        req.Tier,
		RateLimit:   req.RateLimit,
	}
	if issue.Name == "" {
		issue.Name = actor.ServiceName + " key"
	}
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays <= 0 {
			return nil, fmt.Errorf("%w: expiry must be positive", apperrors.ErrInvalidRequest)
		}
		t := now.Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		issue.ExpiresAt = &t
	}
	key, secret, err := a.keys.Issue(ctx, issue)
	if err != nil {
		return nil, err
	}

	record := &models.AdminProvisionedKey{
		ID:                   uuid.NewString(),
		AdminTokenID:         actor.ID,
		APIKeyID:             key.ID,
		UserEmail:            user.Email,
		Tier:                 key.Tier,
		RateLimit:            key.RateLimit,
		ProvisionedByService: actor.ServiceName,
		Status:               models.ProvisionedActive,
		CreatedAt:            now,
	}
	if err := a.store.CreateProvisionedKey(ctx, record); err != nil {
		if derr := a.keys.Deactivate(ctx, key.ID); derr != nil {
			a.logger.Error("failed to roll back provisioned key", "key_id", key.ID, "error", derr)
		}
		return nil, fmt.Errorf("recording provisioned key: %w", err)
	}
	a.logger.Info("api key provisioned",
		"key_id", key.ID,
		"token_id", actor.ID,
		"service", actor.ServiceName,
		"tier", key.Tier,
	)
	return &ProvisionedKey{Key: key, Secret: secret, Record: record}, nil
}

// Revoke deactivates an admin token. Revoked tokens fail verification
// with ErrRevoked.
func (a *Authority) Revoke(ctx context.Context, tokenID string) error {
	if err := a.store.DeactivateAdminToken(ctx, tokenID); err != nil {
		return fmt.Errorf("revoking admin token %s: %w", tokenID, err)
	}
	a.logger.Info("admin token revoked", "token_id", tokenID)
	return nil
}

// RevokeProvisionedKey deactivates an API key and, when an admin token
// provisioned it, marks the provisioning record revoked. The record is
// only touched once the key no longer verifies.
func (a *Authority) RevokeProvisionedKey(ctx context.Context, actor *models.AdminToken, apiKeyID, reason string) error {
	if err := Authorize(actor, models.PermRevokeKeys); err != nil {
		return err
	}
	if err := a.keys.Deactivate(ctx, apiKeyID); err != nil {
		return err
	}
	err := a.store.RevokeProvisionedKey(ctx, apiKeyID, reason, a.now().UTC())
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("revoking provisioned key %s: %w", apiKeyID, err)
	}
	return nil
}

// RevokeProvisionedKeys revokes every active key provisioned by tokenID
// and returns how many were revoked.
func (a *Authority) RevokeProvisionedKeys(ctx context.Context, actor *models.AdminToken, tokenID, reason string) (int, error) {
	if err := Authorize(actor, models.PermRevokeKeys); err != nil {
		return 0, err
	}
	records, err := a.store.ListProvisionedKeys(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.Status != models.ProvisionedActive {
			continue
		}
		if err := a.RevokeProvisionedKey(ctx, actor, r.APIKeyID, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (a *Authority) Get(ctx context.Context, tokenID string) (*models.AdminToken, error) {
	return a.store.GetAdminToken(ctx, tokenID)
}

func (a *Authority) List(ctx context.Context, includeInactive bool) ([]*models.AdminToken, error) {
	return a.store.ListAdminTokens(ctx, includeInactive)
}

// ListProvisionedKeys returns keys provisioned by tokenID (all tokens when
// empty) created within [since, until]. Zero bounds are open.
func (a *Authority) ListProvisionedKeys(ctx context.Context, tokenID string, since, until time.Time) ([]*models.AdminProvisionedKey, error) {
	records, err := a.store.ListProvisionedKeys(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(records, func(r *models.AdminProvisionedKey) bool {
		return (!since.IsZero() && r.CreatedAt.Before(since)) || (!until.IsZero() && r.CreatedAt.After(until))
	}), nil
}

// UsageHistory returns the audit trail of tokenID, newest first.
func (a *Authority) UsageHistory(ctx context.Context, tokenID string, start, end time.Time) ([]*models.AdminTokenUsage, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end before start", apperrors.ErrInvalidRequest)
	}
	return a.store.ListAdminTokenUsage(ctx, tokenID, start, end)
}
