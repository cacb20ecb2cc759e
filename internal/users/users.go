// Package users manages the human accounts that own API keys and A2A
// clients, their short-lived access tokens and their sealed provider
// credentials.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/ledger"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/tokenvault"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLen = 8
	// AccessTokenTTL is the lifetime of tokens from IssueAccessToken.
	AccessTokenTTL = time.Hour
	tokenIssuer    = "gatekeeper"
	tokenAudience  = "gatekeeper-user"
)

type Store interface {
	ledger.Store
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserTier(ctx context.Context, id string, tier models.UserTier) error
	TouchUser(ctx context.Context, id string, at time.Time) error
	CountUsers(ctx context.Context) (int64, error)
	UpsertProviderToken(ctx context.Context, pt *models.ProviderToken) error
	GetProviderToken(ctx context.Context, userID, provider string) (*models.ProviderToken, error)
	DeleteProviderToken(ctx context.Context, userID, provider string) error
}

// AccessClaims is the payload of a user access token.
type AccessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Directory struct {
	store      Store
	ledger     *ledger.Ledger
	vault      *tokenvault.Vault
	jwtSecret  []byte
	logger     *slog.Logger
	now        func() time.Time
	bcryptCost int
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(d *Directory) { d.bcryptCost = cost }
}

func New(store Store, vault *tokenvault.Vault, jwtSecret []byte, logger *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:      store,
		vault:      vault,
		jwtSecret:  jwtSecret,
		logger:     logger,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, o := range opts {
		o(d)
	}
	d.ledger = ledger.New(store, logger, ledger.WithClock(d.now))
	return d
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: invalid email", apperrors.ErrInvalidRequest)
	}
	return email, nil
}

// Signup creates a Starter account with a bcrypt password hash.
func (d *Directory) Signup(ctx context.Context, email, password, displayName string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", apperrors.ErrInvalidRequest, MinPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := d.newUser(email, strings.TrimSpace(displayName))
	u.PasswordHash = string(hash)
	if err := d.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	d.logger.Info("user signed up", "user_id", u.ID)
	return u, nil
}

func (d *Directory) newUser(email, displayName string) *models.User {
	now := d.now().UTC()
	return &models.User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		Tier:        models.UserTierStarter,
		IsActive:    true,
		CreatedAt:   now,
		LastActive:  now,
	}
}

// Authenticate checks a password. Accounts created without a password
// never authenticate this way.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := d.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.ErrInvalidCredential
	}
	if !u.IsActive {
		return nil, apperrors.ErrRevoked
	}
	d.Touch(ctx, u.ID)
	return u, nil
}

// EnsureUser returns the account for email, creating a passwordless one
// if none exists.
func (d *Directory) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, err := d.store.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	u = d.newUser(email, "")
	err = d.store.CreateUser(ctx, u)
	if errors.Is(err, apperrors.ErrConflict) {
		// Lost a race with a concurrent create.
		return d.store.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("user created on demand", "user_id", u.ID)
	return u, nil
}

// IssueAccessToken signs an HS256 access token for u.
func (d *Directory) IssueAccessToken(u *models.User) (string, time.Time, error) {
	now := d.now().UTC()
	exp := now.Add(AccessTokenTTL)
	claims := AccessClaims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken validates an access token and loads its user.
func (d *Directory) VerifyAccessToken(ctx context.Context, token string) (*models.User, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return d.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(d.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperrors.ErrExpired
	case err != nil, claims.ExpiresAt == nil:
		return nil, apperrors.ErrInvalidCredential
	}

	u, err := d.store.GetUser(ctx, claims.Subject)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperrors.ErrRevoked
	}
	return u, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*models.User, error) {
	return d.store.GetUser(ctx, id)
}

// Touch stamps last activity. Failures are logged only.
func (d *Directory) Touch(ctx context.Context, id string) {
	if err := d.store.TouchUser(ctx, id, d.now().UTC()); err != nil {
		d.logger.Warn("failed to update user activity", "user_id", id, "error", err)
	}
}

func (d *Directory) SetTier(ctx context.Context, id string, tier models.UserTier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", apperrors.ErrInvalidRequest, tier)
	}
	return d.store.UpdateUserTier(ctx, id, tier)
}

func (d *Directory) Count(ctx context.Context) (int64, error) {
	return d.store.CountUsers(ctx)
}

// ConnectProvider seals and stores a provider token pair, replacing any
// previous pair for the same provider.
func (d *Directory) ConnectProvider(ctx context.Context, userID, provider string, tok models.DecryptedToken) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || tok.AccessToken == "" {
		return fmt.Errorf("%w: provider and access token are required", apperrors.ErrInvalidRequest)
	}
	sealed, err := d.vault.Encrypt(tok)
	if err != nil {
		return err
	}
	pt := &models.ProviderToken{UserID: userID, Provider: provider, Token: sealed, UpdatedAt: d.now().UTC()}
	if err := d.store.UpsertProviderToken(ctx, pt); err != nil {
		return fmt.Errorf("storing %s token: %w", provider, err)
	}
	d.logger.Info("provider connected", "user_id", userID, "provider", provider)
	return nil
}

// ProviderToken returns the opened token pair.
func (d *Directory) ProviderToken(ctx context.Context, userID, provider string) (models.DecryptedToken, error) {
	pt, err := d.store.GetProviderToken(ctx, userID, strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return models.DecryptedToken{}, err
	}
	return d.vault.Decrypt(pt.Token)
}

func (d *Directory) DisconnectProvider(ctx context.Context, userID, provider string) error {
	return d.store.DeleteProviderToken(ctx, userID, strings.ToLower(strings.TrimSpace(provider)))
}

// RecordUsage appends one authenticated user request to the user's ledger.
func (d *Directory) RecordUsage(ctx context.Context, userID string, u models.Usage) error {
	u.Subject = models.Subject{Kind: models.SubjectUser, ID: userID}
	return d.ledger.Append(ctx, &u)
}

// MonthlyUsage counts the user's requests since the start of the current
// UTC month and returns that start.
func (d *Directory) MonthlyUsage(ctx context.Context, userID string) (int64, time.Time, error) {
	now := d.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	n, err := d.ledger.CountSince(ctx, models.Subject{Kind: models.SubjectUser, ID: userID}, start)
	if err != nil {
		return 0, start, err
	}
	return n, start, nil
}
