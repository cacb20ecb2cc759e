// Package store persists users, credentials, usage and A2A state. Every
// backend returns apperrors.ErrNotFound for missing rows,
// apperrors.ErrConflict for uniqueness violations and wraps every other
// fault with apperrors.ErrStorageUnavailable.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
)

// DB is the full persistence surface. The authorities depend on narrower
// subsets of it.
type DB interface {
	Ping(ctx context.Context) error
	Close() error

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserTier(ctx context.Context, id string, tier models.UserTier) error
	TouchUser(ctx context.Context, id string, at time.Time) error
	CountUsers(ctx context.Context) (int64, error)

	// Provider tokens
	UpsertProviderToken(ctx context.Context, pt *models.ProviderToken) error
	GetProviderToken(ctx context.Context, userID, provider string) (*models.ProviderToken, error)
	DeleteProviderToken(ctx context.Context, userID, provider string) error

	// API keys
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	ListAPIKeys(ctx context.Context, f models.APIKeyFilter) ([]*models.APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	UpdateAPIKeyRateLimit(ctx context.Context, id string, rl models.RateLimit, at time.Time) error
	DeactivateExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error)
	// ListExpiredAPIKeys returns keys, active or not, whose expiry is at or
	// before now, soonest expiry first.
	ListExpiredAPIKeys(ctx context.Context, now time.Time) ([]*models.APIKey, error)
	CountActiveAPIKeys(ctx context.Context) (int64, error)

	// Usage ledger
	AppendUsage(ctx context.Context, u *models.Usage) error
	CountUsageSince(ctx context.Context, s models.Subject, since time.Time) (int64, error)
	UsageStats(ctx context.Context, s models.Subject, start, end time.Time) (*models.UsageStats, error)
	// ListUsage returns matching rows newest first.
	ListUsage(ctx context.Context, f models.UsageFilter) ([]*models.Usage, error)

	// Admin tokens
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

	// A2A
	CreateA2AClient(ctx context.Context, c *models.A2AClient) error
	GetA2AClient(ctx context.Context, id string) (*models.A2AClient, error)
	ListA2AClients(ctx context.Context, userID string) ([]*models.A2AClient, error)
	DeactivateA2AClient(ctx context.Context, id string, at time.Time) error
	CreateA2ASession(ctx context.Context, s *models.A2ASession) error
	GetA2ASession(ctx context.Context, id string) (*models.A2ASession, error)
	GetA2ASessionByTokenHash(ctx context.Context, hash string) (*models.A2ASession, error)
	TouchA2ASession(ctx context.Context, id string, at time.Time) error
	DeactivateA2ASession(ctx context.Context, id string) error
	CreateA2ATask(ctx context.Context, t *models.A2ATask) error
	GetA2ATask(ctx context.Context, id string) (*models.A2ATask, error)
	ListA2ATasks(ctx context.Context, clientID string, limit int) ([]*models.A2ATask, error)
	// UpdateA2ATaskStatus moves a task from one status to another only if
	// its stored status is still from. It reports whether the swap happened.
	UpdateA2ATaskStatus(ctx context.Context, id string, from, to models.TaskStatus, upd models.TaskUpdate) (bool, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrStorageUnavailable, op, err)
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, apperrors.ErrNotFound)
}

func conflict(what string) error {
	return fmt.Errorf("%s: %w", what, apperrors.ErrConflict)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// successful and failed follow the HTTP status classes.
func successful(code int) bool { return code >= 200 && code < 300 }

func failed(code int) bool { return code >= 400 }

// sortUsage orders rows newest first, then by descending id, and applies
// limit.
func sortUsage(rows []*models.Usage, limit int) []*models.Usage {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func sortByExpiry(keys []*models.APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ExpiresAt.Equal(*keys[j].ExpiresAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].ExpiresAt.Before(*keys[j].ExpiresAt)
	})
}
