package main

import (
	"time"

	"github.com/example/gatekeeper/internal/models"
)

// Response shapes. Stored digests and signing material never leave the
// process.

type rateLimitView struct {
	Requests      int   `json:"requests"`
	WindowSeconds int64 `json:"window_seconds"`
}

func viewRateLimit(rl models.RateLimit) rateLimitView {
	return rateLimitView{Requests: rl.Requests, WindowSeconds: int64(rl.Window / time.Second)}
}

func (v rateLimitView) model() models.RateLimit {
	return models.RateLimit{Requests: v.Requests, Window: time.Duration(v.WindowSeconds) * time.Second}
}

type userView struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	DisplayName string          `json:"display_name,omitempty"`
	Tier        models.UserTier `json:"tier"`
	CreatedAt   time.Time       `json:"created_at"`
	LastActive  time.Time       `json:"last_active"`
}

func viewUser(u *models.User) userView {
	return userView{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Tier: u.Tier, CreatedAt: u.CreatedAt, LastActive: u.LastActive}
}

type keyView struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	KeyPrefix   string            `json:"key_prefix"`
	Tier        models.APIKeyTier `json:"tier"`
	RateLimit   rateLimitView     `json:"rate_limit"`
	IsActive    bool              `json:"is_active"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func viewKey(k *models.APIKey) keyView {
	return keyView{
		ID:          k.ID,
		UserID:      k.UserID,
		Name:        k.Name,
		Description: k.Description,
		KeyPrefix:   k.KeyPrefix,
		Tier:        k.Tier,
		RateLimit:   viewRateLimit(k.RateLimit),
		IsActive:    k.IsActive,
		LastUsedAt:  k.LastUsedAt,
		ExpiresAt:   k.ExpiresAt,
		CreatedAt:   k.CreatedAt,
	}
}

func viewKeys(keys []*models.APIKey) []keyView {
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, viewKey(k))
	}
	return out
}

type adminTokenView struct {
	ID           string                   `json:"id"`
	ServiceName  string                   `json:"service_name"`
	Description  string                   `json:"description,omitempty"`
	TokenPrefix  string                   `json:"token_prefix"`
	Permissions  []models.AdminPermission `json:"permissions"`
	IsSuperAdmin bool                     `json:"is_super_admin"`
	IsActive     bool                     `json:"is_active"`
	CreatedAt    time.Time                `json:"created_at"`
	ExpiresAt    *time.Time               `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time               `json:"last_used_at,omitempty"`
	LastUsedIP   string                   `json:"last_used_ip,omitempty"`
	UsageCount   int64                    `json:"usage_count"`
}

func viewAdminToken(t *models.AdminToken) adminTokenView {
	return adminTokenView{
		ID:           t.ID,
		ServiceName:  t.ServiceName,
		Description:  t.Description,
		TokenPrefix:  t.TokenPrefix,
		Permissions:  t.Permissions,
		IsSuperAdmin: t.IsSuperAdmin,
		IsActive:     t.IsActive,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		LastUsedAt:   t.LastUsedAt,
		LastUsedIP:   t.LastUsedIP,
		UsageCount:   t.UsageCount,
	}
}

type clientView struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	RedirectURIs    []string  `json:"redirect_uris"`
	ContactEmail    string    `json:"contact_email,omitempty"`
	RateLimitPerMin int       `json:"rate_limit_per_minute"`
	RateLimitPerDay int       `json:"rate_limit_per_day"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewClient(c *models.A2AClient) clientView {
	return clientView{
		ID:              c.ID,
		UserID:          c.UserID,
		Name:            c.Name,
		Description:     c.Description,
		Capabilities:    c.Capabilities,
		RedirectURIs:    c.RedirectURIs,
		ContactEmail:    c.ContactEmail,
		RateLimitPerMin: c.RateLimitPerMin,
		RateLimitPerDay: c.RateLimitPerDay,
		IsActive:        c.IsActive,
		CreatedAt:       c.CreatedAt,
	}
}

type provisionedView struct {
	ID                   string                      `json:"id"`
	AdminTokenID         string                      `json:"admin_token_id"`
	APIKeyID             string                      `json:"api_key_id"`
	UserEmail            string                      `json:"user_email"`
	Tier                 models.APIKeyTier           `json:"tier"`
	RateLimit            rateLimitView               `json:"rate_limit"`
	ProvisionedByService string                      `json:"provisioned_by_service"`
	Status               models.ProvisionedKeyStatus `json:"status"`
	CreatedAt            time.Time                   `json:"created_at"`
	RevokedAt            *time.Time                  `json:"revoked_at,omitempty"`
	RevokedReason        string                      `json:"revoked_reason,omitempty"`
}

func viewProvisioned(p *models.AdminProvisionedKey) provisionedView {
	return provisionedView{
		ID:                   p.ID,
		AdminTokenID:         p.AdminTokenID,
		APIKeyID:             p.APIKeyID,
		UserEmail:            p.UserEmail,
		Tier:                 p.Tier,
		RateLimit:            viewRateLimit(p.RateLimit),
		ProvisionedByService: p.ProvisionedByService,
		Status:               p.Status,
		CreatedAt:            p.CreatedAt,
		RevokedAt:            p.RevokedAt,
		RevokedReason:        p.RevokedReason,
	}
}
