// Package models holds the entities shared by the credential authorities,
// the ledger and the storage backends.
package models

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// UserTier is the service level of a human account.
type UserTier string

const (
	UserTierStarter      UserTier = "starter"
	UserTierProfessional UserTier = "professional"
	UserTierEnterprise   UserTier = "enterprise"
)

// Valid reports whether t is a known user tier.
func (t UserTier) Valid() bool {
	switch t {
	case UserTierStarter, UserTierProfessional, UserTierEnterprise:
		return true
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"password_hash"`
	Tier         UserTier  `json:"tier"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

// RateLimit is a quota of Requests per sliding Window. A zero Requests
// value means unlimited.
type RateLimit struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Unlimited reports whether the limit admits everything.
func (r RateLimit) Unlimited() bool { return r.Requests <= 0 || r.Window <= 0 }

// APIKeyTier selects the default quota of an API key.
type APIKeyTier string

const (
	APIKeyTierTrial        APIKeyTier = "trial"
	APIKeyTierStarter      APIKeyTier = "starter"
	APIKeyTierProfessional APIKeyTier = "professional"
	APIKeyTierEnterprise   APIKeyTier = "enterprise"
)

func (t APIKeyTier) Valid() bool {
	switch t {
	case APIKeyTierTrial, APIKeyTierStarter, APIKeyTierProfessional, APIKeyTierEnterprise:
		return true
	}
	return false
}

// APIKey is the stored form of an issued key. The secret itself is never
// persisted; only its prefix and SHA-256 digest are.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	KeyPrefix   string     `json:"key_prefix"`
	KeyHash     string     `json:"key_hash"`
	Tier        APIKeyTier `json:"tier"`
	RateLimit   RateLimit  `json:"rate_limit"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// APIKeyFilter narrows ListAPIKeys. Zero fields are ignored.
type APIKeyFilter struct {
	UserID     string
	UserEmail  string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// DecryptedToken is a plaintext OAuth token pair from a data provider.
type DecryptedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
}

// EncryptedToken is the sealed form of a DecryptedToken. Ciphertexts and
// the nonce are base64 encoded.
type EncryptedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Nonce        string    `json:"nonce"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
}

// ProviderToken links a user to sealed credentials for one provider.
type ProviderToken struct {
	UserID    string         `json:"user_id"`
	Provider  string         `json:"provider"`
	Token     EncryptedToken `json:"token"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SubjectKind identifies which credential class a usage row belongs to.
type SubjectKind string

const (
	SubjectAPIKey    SubjectKind = "api_key"
	SubjectA2AClient SubjectKind = "a2a_client"
	// SubjectUser meters requests made with a user access token.
	SubjectUser SubjectKind = "user"
)

// Subject is the owner of a usage row.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Usage is one metered request. SessionID, TaskType and ProtocolVersion
// are only set for A2A traffic.
type Usage struct {
	ID              int64     `json:"id"`
	Subject         Subject   `json:"subject"`
	Timestamp       time.Time `json:"timestamp"`
	ToolName        string    `json:"tool_name"`
	StatusCode      int       `json:"status_code"`
	ResponseTimeMS  int       `json:"response_time_ms"`
	RequestBytes    int       `json:"request_bytes"`
	ResponseBytes   int       `json:"response_bytes"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	TaskType        string    `json:"task_type,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
}

// UsageFilter narrows ListUsage. Subject.Kind is required; an empty
// Subject.ID spans every subject of that kind. Zero bounds are open.
type UsageFilter struct {
	Subject Subject
	Start   time.Time
	End     time.Time
	// StatusPrefix matches the leading digits of the status code, so "4"
	// selects every 4xx.
	StatusPrefix string
	// ToolContains is a case-insensitive substring of the tool name.
	ToolContains string
	// Limit caps the newest rows returned. Zero means no cap.
	Limit int
}

// Match reports whether u passes every filter except Limit.
func (f UsageFilter) Match(u *Usage) bool {
	if u.Subject.Kind != f.Subject.Kind || (f.Subject.ID != "" && u.Subject.ID != f.Subject.ID) {
		return false
	}
	if (!f.Start.IsZero() && u.Timestamp.Before(f.Start)) || (!f.End.IsZero() && u.Timestamp.After(f.End)) {
		return false
	}
	if f.StatusPrefix != "" && !strings.HasPrefix(strconv.Itoa(u.StatusCode), f.StatusPrefix) {
		return false
	}
	return f.ToolContains == "" || strings.Contains(strings.ToLower(u.ToolName), strings.ToLower(f.ToolContains))
}

// DailyUsage is one UTC day of a subject's traffic.
type DailyUsage struct {
	Day      time.Time `json:"day"`
	Requests int64     `json:"requests"`
	Failed   int64     `json:"failed"`
}

// UsageStats aggregates usage rows over a time range.
type UsageStats struct {
	Subject           Subject   `json:"subject"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	TotalRequests     int64     `json:"total_requests"`
	SuccessfulCalls   int64     `json:"successful_requests"`
	FailedCalls       int64     `json:"failed_requests"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	RequestBytes      int64     `json:"total_request_bytes"`
	ResponseBytes     int64     `json:"total_response_bytes"`
}

// AdminPermission is a capability an admin token may hold.
type AdminPermission string

const (
	PermProvisionKeys     AdminPermission = "provision_keys"
	PermListKeys          AdminPermission = "list_keys"
	PermRevokeKeys        AdminPermission = "revoke_keys"
	PermUpdateKeyLimits   AdminPermission = "update_key_limits"
	PermManageAdminTokens AdminPermission = "manage_admin_tokens"
	PermViewAuditLogs     AdminPermission = "view_audit_logs"
	PermManageUsers       AdminPermission = "manage_users"
	PermViewUsage         AdminPermission = "view_usage"
)

// AllPermissions lists every capability in display order.
var AllPermissions = []AdminPermission{
	PermProvisionKeys,
	PermListKeys,
	PermRevokeKeys,
	PermUpdateKeyLimits,
	PermManageAdminTokens,
	PermViewAuditLogs,
	PermManageUsers,
	PermViewUsage,
}

// DefaultAdminPermissions is granted to tokens issued without an explicit
// permission list.
var DefaultAdminPermissions = []AdminPermission{
	PermProvisionKeys,
	PermListKeys,
	PermRevokeKeys,
	PermViewUsage,
}

func (p AdminPermission) Valid() bool {
	return slices.Contains(AllPermissions, p)
}

// AdminToken is the stored form of a service token. TokenHash digests the
// full JWT; JWTSecretHash is the HMAC key derived from a random secret
// that is discarded after issuance.
type AdminToken struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"service_name"`
	Description   string            `json:"description,omitempty"`
	TokenHash     string            `json:"token_hash"`
	TokenPrefix   string            `json:"token_prefix"`
	JWTSecretHash string            `json:"jwt_secret_hash"`
	Permissions   []AdminPermission `json:"permissions"`
	IsSuperAdmin  bool              `json:"is_super_admin"`
	IsActive      bool              `json:"is_active"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty"`
	LastUsedIP    string            `json:"last_used_ip,omitempty"`
	UsageCount    int64             `json:"usage_count"`
}

func (t *AdminToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// HasPermission reports whether the token grants perm. Super admins
// hold every permission.
func (t *AdminToken) HasPermission(perm AdminPermission) bool {
	return t.IsSuperAdmin || slices.Contains(t.Permissions, perm)
}

// AdminAction names an audited admin operation.
type AdminAction string

const (
	ActionProvisionKey  AdminAction = "provision_key"
	ActionRevokeKey     AdminAction = "revoke_key"
	ActionListKeys      AdminAction = "list_keys"
	ActionUpdateLimits  AdminAction = "update_key_limits"
	ActionIssueToken    AdminAction = "issue_admin_token"
	ActionListTokens    AdminAction = "list_admin_tokens"
	ActionRevokeToken   AdminAction = "revoke_admin_token"
	ActionViewAuditLogs AdminAction = "view_audit_logs"
	ActionViewUsage     AdminAction = "view_usage"
	ActionManageUsers   AdminAction = "manage_users"
	ActionIntrospect    AdminAction = "introspect"
)

// AdminTokenUsage is one audit row.
type AdminTokenUsage struct {
	ID             int64       `json:"id"`
	AdminTokenID   string      `json:"admin_token_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Action         AdminAction `json:"action"`
	TargetResource string      `json:"target_resource,omitempty"`
	IPAddress      string      `json:"ip_address,omitempty"`
	UserAgent      string      `json:"user_agent,omitempty"`
	Success        bool        `json:"success"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	ResponseTimeMS int         `json:"response_time_ms,omitempty"`
}

// ProvisionedKeyStatus is the state of an admin-issued key.
type ProvisionedKeyStatus string

const (
	ProvisionedActive  ProvisionedKeyStatus = "active"
	ProvisionedRevoked ProvisionedKeyStatus = "revoked"
)

// AdminProvisionedKey records an API key issued by an admin token.
type AdminProvisionedKey struct {
	ID                   string               `json:"id"`
	AdminTokenID         string               `json:"admin_token_id"`
	APIKeyID             string               `json:"api_key_id"`
	UserEmail            string               `json:"user_email"`
	Tier                 APIKeyTier           `json:"tier"`
	RateLimit            RateLimit            `json:"rate_limit"`
	ProvisionedByService string               `json:"provisioned_by_service"`
	Status               ProvisionedKeyStatus `json:"status"`
	CreatedAt            time.Time            `json:"created_at"`
	RevokedAt            *time.Time           `json:"revoked_at,omitempty"`
	RevokedReason        string               `json:"revoked_reason,omitempty"`
}

// A2AClient is a registered agent. ClientSecretHash digests the secret
// returned once at registration.
type A2AClient struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	PublicKey        string    `json:"public_key,omitempty"`
	ClientSecretHash string    `json:"client_secret_hash"`
	Capabilities     []string  `json:"capabilities"`
	RedirectURIs     []string  `json:"redirect_uris"`
	ContactEmail     string    `json:"contact_email,omitempty"`
	RateLimitPerMin  int       `json:"rate_limit_per_minute"`
	RateLimitPerDay  int       `json:"rate_limit_per_day"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// A2ASession is a delegation of scopes to a client. The bearer token is
// stored only as TokenHash.
type A2ASession struct {
	ID            string    `json:"id"`
	TokenHash     string    `json:"token_hash"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id,omitempty"`
	GrantedScopes []string  `json:"granted_scopes"`
	IsActive      bool      `json:"is_active"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsValid reports whether the session is active and unexpired at now.
func (s *A2ASession) IsValid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// HasScope reports whether scope was granted.
func (s *A2ASession) HasScope(scope string) bool {
	return slices.Contains(s.GrantedScopes, scope)
}

// TaskStatus is the state of an A2A task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type A2ATask struct {
	ID           string         `json:"id"`
	ClientID     string         `json:"client_id"`
	SessionID    string         `json:"session_id"`
	TaskType     string         `json:"task_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       TaskStatus     `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// TaskUpdate carries the fields written alongside a status transition.
type TaskUpdate struct {
	Result       map[string]any
	ErrorMessage string
	At           time.Time
}

// SecretHash exposes the stored digest for prefix-and-hash resolution.
func (k *APIKey) SecretHash() string { return k.KeyHash }

func (t *AdminToken) SecretHash() string { return t.TokenHash }
