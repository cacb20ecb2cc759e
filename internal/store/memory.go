package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/gatekeeper/internal/models"
)

// MemDB keeps everything in process memory. Rows are copied on the way
// in and out so callers never share state with the store.
type MemDB struct {
	mu sync.RWMutex

	users          map[string]*models.User
	providerTokens map[string]*models.ProviderToken
	apiKeys        map[string]*models.APIKey
	usage          map[models.Subject][]*models.Usage
	adminTokens    map[string]*models.AdminToken
	adminUsage     map[string][]*models.AdminTokenUsage
	provisioned    []*models.AdminProvisionedKey
	clients        map[string]*models.A2AClient
	sessions       map[string]*models.A2ASession
	tasks          map[string]*models.A2ATask
	seq            int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:          map[string]*models.User{},
		providerTokens: map[string]*models.ProviderToken{},
		apiKeys:        map[string]*models.APIKey{},
		usage:          map[models.Subject][]*models.Usage{},
		adminTokens:    map[string]*models.AdminToken{},
		adminUsage:     map[string][]*models.AdminTokenUsage{},
		clients:        map[string]*models.A2AClient{},
		sessions:       map[string]*models.A2ASession{},
		tasks:          map[string]*models.A2ATask{},
	}
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error { return nil }

func (m *MemDB) nextID() int64 {
	m.seq++
	return m.seq
}

// Users

func (m *MemDB) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return conflict("user")
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return conflict("user email")
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *MemDB) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("user")
	}
	c := *u
	return &c, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, notFound("user")
}

func (m *MemDB) UpdateUserTier(_ context.Context, id string, tier models.UserTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return notFound("user")
	}
	u.Tier = tier
	return nil
}

func (m *MemDB) TouchUser(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return notFound("user")
	}
	u.LastActive = at
	return nil
}

func (m *MemDB) CountUsers(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

// Provider tokens

func providerKey(userID, provider string) string { return userID + "\x00" + provider }

func (m *MemDB) UpsertProviderToken(_ context.Context, pt *models.ProviderToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[pt.UserID]; !ok {
		return notFound("user")
	}
	c := *pt
	m.providerTokens[providerKey(pt.UserID, pt.Provider)] = &c
	return nil
}

func (m *MemDB) GetProviderToken(_ context.Context, userID, provider string) (*models.ProviderToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pt, ok := m.providerTokens[providerKey(userID, provider)]
	if !ok {
		return nil, notFound("provider token")
	}
	c := *pt
	return &c, nil
}

func (m *MemDB) DeleteProviderToken(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := providerKey(userID, provider)
	if _, ok := m.providerTokens[k]; !ok {
		return notFound("provider token")
	}
	delete(m.providerTokens, k)
	return nil
}

// API keys

func cloneAPIKey(k *models.APIKey) *models.APIKey {
	c := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *MemDB) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[k.UserID]; !ok {
		return notFound("user")
	}
	if _, ok := m.apiKeys[k.ID]; ok {
		return conflict("api key")
	}
	for _, existing := range m.apiKeys {
		if existing.KeyHash == k.KeyHash {
			return conflict("api key hash")
		}
	}
	m.apiKeys[k.ID] = cloneAPIKey(k)
	return nil
}

func (m *MemDB) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, notFound("api key")
	}
	return cloneAPIKey(k), nil
}

func (m *MemDB) ListActiveAPIKeysByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.IsActive {
			out = append(out, cloneAPIKey(k))
		}
	}
	return out, nil
}

func (m *MemDB) ListAPIKeys(_ context.Context, f models.APIKeyFilter) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if f.UserID != "" && k.UserID != f.UserID {
			continue
		}
		if f.UserEmail != "" {
			u, ok := m.users[k.UserID]
			if !ok || !strings.EqualFold(u.Email, f.UserEmail) {
				continue
			}
		}
		if f.ActiveOnly && !k.IsActive {
			continue
		}
		out = append(out, cloneAPIKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Limit, f.Offset), nil
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (m *MemDB) DeactivateAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return notFound("api key")
	}
	k.IsActive = false
	k.UpdatedAt = at
	return nil
}

func (m *MemDB) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return notFound("api key")
	}
	k.LastUsedAt = &at
	return nil
}

func (m *MemDB) UpdateAPIKeyRateLimit(_ context.Context, id string, rl models.RateLimit, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return notFound("api key")
	}
	k.RateLimit = rl
	k.UpdatedAt = at
	return nil
}

func (m *MemDB) DeactivateExpiredAPIKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.apiKeys {
		if k.IsActive && k.Expired(now) {
			k.IsActive = false
			k.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemDB) ListExpiredAPIKeys(_ context.Context, now time.Time) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.Expired(now) {
			out = append(out, cloneAPIKey(k))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (m *MemDB) CountActiveAPIKeys(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, k := range m.apiKeys {
		if k.IsActive {
			n++
		}
	}
	return n, nil
}

// Usage

func (m *MemDB) AppendUsage(_ context.Context, u *models.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch u.Subject.Kind {
	case models.SubjectAPIKey:
		if _, ok := m.apiKeys[u.Subject.ID]; !ok {
			return notFound("api key")
		}
	case models.SubjectA2AClient:
		if _, ok := m.clients[u.Subject.ID]; !ok {
			return notFound("a2a client")
		}
	case models.SubjectUser:
		if _, ok := m.users[u.Subject.ID]; !ok {
			return notFound("user")
		}
	default:
		return notFound("usage subject")
	}
	c := *u
	c.ID = m.nextID()
	u.ID = c.ID
	m.usage[u.Subject] = append(m.usage[u.Subject], &c)
	return nil
}

func (m *MemDB) CountUsageSince(_ context.Context, s models.Subject, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, u := range m.usage[s] {
		if !u.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemDB) ListUsage(_ context.Context, f models.UsageFilter) ([]*models.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Usage
	for subj, rows := range m.usage {
		if subj.Kind != f.Subject.Kind || (f.Subject.ID != "" && subj.ID != f.Subject.ID) {
			continue
		}
		for _, u := range rows {
			if f.Match(u) {
				c := *u
				out = append(out, &c)
			}
		}
	}
	return sortUsage(out, f.Limit), nil
}

func (m *MemDB) UsageStats(_ context.Context, s models.Subject, start, end time.Time) (*models.UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &models.UsageStats{Subject: s, PeriodStart: start, PeriodEnd: end}
	var totalMS int64
	for _, u := range m.usage[s] {
		if u.Timestamp.Before(start) || u.Timestamp.After(end) {
			continue
		}
		stats.TotalRequests++
		if successful(u.StatusCode) {
			stats.SuccessfulCalls++
		}
		if failed(u.StatusCode) {
			stats.FailedCalls++
		}
		totalMS += int64(u.ResponseTimeMS)
		stats.RequestBytes += int64(u.RequestBytes)
		stats.ResponseBytes += int64(u.ResponseBytes)
	}
	if stats.TotalRequests > 0 {
		stats.AvgResponseTimeMS = float64(totalMS) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// Admin tokens

func cloneAdminToken(t *models.AdminToken) *models.AdminToken {
	c := *t
	c.Permissions = slices.Clone(t.Permissions)
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	if t.LastUsedAt != nil {
		l := *t.LastUsedAt
		c.LastUsedAt = &l
	}
	return &c
}

func (m *MemDB) CreateAdminToken(_ context.Context, t *models.AdminToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adminTokens[t.ID]; ok {
		return conflict("admin token")
	}
	for _, existing := range m.adminTokens {
		if existing.TokenPrefix == t.TokenPrefix {
			return conflict("admin token prefix")
		}
	}
	m.adminTokens[t.ID] = cloneAdminToken(t)
	return nil
}

func (m *MemDB) GetAdminToken(_ context.Context, id string) (*models.AdminToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.adminTokens[id]
	if !ok {
		return nil, notFound("admin token")
	}
	return cloneAdminToken(t), nil
}

func (m *MemDB) ListAdminTokensByPrefix(_ context.Context, prefix string) ([]*models.AdminToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AdminToken
	for _, t := range m.adminTokens {
		if t.TokenPrefix == prefix {
			out = append(out, cloneAdminToken(t))
		}
	}
	return out, nil
}

func (m *MemDB) ListAdminTokens(_ context.Context, includeInactive bool) ([]*models.AdminToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AdminToken
	for _, t := range m.adminTokens {
		if includeInactive || t.IsActive {
			out = append(out, cloneAdminToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) DeactivateAdminToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.adminTokens[id]
	if !ok {
		return notFound("admin token")
	}
	t.IsActive = false
	return nil
}

func (m *MemDB) TouchAdminToken(_ context.Context, id string, at time.Time, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.adminTokens[id]
	if !ok {
		return notFound("admin token")
	}
	t.LastUsedAt = &at
	if ip != "" {
		t.LastUsedIP = ip
	}
	t.UsageCount++
	return nil
}

func (m *MemDB) AppendAdminTokenUsage(_ context.Context, u *models.AdminTokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adminTokens[u.AdminTokenID]; !ok {
		return notFound("admin token")
	}
	c := *u
	c.ID = m.nextID()
	u.ID = c.ID
	m.adminUsage[u.AdminTokenID] = append(m.adminUsage[u.AdminTokenID], &c)
	return nil
}

func (m *MemDB) ListAdminTokenUsage(_ context.Context, tokenID string, start, end time.Time) ([]*models.AdminTokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AdminTokenUsage
	for _, u := range m.adminUsage[tokenID] {
		if u.Timestamp.Before(start) || u.Timestamp.After(end) {
			continue
		}
		c := *u
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func cloneProvisioned(p *models.AdminProvisionedKey) *models.AdminProvisionedKey {
	c := *p
	if p.RevokedAt != nil {
		r := *p.RevokedAt
		c.RevokedAt = &r
	}
	return &c
}

func (m *MemDB) CreateProvisionedKey(_ context.Context, p *models.AdminProvisionedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adminTokens[p.AdminTokenID]; !ok {
		return notFound("admin token")
	}
	if _, ok := m.apiKeys[p.APIKeyID]; !ok {
		return notFound("api key")
	}
	m.provisioned = append(m.provisioned, cloneProvisioned(p))
	return nil
}

func (m *MemDB) ListProvisionedKeys(_ context.Context, tokenID string) ([]*models.AdminProvisionedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AdminProvisionedKey
	for _, p := range m.provisioned {
		if tokenID == "" || p.AdminTokenID == tokenID {
			out = append(out, cloneProvisioned(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) RevokeProvisionedKey(_ context.Context, apiKeyID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, p := range m.provisioned {
		if p.APIKeyID == apiKeyID {
			found = true
			if p.Status == models.ProvisionedActive {
				p.Status = models.ProvisionedRevoked
				p.RevokedAt = &at
				p.RevokedReason = reason
			}
		}
	}
	if !found {
		return notFound("provisioned key")
	}
	return nil
}

// A2A

func cloneClient(c *models.A2AClient) *models.A2AClient {
	out := *c
	out.Capabilities = slices.Clone(c.Capabilities)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &out
}

func (m *MemDB) CreateA2AClient(_ context.Context, c *models.A2AClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ID]; ok {
		return conflict("a2a client")
	}
	m.clients[c.ID] = cloneClient(c)
	return nil
}

func (m *MemDB) GetA2AClient(_ context.Context, id string) (*models.A2AClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, notFound("a2a client")
	}
	return cloneClient(c), nil
}

func (m *MemDB) ListA2AClients(_ context.Context, userID string) ([]*models.A2AClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.A2AClient
	for _, c := range m.clients {
		if userID == "" || c.UserID == userID {
			out = append(out, cloneClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) DeactivateA2AClient(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return notFound("a2a client")
	}
	c.IsActive = false
	c.UpdatedAt = at
	return nil
}

func cloneSession(s *models.A2ASession) *models.A2ASession {
	c := *s
	c.GrantedScopes = slices.Clone(s.GrantedScopes)
	return &c
}

func (m *MemDB) CreateA2ASession(_ context.Context, s *models.A2ASession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[s.ClientID]; !ok {
		return notFound("a2a client")
	}
	if _, ok := m.sessions[s.ID]; ok {
		return conflict("a2a session")
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemDB) GetA2ASession(_ context.Context, id string) (*models.A2ASession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("a2a session")
	}
	return cloneSession(s), nil
}

func (m *MemDB) GetA2ASessionByTokenHash(_ context.Context, hash string) (*models.A2ASession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.TokenHash == hash {
			return cloneSession(s), nil
		}
	}
	return nil, notFound("a2a session")
}

func (m *MemDB) TouchA2ASession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound("a2a session")
	}
	s.LastActiveAt = at
	return nil
}

func (m *MemDB) DeactivateA2ASession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound("a2a session")
	}
	s.IsActive = false
	return nil
}

func cloneTask(t *models.A2ATask) *models.A2ATask {
	c := *t
	c.Parameters = maps.Clone(t.Parameters)
	c.Result = maps.Clone(t.Result)
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

func (m *MemDB) CreateA2ATask(_ context.Context, t *models.A2ATask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[t.SessionID]; !ok {
		return notFound("a2a session")
	}
	if _, ok := m.tasks[t.ID]; ok {
		return conflict("a2a task")
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *MemDB) GetA2ATask(_ context.Context, id string) (*models.A2ATask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound("a2a task")
	}
	return cloneTask(t), nil
}

func (m *MemDB) ListA2ATasks(_ context.Context, clientID string, limit int) ([]*models.A2ATask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.A2ATask
	for _, t := range m.tasks {
		if t.ClientID == clientID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, 0), nil
}

func (m *MemDB) UpdateA2ATaskStatus(_ context.Context, id string, from, to models.TaskStatus, upd models.TaskUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, notFound("a2a task")
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = upd.At
	if upd.Result != nil {
		t.Result = maps.Clone(upd.Result)
	}
	if upd.ErrorMessage != "" {
		t.ErrorMessage = upd.ErrorMessage
	}
	if to.Terminal() {
		at := upd.At
		t.CompletedAt = &at
	}
	return true, nil
}
