package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/gatekeeper/internal/models"
	"github.com/lib/pq"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// SQLStore implements DB over database/sql. Queries are written with ?
// placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// insert runs an INSERT and maps constraint failures.
func (s *SQLStore) insert(ctx context.Context, what, q string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(q), args...); err != nil {
		switch {
		case isUniqueViolation(err):
			return conflict(what)
		case isForeignKeyViolation(err):
			return notFound(what + " parent")
		}
		return unavailable("create "+what, err)
	}
	return nil
}

// update runs a single-row UPDATE or DELETE and reports ErrNotFound when
// nothing matched.
func (s *SQLStore) update(ctx context.Context, what, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return unavailable("update "+what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update "+what, err)
	}
	if n == 0 {
		return notFound(what)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// Users

const userCols = `id, email, display_name, password_hash, tier, is_active, created_at, last_active`

func scanUser(sc scanner) (*models.User, error) {
	var u models.User
	var tier string
	var created, active int64
	if err := sc.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &tier, &u.IsActive, &created, &active); err != nil {
		return nil, err
	}
	u.Tier = models.UserTier(tier)
	u.CreatedAt = fromMillis(created)
	u.LastActive = fromMillis(active)
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, u *models.User) error {
	return s.insert(ctx, "user",
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, string(u.Tier), u.IsActive, millis(u.CreatedAt), millis(u.LastActive))
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userCols+` FROM users WHERE `+where), arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user")
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return u, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `lower(email) = lower(?)`, email)
}

func (s *SQLStore) UpdateUserTier(ctx context.Context, id string, tier models.UserTier) error {
	return s.update(ctx, "user", `UPDATE users SET tier = ? WHERE id = ?`, string(tier), id)
}

func (s *SQLStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "user", `UPDATE users SET last_active = ? WHERE id = ?`, millis(at), id)
}

func (s *SQLStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, unavailable("count users", err)
	}
	return n, nil
}

// Provider tokens

func (s *SQLStore) UpsertProviderToken(ctx context.Context, pt *models.ProviderToken) error {
	q := `INSERT INTO provider_tokens (user_id, provider, access_token, refresh_token, nonce, expires_at, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			nonce = excluded.nonce,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at`
	return s.insert(ctx, "provider token", q,
		pt.UserID, pt.Provider, pt.Token.AccessToken, pt.Token.RefreshToken, pt.Token.Nonce,
		millis(pt.Token.ExpiresAt), pt.Token.Scope, millis(pt.UpdatedAt))
}

func (s *SQLStore) GetProviderToken(ctx context.Context, userID, provider string) (*models.ProviderToken, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT user_id, provider, access_token, refresh_token, nonce, expires_at, scope, updated_at
		FROM provider_tokens WHERE user_id = ? AND provider = ?`), userID, provider)
	var pt models.ProviderToken
	var expires, updated int64
	err := row.Scan(&pt.UserID, &pt.Provider, &pt.Token.AccessToken, &pt.Token.RefreshToken, &pt.Token.Nonce, &expires, &pt.Token.Scope, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("provider token")
	}
	if err != nil {
		return nil, unavailable("get provider token", err)
	}
	pt.Token.ExpiresAt = fromMillis(expires)
	pt.UpdatedAt = fromMillis(updated)
	return &pt, nil
}

func (s *SQLStore) DeleteProviderToken(ctx context.Context, userID, provider string) error {
	return s.update(ctx, "provider token", `DELETE FROM provider_tokens WHERE user_id = ? AND provider = ?`, userID, provider)
}

// API keys

const apiKeyCols = `k.id, k.user_id, k.name, k.description, k.key_prefix, k.key_hash, k.tier,
	k.rate_limit_requests, k.rate_limit_window_ms, k.is_active, k.last_used_at, k.expires_at, k.created_at, k.updated_at`

func scanAPIKey(sc scanner) (*models.APIKey, error) {
	var k models.APIKey
	var tier string
	var windowMS, created, updated int64
	var lastUsed, expires sql.NullInt64
	if err := sc.Scan(&k.ID, &k.UserID, &k.Name, &k.Description, &k.KeyPrefix, &k.KeyHash, &tier,
		&k.RateLimit.Requests, &windowMS, &k.IsActive, &lastUsed, &expires, &created, &updated); err != nil {
		return nil, err
	}
	k.Tier = models.APIKeyTier(tier)
	k.RateLimit.Window = time.Duration(windowMS) * time.Millisecond
	k.LastUsedAt = timePtr(lastUsed)
	k.ExpiresAt = timePtr(expires)
	k.CreatedAt = fromMillis(created)
	k.UpdatedAt = fromMillis(updated)
	return &k, nil
}

func (s *SQLStore) queryAPIKeys(ctx context.Context, op, q string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	return s.insert(ctx, "api key",
		`INSERT INTO api_keys (id, user_id, name, description, key_prefix, key_hash, tier,
			rate_limit_requests, rate_limit_window_ms, is_active, last_used_at, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.Description, k.KeyPrefix, k.KeyHash, string(k.Tier),
		k.RateLimit.Requests, k.RateLimit.Window.Milliseconds(), k.IsActive,
		nullMillis(k.LastUsedAt), nullMillis(k.ExpiresAt), millis(k.CreatedAt), millis(k.UpdatedAt))
}

func (s *SQLStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+apiKeyCols+` FROM api_keys k WHERE k.id = ?`), id)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("api key")
	}
	if err != nil {
		return nil, unavailable("get api key", err)
	}
	return k, nil
}

func (s *SQLStore) ListActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "list api keys by prefix",
		`SELECT `+apiKeyCols+` FROM api_keys k WHERE k.key_prefix = ? AND k.is_active = ?`, prefix, true)
}

func (s *SQLStore) ListAPIKeys(ctx context.Context, f models.APIKeyFilter) ([]*models.APIKey, error) {
	q := `SELECT ` + apiKeyCols + ` FROM api_keys k JOIN users u ON u.id = k.user_id WHERE 1 = 1`
	var args []any
	if f.UserID != "" {
		q += ` AND k.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.UserEmail != "" {
		q += ` AND lower(u.email) = lower(?)`
		args = append(args, f.UserEmail)
	}
	if f.ActiveOnly {
		q += ` AND k.is_active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY k.created_at DESC, k.id`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}
	return s.queryAPIKeys(ctx, "list api keys", q, args...)
}

func (s *SQLStore) DeactivateAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "api key", `UPDATE api_keys SET is_active = ?, updated_at = ? WHERE id = ?`, false, millis(at), id)
}

func (s *SQLStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "api key", `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, millis(at), id)
}

func (s *SQLStore) UpdateAPIKeyRateLimit(ctx context.Context, id string, rl models.RateLimit, at time.Time) error {
	return s.update(ctx, "api key",
		`UPDATE api_keys SET rate_limit_requests = ?, rate_limit_window_ms = ?, updated_at = ? WHERE id = ?`,
		rl.Requests, rl.Window.Milliseconds(), millis(at), id)
}

func (s *SQLStore) DeactivateExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE api_keys SET is_active = ?, updated_at = ?
		WHERE is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?`), false, millis(now), true, millis(now))
	if err != nil {
		return 0, unavailable("expire api keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("expire api keys", err)
	}
	return n, nil
}

func (s *SQLStore) ListExpiredAPIKeys(ctx context.Context, now time.Time) ([]*models.APIKey, error) {
	return s.queryAPIKeys(ctx, "list expired api keys",
		`SELECT `+apiKeyCols+` FROM api_keys k
		WHERE k.expires_at IS NOT NULL AND k.expires_at <= ?
		ORDER BY k.expires_at, k.id`, millis(now))
}

func (s *SQLStore) CountActiveAPIKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM api_keys WHERE is_active = ?`), true).Scan(&n); err != nil {
		return 0, unavailable("count api keys", err)
	}
	return n, nil
}

// Usage

func usageTable(kind models.SubjectKind) (table, column string, ok bool) {
	switch kind {
	case models.SubjectAPIKey:
		return "api_key_usage", "api_key_id", true
	case models.SubjectA2AClient:
		return "a2a_usage", "client_id", true
	case models.SubjectUser:
		return "user_usage", "user_id", true
	}
	return "", "", false
}

func (s *SQLStore) AppendUsage(ctx context.Context, u *models.Usage) error {
	var q string
	var args []any
	switch u.Subject.Kind {
	case models.SubjectAPIKey:
		q = `INSERT INTO api_key_usage (api_key_id, recorded_at, tool_name, status_code, response_time_ms,
			request_bytes, response_bytes, error_message, ip_address, user_agent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
		args = []any{u.Subject.ID, millis(u.Timestamp), u.ToolName, u.StatusCode, u.ResponseTimeMS,
			u.RequestBytes, u.ResponseBytes, u.ErrorMessage, u.IPAddress, u.UserAgent}
	case models.SubjectA2AClient:
		q = `INSERT INTO a2a_usage (client_id, session_id, recorded_at, tool_name, task_type, protocol_version,
			status_code, response_time_ms, request_bytes, response_bytes, error_message, ip_address, user_agent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
		args = []any{u.Subject.ID, u.SessionID, millis(u.Timestamp), u.ToolName, u.TaskType, u.ProtocolVersion,
			u.StatusCode, u.ResponseTimeMS, u.RequestBytes, u.ResponseBytes, u.ErrorMessage, u.IPAddress, u.UserAgent}
	case models.SubjectUser:
		q = `INSERT INTO user_usage (user_id, recorded_at, tool_name, status_code, response_time_ms,
			request_bytes, response_bytes, error_message, ip_address, user_agent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
		args = []any{u.Subject.ID, millis(u.Timestamp), u.ToolName, u.StatusCode, u.ResponseTimeMS,
			u.RequestBytes, u.ResponseBytes, u.ErrorMessage, u.IPAddress, u.UserAgent}
	default:
		return notFound("usage subject")
	}
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&u.ID); err != nil {
		if isForeignKeyViolation(err) {
			return notFound(string(u.Subject.Kind))
		}
		return unavailable("append usage", err)
	}
	return nil
}

func (s *SQLStore) CountUsageSince(ctx context.Context, subj models.Subject, since time.Time) (int64, error) {
	table, col, ok := usageTable(subj.Kind)
	if !ok {
		return 0, notFound("usage subject")
	}
	var n int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ? AND recorded_at >= ?`, table, col)
	if err := s.db.QueryRowContext(ctx, s.rebind(q), subj.ID, millis(since)).Scan(&n); err != nil {
		return 0, unavailable("count usage", err)
	}
	return n, nil
}

func (s *SQLStore) UsageStats(ctx context.Context, subj models.Subject, start, end time.Time) (*models.UsageStats, error) {
	table, col, ok := usageTable(subj.Kind)
	if !ok {
		return nil, notFound("usage subject")
	}
	q := fmt.Sprintf(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status_code >= 200 AND status_code < 300 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
			COALESCE(CAST(AVG(response_time_ms) AS DOUBLE PRECISION), 0),
			COALESCE(SUM(request_bytes), 0),
			COALESCE(SUM(response_bytes), 0)
		FROM %s WHERE %s = ? AND recorded_at >= ? AND recorded_at <= ?`, table, col)
	stats := &models.UsageStats{Subject: subj, PeriodStart: start, PeriodEnd: end}
	err := s.db.QueryRowContext(ctx, s.rebind(q), subj.ID, millis(start), millis(end)).Scan(
		&stats.TotalRequests, &stats.SuccessfulCalls, &stats.FailedCalls,
		&stats.AvgResponseTimeMS, &stats.RequestBytes, &stats.ResponseBytes)
	if err != nil {
		return nil, unavailable("usage stats", err)
	}
	return stats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLStore) ListUsage(ctx context.Context, f models.UsageFilter) ([]*models.Usage, error) {
	table, col, ok := usageTable(f.Subject.Kind)
	if !ok {
		return nil, notFound("usage subject")
	}
	a2aCols := `'', '', ''`
	if f.Subject.Kind == models.SubjectA2AClient {
		a2aCols = `session_id, task_type, protocol_version`
	}
	q := fmt.Sprintf(`SELECT id, %s, recorded_at, tool_name, status_code, response_time_ms, request_bytes,
		response_bytes, error_message, ip_address, user_agent, %s FROM %s WHERE 1 = 1`, col, a2aCols, table)
	var args []any
	if f.Subject.ID != "" {
		q += ` AND ` + col + ` = ?`
		args = append(args, f.Subject.ID)
	}
	if !f.Start.IsZero() {
		q += ` AND recorded_at >= ?`
		args = append(args, millis(f.Start))
	}
	if !f.End.IsZero() {
		q += ` AND recorded_at <= ?`
		args = append(args, millis(f.End))
	}
	if f.StatusPrefix != "" {
		q += ` AND CAST(status_code AS TEXT) LIKE ? ESCAPE '\'`
		args = append(args, likeEscaper.Replace(f.StatusPrefix)+"%")
	}
	if f.ToolContains != "" {
		q += ` AND lower(tool_name) LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(f.ToolContains))+"%")
	}
	q += ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("list usage", err)
	}
	defer rows.Close()
	var out []*models.Usage
	for rows.Next() {
		u := models.Usage{Subject: models.Subject{Kind: f.Subject.Kind}}
		var recorded int64
		if err := rows.Scan(&u.ID, &u.Subject.ID, &recorded, &u.ToolName, &u.StatusCode, &u.ResponseTimeMS,
			&u.RequestBytes, &u.ResponseBytes, &u.ErrorMessage, &u.IPAddress, &u.UserAgent,
			&u.SessionID, &u.TaskType, &u.ProtocolVersion); err != nil {
			return nil, unavailable("list usage", err)
		}
		u.Timestamp = fromMillis(recorded)
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list usage", err)
	}
	return out, nil
}

// Admin tokens

const adminTokenCols = `id, service_name, description, token_hash, token_prefix, jwt_secret_hash, permissions,
	is_super_admin, is_active, created_at, expires_at, last_used_at, last_used_ip, usage_count`

func scanAdminToken(sc scanner) (*models.AdminToken, error) {
	var t models.AdminToken
	var perms string
	var created int64
	var expires, lastUsed sql.NullInt64
	if err := sc.Scan(&t.ID, &t.ServiceName, &t.Description, &t.TokenHash, &t.TokenPrefix, &t.JWTSecretHash, &perms,
		&t.IsSuperAdmin, &t.IsActive, &created, &expires, &lastUsed, &t.LastUsedIP, &t.UsageCount); err != nil {
		return nil, err
	}
	if err := decodeJSON(perms, &t.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = timePtr(expires)
	t.LastUsedAt = timePtr(lastUsed)
	return &t, nil
}

func (s *SQLStore) queryAdminTokens(ctx context.Context, op, q string, args ...any) ([]*models.AdminToken, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []*models.AdminToken
	for rows.Next() {
		t, err := scanAdminToken(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *SQLStore) CreateAdminToken(ctx context.Context, t *models.AdminToken) error {
	return s.insert(ctx, "admin token",
		`INSERT INTO admin_tokens (`+adminTokenCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ServiceName, t.Description, t.TokenHash, t.TokenPrefix, t.JWTSecretHash, encodeJSON(t.Permissions),
		t.IsSuperAdmin, t.IsActive, millis(t.CreatedAt), nullMillis(t.ExpiresAt), nullMillis(t.LastUsedAt),
		t.LastUsedIP, t.UsageCount)
}

func (s *SQLStore) GetAdminToken(ctx context.Context, id string) (*models.AdminToken, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+adminTokenCols+` FROM admin_tokens WHERE id = ?`), id)
	t, err := scanAdminToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("admin token")
	}
	if err != nil {
		return nil, unavailable("get admin token", err)
	}
	return t, nil
}

func (s *SQLStore) ListAdminTokensByPrefix(ctx context.Context, prefix string) ([]*models.AdminToken, error) {
	return s.queryAdminTokens(ctx, "list admin tokens by prefix",
		`SELECT `+adminTokenCols+` FROM admin_tokens WHERE token_prefix = ?`, prefix)
}

func (s *SQLStore) ListAdminTokens(ctx context.Context, includeInactive bool) ([]*models.AdminToken, error) {
	if includeInactive {
		return s.queryAdminTokens(ctx, "list admin tokens",
			`SELECT `+adminTokenCols+` FROM admin_tokens ORDER BY created_at DESC`)
	}
	return s.queryAdminTokens(ctx, "list admin tokens",
		`SELECT `+adminTokenCols+` FROM admin_tokens WHERE is_active = ? ORDER BY created_at DESC`, true)
}

func (s *SQLStore) DeactivateAdminToken(ctx context.Context, id string) error {
	return s.update(ctx, "admin token", `UPDATE admin_tokens SET is_active = ? WHERE id = ?`, false, id)
}

func (s *SQLStore) TouchAdminToken(ctx context.Context, id string, at time.Time, ip string) error {
	return s.update(ctx, "admin token",
		`UPDATE admin_tokens SET last_used_at = ?,
			last_used_ip = CASE WHEN ? = '' THEN last_used_ip ELSE ? END,
			usage_count = usage_count + 1
		WHERE id = ?`, millis(at), ip, ip, id)
}

func (s *SQLStore) AppendAdminTokenUsage(ctx context.Context, u *models.AdminTokenUsage) error {
	q := `INSERT INTO admin_token_usage (admin_token_id, recorded_at, action, target_resource, ip_address,
			user_agent, success, error_message, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err := s.db.QueryRowContext(ctx, s.rebind(q), u.AdminTokenID, millis(u.Timestamp), string(u.Action),
		u.TargetResource, u.IPAddress, u.UserAgent, u.Success, u.ErrorMessage, u.ResponseTimeMS).Scan(&u.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFound("admin token")
		}
		return unavailable("append admin token usage", err)
	}
	return nil
}

func (s *SQLStore) ListAdminTokenUsage(ctx context.Context, tokenID string, start, end time.Time) ([]*models.AdminTokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, admin_token_id, recorded_at, action, target_resource,
			ip_address, user_agent, success, error_message, response_time_ms
		FROM admin_token_usage
		WHERE admin_token_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at DESC, id DESC`), tokenID, millis(start), millis(end))
	if err != nil {
		return nil, unavailable("list admin token usage", err)
	}
	defer rows.Close()
	var out []*models.AdminTokenUsage
	for rows.Next() {
		var u models.AdminTokenUsage
		var ts int64
		var action string
		if err := rows.Scan(&u.ID, &u.AdminTokenID, &ts, &action, &u.TargetResource, &u.IPAddress,
			&u.UserAgent, &u.Success, &u.ErrorMessage, &u.ResponseTimeMS); err != nil {
			return nil, unavailable("list admin token usage", err)
		}
		u.Timestamp = fromMillis(ts)
		u.Action = models.AdminAction(action)
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list admin token usage", err)
	}
	return out, nil
}

func (s *SQLStore) CreateProvisionedKey(ctx context.Context, p *models.AdminProvisionedKey) error {
	return s.insert(ctx, "provisioned key",
		`INSERT INTO admin_provisioned_keys (id, admin_token_id, api_key_id, user_email, tier, rate_limit_requests,
			rate_limit_window_ms, provisioned_by_service, status, created_at, revoked_at, revoked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AdminTokenID, p.APIKeyID, p.UserEmail, string(p.Tier), p.RateLimit.Requests,
		p.RateLimit.Window.Milliseconds(), p.ProvisionedByService, string(p.Status), millis(p.CreatedAt),
		nullMillis(p.RevokedAt), p.RevokedReason)
}

func (s *SQLStore) ListProvisionedKeys(ctx context.Context, tokenID string) ([]*models.AdminProvisionedKey, error) {
	q := `SELECT id, admin_token_id, api_key_id, user_email, tier, rate_limit_requests, rate_limit_window_ms,
			provisioned_by_service, status, created_at, revoked_at, revoked_reason
		FROM admin_provisioned_keys`
	var args []any
	if tokenID != "" {
		q += ` WHERE admin_token_id = ?`
		args = append(args, tokenID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("list provisioned keys", err)
	}
	defer rows.Close()
	var out []*models.AdminProvisionedKey
	for rows.Next() {
		var p models.AdminProvisionedKey
		var tier, status string
		var windowMS, created int64
		var revoked sql.NullInt64
		if err := rows.Scan(&p.ID, &p.AdminTokenID, &p.APIKeyID, &p.UserEmail, &tier, &p.RateLimit.Requests, &windowMS,
			&p.ProvisionedByService, &status, &created, &revoked, &p.RevokedReason); err != nil {
			return nil, unavailable("list provisioned keys", err)
		}
		p.Tier = models.APIKeyTier(tier)
		p.Status = models.ProvisionedKeyStatus(status)
		p.RateLimit.Window = time.Duration(windowMS) * time.Millisecond
		p.CreatedAt = fromMillis(created)
		p.RevokedAt = timePtr(revoked)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list provisioned keys", err)
	}
	return out, nil
}

func (s *SQLStore) RevokeProvisionedKey(ctx context.Context, apiKeyID, reason string, at time.Time) error {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM admin_provisioned_keys WHERE api_key_id = ?`), apiKeyID).Scan(&n)
	if err != nil {
		return unavailable("revoke provisioned key", err)
	}
	if n == 0 {
		return notFound("provisioned key")
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE admin_provisioned_keys
		SET status = ?, revoked_at = ?, revoked_reason = ?
		WHERE api_key_id = ? AND status = ?`),
		string(models.ProvisionedRevoked), millis(at), reason, apiKeyID, string(models.ProvisionedActive))
	if err != nil {
		return unavailable("revoke provisioned key", err)
	}
	return nil
}

// A2A clients

const clientCols = `id, user_id, name, description, public_key, client_secret_hash, capabilities, redirect_uris,
	contact_email, rate_limit_per_minute, rate_limit_per_day, is_active, created_at, updated_at`

func scanClient(sc scanner) (*models.A2AClient, error) {
	var c models.A2AClient
	var caps, uris string
	var created, updated int64
	if err := sc.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.PublicKey, &c.ClientSecretHash, &caps, &uris,
		&c.ContactEmail, &c.RateLimitPerMin, &c.RateLimitPerDay, &c.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeJSON(caps, &c.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := decodeJSON(uris, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func (s *SQLStore) CreateA2AClient(ctx context.Context, c *models.A2AClient) error {
	return s.insert(ctx, "a2a client",
		`INSERT INTO a2a_clients (`+clientCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Description, c.PublicKey, c.ClientSecretHash, encodeJSON(c.Capabilities),
		encodeJSON(c.RedirectURIs), c.ContactEmail, c.RateLimitPerMin, c.RateLimitPerDay, c.IsActive,
		millis(c.CreatedAt), millis(c.UpdatedAt))
}

func (s *SQLStore) GetA2AClient(ctx context.Context, id string) (*models.A2AClient, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+clientCols+` FROM a2a_clients WHERE id = ?`), id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("a2a client")
	}
	if err != nil {
		return nil, unavailable("get a2a client", err)
	}
	return c, nil
}

func (s *SQLStore) ListA2AClients(ctx context.Context, userID string) ([]*models.A2AClient, error) {
	q := `SELECT ` + clientCols + ` FROM a2a_clients`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("list a2a clients", err)
	}
	defer rows.Close()
	var out []*models.A2AClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, unavailable("list a2a clients", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list a2a clients", err)
	}
	return out, nil
}

func (s *SQLStore) DeactivateA2AClient(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "a2a client", `UPDATE a2a_clients SET is_active = ?, updated_at = ? WHERE id = ?`, false, millis(at), id)
}

// A2A sessions

const sessionCols = `id, token_hash, client_id, user_id, granted_scopes, is_active, expires_at, last_active_at, created_at`

func scanSession(sc scanner) (*models.A2ASession, error) {
	var sess models.A2ASession
	var scopes string
	var expires, lastActive, created int64
	if err := sc.Scan(&sess.ID, &sess.TokenHash, &sess.ClientID, &sess.UserID, &scopes, &sess.IsActive,
		&expires, &lastActive, &created); err != nil {
		return nil, err
	}
	if err := decodeJSON(scopes, &sess.GrantedScopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	sess.ExpiresAt = fromMillis(expires)
	sess.LastActiveAt = fromMillis(lastActive)
	sess.CreatedAt = fromMillis(created)
	return &sess, nil
}

func (s *SQLStore) CreateA2ASession(ctx context.Context, sess *models.A2ASession) error {
	return s.insert(ctx, "a2a session",
		`INSERT INTO a2a_sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TokenHash, sess.ClientID, sess.UserID, encodeJSON(sess.GrantedScopes), sess.IsActive,
		millis(sess.ExpiresAt), millis(sess.LastActiveAt), millis(sess.CreatedAt))
}

func (s *SQLStore) getSession(ctx context.Context, where string, arg any) (*models.A2ASession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionCols+` FROM a2a_sessions WHERE `+where), arg)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("a2a session")
	}
	if err != nil {
		return nil, unavailable("get a2a session", err)
	}
	return sess, nil
}

func (s *SQLStore) GetA2ASession(ctx context.Context, id string) (*models.A2ASession, error) {
	return s.getSession(ctx, `id = ?`, id)
}

func (s *SQLStore) GetA2ASessionByTokenHash(ctx context.Context, hash string) (*models.A2ASession, error) {
	return s.getSession(ctx, `token_hash = ?`, hash)
}

func (s *SQLStore) TouchA2ASession(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "a2a session", `UPDATE a2a_sessions SET last_active_at = ? WHERE id = ?`, millis(at), id)
}

func (s *SQLStore) DeactivateA2ASession(ctx context.Context, id string) error {
	return s.update(ctx, "a2a session", `UPDATE a2a_sessions SET is_active = ? WHERE id = ?`, false, id)
}

// A2A tasks

const taskCols = `id, client_id, session_id, task_type, parameters, status, result, error_message,
	created_at, updated_at, completed_at`

func scanTask(sc scanner) (*models.A2ATask, error) {
	var t models.A2ATask
	var params, result, status string
	var created, updated int64
	var completed sql.NullInt64
	if err := sc.Scan(&t.ID, &t.ClientID, &t.SessionID, &t.TaskType, &params, &status, &result, &t.ErrorMessage,
		&created, &updated, &completed); err != nil {
		return nil, err
	}
	if err := decodeJSON(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	t.Status = models.TaskStatus(status)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func optionalJSON(m map[string]any) string {
	if m == nil {
		return ""
	}
	return encodeJSON(m)
}

func (s *SQLStore) CreateA2ATask(ctx context.Context, t *models.A2ATask) error {
	return s.insert(ctx, "a2a task",
		`INSERT INTO a2a_tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.SessionID, t.TaskType, optionalJSON(t.Parameters), string(t.Status),
		optionalJSON(t.Result), t.ErrorMessage, millis(t.CreatedAt), millis(t.UpdatedAt), nullMillis(t.CompletedAt))
}

func (s *SQLStore) GetA2ATask(ctx context.Context, id string) (*models.A2ATask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskCols+` FROM a2a_tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("a2a task")
	}
	if err != nil {
		return nil, unavailable("get a2a task", err)
	}
	return t, nil
}

func (s *SQLStore) ListA2ATasks(ctx context.Context, clientID string, limit int) ([]*models.A2ATask, error) {
	q := `SELECT ` + taskCols + ` FROM a2a_tasks WHERE client_id = ? ORDER BY created_at DESC`
	args := []any{clientID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("list a2a tasks", err)
	}
	defer rows.Close()
	var out []*models.A2ATask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("list a2a tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list a2a tasks", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateA2ATaskStatus(ctx context.Context, id string, from, to models.TaskStatus, upd models.TaskUpdate) (bool, error) {
	var completed sql.NullInt64
	if to.Terminal() {
		completed = sql.NullInt64{Int64: millis(upd.At), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE a2a_tasks SET
			status = ?,
			updated_at = ?,
			result = CASE WHEN ? = '' THEN result ELSE ? END,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`),
		string(to), millis(upd.At),
		optionalJSON(upd.Result), optionalJSON(upd.Result),
		upd.ErrorMessage, upd.ErrorMessage,
		completed, id, string(from))
	if err != nil {
		return false, unavailable("update a2a task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("update a2a task", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetA2ATask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
