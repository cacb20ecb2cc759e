package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/gatekeeper/internal/admin"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
	"github.com/gorilla/mux"
)

func currentAdmin(r *http.Request) *models.AdminToken {
	return principalFrom(r.Context()).AdminToken
}

// audit records one admin action. Recording never fails the request.
func (a *App) audit(r *http.Request, action models.AdminAction, target string, start time.Time, err error) {
	u := models.AdminTokenUsage{
		AdminTokenID:   currentAdmin(r).ID,
		Action:         action,
		TargetResource: target,
		IPAddress:      a.clientIP(r),
		UserAgent:      r.UserAgent(),
		Success:        err == nil,
		ResponseTimeMS: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		u.ErrorMessage = err.Error()
	}
	a.Admins.RecordUsage(r.Context(), u)
}

// guard checks perm and audits a denial.
func (a *App) guard(w http.ResponseWriter, r *http.Request, perm models.AdminPermission, action models.AdminAction, target string) bool {
	if err := admin.Authorize(currentAdmin(r), perm); err != nil {
		a.audit(r, action, target, time.Now(), err)
		writeServiceError(w, a.Logger, err)
		return false
	}
	return true
}

type provisionRequest struct {
	UserEmail     string            `json:"user_email"`
	Name          string            `json:"name,omitempty"`
	Tier          models.APIKeyTier `json:"tier,omitempty"`
	RateLimit     *rateLimitView    `json:"rate_limit,omitempty"`
	ExpiresInDays *int              `json:"expires_in_days,omitempty"`
}

func (a *App) HandleProvisionKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req provisionRequest
	if !decode(w, r, &req) {
		return
	}
	pr := admin.ProvisionRequest{UserEmail: req.UserEmail, Name: req.Name, Tier: req.Tier, ExpiresInDays: req.ExpiresInDays}
	if req.RateLimit != nil {
		rl := req.RateLimit.model()
		pr.RateLimit = &rl
	}
	res, err := a.Admins.ProvisionKey(r.Context(), currentAdmin(r), pr)
	target := req.UserEmail
	if res != nil {
		target = res.Key.ID
	}
	a.audit(r, models.ActionProvisionKey, target, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{
		"key":         viewKey(res.Key),
		"api_key":     res.Secret,
		"provisioned": viewProvisioned(res.Record),
	})
}

func (a *App) HandleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermListKeys, models.ActionListKeys, "") {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	q := r.URL.Query()
	keys, err := a.Keys.List(r.Context(), models.APIKeyFilter{
		UserID:     q.Get("user_id"),
		UserEmail:  q.Get("email"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	a.audit(r, models.ActionListKeys, "", start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewKeys(keys))
}

// HandleListExpiredKeys lists keys past their expiry, including those the
// sweep already deactivated.
func (a *App) HandleListExpiredKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermListKeys, models.ActionListKeys, "expired") {
		return
	}
	keys, err := a.Keys.ListExpired(r.Context())
	a.audit(r, models.ActionListKeys, "expired", start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewKeys(keys))
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleAdminRevokeKey revokes any key. Admin-provisioned keys are also
// marked revoked in their provisioning record.
func (a *App) HandleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermRevokeKeys, models.ActionRevokeKey, id) {
		return
	}
	var req revokeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	err := a.Admins.RevokeProvisionedKey(r.Context(), currentAdmin(r), id, req.Reason)
	a.audit(r, models.ActionRevokeKey, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleUpdateKeyLimits(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermUpdateKeyLimits, models.ActionUpdateLimits, id) {
		return
	}
	var req rateLimitView
	if !decode(w, r, &req) {
		return
	}
	err := a.Keys.UpdateRateLimit(r.Context(), id, req.model())
	a.audit(r, models.ActionUpdateLimits, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, req)
}

func (a *App) HandleAdminKeyUsage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermViewUsage, models.ActionViewUsage, id) {
		return
	}
	a.audit(r, models.ActionViewUsage, id, start, nil)
	a.writeKeyUsage(w, r, id)
}

// maxLogRows caps one request log page.
const maxLogRows = 1000

// HandleRequestLogs lists API key usage rows, newest first, filtered by
// key_id, start, end, status prefix and tool substring.
func (a *App) HandleRequestLogs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	keyID := q.Get("key_id")
	if !a.guard(w, r, models.PermViewUsage, models.ActionViewUsage, keyID) {
		return
	}
	f := models.UsageFilter{
		Subject:      models.Subject{ID: keyID},
		StatusPrefix: q.Get("status"),
		ToolContains: q.Get("tool"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", maxLogRows); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	if f.Limit == 0 || f.Limit > maxLogRows {
		f.Limit = maxLogRows
	}
	if f.Start, err = queryTime(r, "start"); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	if f.End, err = queryTime(r, "end"); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	rows, err := a.Keys.RequestLogs(r.Context(), f)
	a.audit(r, models.ActionViewUsage, keyID, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	if rows == nil {
		rows = []*models.Usage{}
	}
	writeSuccess(w, http.StatusOK, rows)
}

// HandleSystemStats reports the user count and the number of active keys.
func (a *App) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermViewUsage, models.ActionViewUsage, "stats") {
		return
	}
	users, err := a.Users.Count(r.Context())
	var keys int64
	if err == nil {
		keys, err = a.Keys.CountActive(r.Context())
	}
	a.audit(r, models.ActionViewUsage, "stats", start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int64{"total_users": users, "active_api_keys": keys})
}

func (a *App) HandleListProvisioned(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermListKeys, models.ActionListKeys, "provisioned") {
		return
	}
	var since, until time.Time
	if r.URL.Query().Get("start") != "" || r.URL.Query().Get("end") != "" {
		var err error
		if since, until, err = timeRange(r); err != nil {
			writeServiceError(w, a.Logger, err)
			return
		}
	}
	tokenID := r.URL.Query().Get("token_id")
	records, err := a.Admins.ListProvisionedKeys(r.Context(), tokenID, since, until)
	a.audit(r, models.ActionListKeys, "provisioned", start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	out := make([]provisionedView, 0, len(records))
	for _, p := range records {
		out = append(out, viewProvisioned(p))
	}
	writeSuccess(w, http.StatusOK, out)
}

type issueTokenRequest struct {
	ServiceName   string                   `json:"service_name"`
	Description   string                   `json:"description,omitempty"`
	Permissions   []models.AdminPermission `json:"permissions"`
	IsSuperAdmin  bool                     `json:"is_super_admin"`
	ExpiresInDays *int                     `json:"expires_in_days,omitempty"`
}

func (a *App) HandleIssueAdminToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermManageAdminTokens, models.ActionIssueToken, "") {
		return
	}
	var req issueTokenRequest
	if !decode(w, r, &req) {
		return
	}
	// Only super admins mint super admins.
	if req.IsSuperAdmin && !currentAdmin(r).IsSuperAdmin {
		err := fmt.Errorf("%w: only super admins may issue super admin tokens", apperrors.ErrUnauthorized)
		a.audit(r, models.ActionIssueToken, req.ServiceName, start, err)
		writeServiceError(w, a.Logger, err)
		return
	}
	gen, err := a.Admins.Issue(r.Context(), admin.IssueRequest{
		ServiceName:   req.ServiceName,
		Description:   req.Description,
		Permissions:   req.Permissions,
		IsSuperAdmin:  req.IsSuperAdmin,
		ExpiresInDays: req.ExpiresInDays,
	})
	target := req.ServiceName
	if gen != nil {
		target = gen.Token.ID
	}
	a.audit(r, models.ActionIssueToken, target, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"token": viewAdminToken(gen.Token), "jwt": gen.JWT})
}

func (a *App) HandleListAdminTokens(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermManageAdminTokens, models.ActionListTokens, "") {
		return
	}
	tokens, err := a.Admins.List(r.Context(), r.URL.Query().Get("include_inactive") == "true")
	a.audit(r, models.ActionListTokens, "", start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	out := make([]adminTokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, viewAdminToken(t))
	}
	writeSuccess(w, http.StatusOK, out)
}

func (a *App) HandleRevokeAdminToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermManageAdminTokens, models.ActionRevokeToken, id) {
		return
	}
	err := a.Admins.Revoke(r.Context(), id)
	a.audit(r, models.ActionRevokeToken, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleAdminAudit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermViewAuditLogs, models.ActionViewAuditLogs, id) {
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	history, err := a.Admins.UsageHistory(r.Context(), id, from, to)
	a.audit(r, models.ActionViewAuditLogs, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, history)
}

func (a *App) HandleBulkRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	var req revokeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	n, err := a.Admins.RevokeProvisionedKeys(r.Context(), currentAdmin(r), id, req.Reason)
	a.audit(r, models.ActionRevokeKey, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"revoked": n})
}

type setTierRequest struct {
	Tier models.UserTier `json:"tier"`
}

func (a *App) HandleSetUserTier(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	if !a.guard(w, r, models.PermManageUsers, models.ActionManageUsers, id) {
		return
	}
	var req setTierRequest
	if !decode(w, r, &req) {
		return
	}
	err := a.Users.SetTier(r.Context(), id, req.Tier)
	a.audit(r, models.ActionManageUsers, id, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"user_id": id, "tier": req.Tier})
}

func (a *App) HandleCountUsers(w http.ResponseWriter, r *http.Request) {
	if !a.guard(w, r, models.PermManageUsers, models.ActionManageUsers, "") {
		return
	}
	n, err := a.Users.Count(r.Context())
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int64{"users": n})
}
