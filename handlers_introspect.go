package main

import (
	"errors"
	"net/http"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/gateway"
	"github.com/example/gatekeeper/internal/models"
)

// introspection follows the shape of an OAuth 2.0 introspection response.
// Inactive credentials report only active=false.
type introspection struct {
	Active    bool       `json:"active"`
	Kind      string     `json:"token_type,omitempty"`
	Subject   string     `json:"sub,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	Scopes    []string   `json:"scope,omitempty"`
	Tier      string     `json:"tier,omitempty"`
	ExpiresAt *time.Time `json:"exp,omitempty"`
}

func introspect(p *gateway.Principal) introspection {
	info := introspection{Active: true, Kind: p.Kind.String(), Subject: p.ID()}
	switch p.Kind {
	case gateway.KindAPIKey:
		info.UserID = p.APIKey.UserID
		info.Tier = string(p.APIKey.Tier)
		info.ExpiresAt = p.APIKey.ExpiresAt
	case gateway.KindAdminToken:
		for _, perm := range p.AdminToken.Permissions {
			info.Scopes = append(info.Scopes, string(perm))
		}
		info.ExpiresAt = p.AdminToken.ExpiresAt
	case gateway.KindA2ASession:
		info.UserID = p.Session.UserID
		info.ClientID = p.Session.ClientID
		info.Scopes = p.Session.GrantedScopes
		info.ExpiresAt = &p.Session.ExpiresAt
	case gateway.KindUserSession:
		info.UserID = p.User.ID
		info.Tier = string(p.User.Tier)
	}
	return info
}

// HandleIntrospect reports whether any gateway credential is currently
// valid and what it grants.
// POST /api/v1/admin/introspect
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !a.guard(w, r, models.PermViewUsage, models.ActionIntrospect, "") {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}

	info := introspection{Active: false}
	p, err := a.Gateway.Authenticate(r.Context(), req.Token)
	switch {
	case err == nil:
		info = introspect(p)
	case errors.Is(err, apperrors.ErrInvalidCredential),
		errors.Is(err, apperrors.ErrExpired),
		errors.Is(err, apperrors.ErrRevoked):
		err = nil
	}
	a.audit(r, models.ActionIntrospect, info.Subject, start, err)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
