package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/gatekeeper/internal/apikey"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

// timeRange reads start and end (RFC 3339) from the query. The default
// is the 30 days ending now.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("%w: invalid start", apperrors.ErrInvalidRequest)
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("%w: invalid end", apperrors.ErrInvalidRequest)
		}
		end = t
	}
	return start, end, nil
}

// queryTime parses an optional RFC 3339 query parameter. Absent is zero.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid %s", apperrors.ErrInvalidRequest, name)
	}
	return t, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s", apperrors.ErrInvalidRequest, name)
	}
	return n, nil
}

func currentUser(r *http.Request) *models.User {
	return principalFrom(r.Context()).User
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

func (a *App) writeSession(w http.ResponseWriter, status int, u *models.User) {
	token, exp, err := a.Users.IssueAccessToken(u)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, status, map[string]any{
		"user":         viewUser(u),
		"access_token": token,
		"expires_at":   exp,
	})
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var c credentialsRequest
	if !decode(w, r, &c) {
		return
	}
	u, err := a.Users.Signup(r.Context(), c.Email, c.Password, c.DisplayName)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	a.writeSession(w, http.StatusCreated, u)
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentialsRequest
	if !decode(w, r, &c) {
		return
	}
	u, err := a.Users.Authenticate(r.Context(), c.Email, c.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}
	a.writeSession(w, http.StatusOK, u)
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, viewUser(currentUser(r)))
}

// HandleMyUsage reports the caller's request count for the current
// calendar month.
func (a *App) HandleMyUsage(w http.ResponseWriter, r *http.Request) {
	n, since, err := a.Users.MonthlyUsage(r.Context(), currentUser(r).ID)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"requests": n, "period_start": since})
}

type createKeyRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tier        models.APIKeyTier `json:"tier,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

func (a *App) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decode(w, r, &req) {
		return
	}
	key, secret, err := a.Keys.Issue(r.Context(), apikey.IssueRequest{
		UserID:      currentUser(r).ID,
		Name:        req.Name,
		Description: req.Description,
		Tier:        req.Tier,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	// The secret is only returned here.
	writeSuccess(w, http.StatusCreated, map[string]any{"key": viewKey(key), "api_key": secret})
}

func (a *App) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Keys.List(r.Context(), models.APIKeyFilter{
		UserID:     currentUser(r).ID,
		ActiveOnly: r.URL.Query().Get("active") == "true",
	})
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewKeys(keys))
}

func (a *App) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.Keys.Revoke(r.Context(), mux.Vars(r)["id"], currentUser(r).ID); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleKeyUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key, err := a.Keys.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	if key.UserID != currentUser(r).ID {
		writeServiceError(w, a.Logger, apperrors.ErrNotFound)
		return
	}
	a.writeKeyUsage(w, r, id)
}

func (a *App) writeKeyUsage(w http.ResponseWriter, r *http.Request, keyID string) {
	start, end, err := timeRange(r)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	stats, err := a.Keys.UsageStats(r.Context(), keyID, start, end)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

type providerTokenRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

func (a *App) HandleConnectProvider(w http.ResponseWriter, r *http.Request) {
	var req providerTokenRequest
	if !decode(w, r, &req) {
		return
	}
	err := a.Users.ConnectProvider(r.Context(), currentUser(r).ID, mux.Vars(r)["provider"], models.DecryptedToken{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		Scope:        req.Scope,
	})
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"connected": true})
}

func (a *App) HandleGetProvider(w http.ResponseWriter, r *http.Request) {
	tok, err := a.Users.ProviderToken(r.Context(), currentUser(r).ID, mux.Vars(r)["provider"])
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, tok)
}

func (a *App) HandleDisconnectProvider(w http.ResponseWriter, r *http.Request) {
	if err := a.Users.DisconnectProvider(r.Context(), currentUser(r).ID, mux.Vars(r)["provider"]); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"disconnected": true})
}

type authorizeRequest struct {
	ToolName string `json:"tool_name"`
}

// HandleAuthorize is the admission check a tool server calls before
// serving an API-key request. Verification and metering happen in the
// middleware; reaching this handler means the call is admitted.
func (a *App) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !decode(w, r, &req) {
		return
	}
	noteUsage(r.Context(), func(n *usageNote) { n.toolName = req.ToolName })
	key := principalFrom(r.Context()).APIKey
	writeSuccess(w, http.StatusOK, map[string]any{
		"allowed": true,
		"key_id":  key.ID,
		"user_id": key.UserID,
		"tier":    key.Tier,
	})
}
