package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/gatekeeper/internal/a2a"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/gateway"
	"github.com/example/gatekeeper/internal/models"
	"github.com/gorilla/mux"
)

const (
	defaultSessionTTL = time.Hour
	maxSessionTTL     = 24 * time.Hour
)

type registerClientRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	PublicKey       string   `json:"public_key,omitempty"`
	Capabilities    []string `json:"capabilities"`
	RedirectURIs    []string `json:"redirect_uris,omitempty"`
	ContactEmail    string   `json:"contact_email,omitempty"`
	RateLimitPerMin int      `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerDay int      `json:"rate_limit_per_day,omitempty"`
}

func (a *App) HandleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if !decode(w, r, &req) {
		return
	}
	c, secret, err := a.A2A.RegisterClient(r.Context(), a2a.RegisterRequest{
		UserID:          currentUser(r).ID,
		Name:            req.Name,
		Description:     req.Description,
		PublicKey:       req.PublicKey,
		Capabilities:    req.Capabilities,
		RedirectURIs:    req.RedirectURIs,
		ContactEmail:    req.ContactEmail,
		RateLimitPerMin: req.RateLimitPerMin,
		RateLimitPerDay: req.RateLimitPerDay,
	})
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"client": viewClient(c), "client_secret": secret})
}

func (a *App) HandleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.A2A.Clients(r.Context(), currentUser(r).ID)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, viewClient(c))
	}
	writeSuccess(w, http.StatusOK, out)
}

// ownedClient loads the {id} client and hides clients of other users.
func (a *App) ownedClient(w http.ResponseWriter, r *http.Request) (*models.A2AClient, bool) {
	c, err := a.A2A.Client(r.Context(), mux.Vars(r)["id"])
	if err == nil && c.UserID != currentUser(r).ID {
		err = apperrors.ErrNotFound
	}
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return nil, false
	}
	return c, true
}

func (a *App) HandleRevokeClient(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedClient(w, r)
	if !ok {
		return
	}
	if err := a.A2A.RevokeClient(r.Context(), c.ID); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleClientUsage(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedClient(w, r)
	if !ok {
		return
	}
	start, end, err := timeRange(r)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	stats, err := a.A2A.UsageStats(r.Context(), c.ID, start, end)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

// HandleClientHistory returns per-day request counts for the last days
// days, 30 by default.
func (a *App) HandleClientHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedClient(w, r)
	if !ok {
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	history, err := a.A2A.UsageHistory(r.Context(), c.ID, days)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, history)
}

type grantSessionRequest struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
}

// HandleGrantSession exchanges client credentials for a session token. A
// user access token in the Authorization header binds the session to that
// user.
func (a *App) HandleGrantSession(w http.ResponseWriter, r *http.Request) {
	var req grantSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := a.A2A.AuthenticateClient(r.Context(), req.ClientID, req.ClientSecret); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}

	var userID string
	if raw := bearer(r); raw != "" {
		p, err := a.Gateway.Authenticate(r.Context(), raw, gateway.KindUserSession)
		if err != nil {
			writeServiceError(w, a.Logger, err)
			return
		}
		userID = p.User.ID
	}

	ttl := defaultSessionTTL
	if req.TTLSeconds < 0 {
		writeServiceError(w, a.Logger, fmt.Errorf("%w: ttl_seconds must be positive", apperrors.ErrInvalidRequest))
		return
	}
	if req.TTLSeconds > 0 {
		ttl = min(time.Duration(req.TTLSeconds)*time.Second, maxSessionTTL)
	}

	sess, token, err := a.A2A.GrantSession(r.Context(), req.ClientID, userID, req.Scopes, ttl)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{
		"session_id":     sess.ID,
		"session_token":  token,
		"granted_scopes": sess.GrantedScopes,
		"expires_at":     sess.ExpiresAt,
	})
}

// HandleCurrentSession reports the calling session as stored, including the
// activity the metering middleware just recorded.
func (a *App) HandleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.A2A.Session(r.Context(), principalFrom(r.Context()).Session.ID)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"session_id":     sess.ID,
		"client_id":      sess.ClientID,
		"user_id":        sess.UserID,
		"granted_scopes": sess.GrantedScopes,
		"expires_at":     sess.ExpiresAt,
		"last_active_at": sess.LastActiveAt,
	})
}

func (a *App) HandleRevokeCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess := principalFrom(r.Context()).Session
	if err := a.A2A.RevokeSession(r.Context(), sess.ID); err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

type submitTaskRequest struct {
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (a *App) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !decode(w, r, &req) {
		return
	}
	noteUsage(r.Context(), func(n *usageNote) { n.taskType = req.TaskType })
	task, err := a.A2A.Submit(r.Context(), principalFrom(r.Context()).Session, req.TaskType, req.Parameters)
	if err != nil {
		noteUsage(r.Context(), func(n *usageNote) { n.errMsg = err.Error() })
		writeServiceError(w, a.Logger, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, task)
}

func (a *App) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	tasks, err := a.A2A.Tasks(r.Context(), principalFrom(r.Context()).Session.ClientID, limit)
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return
	}
	if tasks == nil {
		tasks = []*models.A2ATask{}
	}
	writeSuccess(w, http.StatusOK, tasks)
}

// sessionTask loads the {id} task. Tasks of other clients are reported as
// missing.
func (a *App) sessionTask(w http.ResponseWriter, r *http.Request) (*models.A2ATask, bool) {
	task, err := a.A2A.Task(r.Context(), mux.Vars(r)["id"])
	if err == nil && task.ClientID != principalFrom(r.Context()).Session.ClientID {
		err = apperrors.ErrNotFound
	}
	if err != nil {
		writeServiceError(w, a.Logger, err)
		return nil, false
	}
	noteUsage(r.Context(), func(n *usageNote) { n.taskType = task.TaskType })
	return task, true
}

func (a *App) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.sessionTask(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, task)
}

func (a *App) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.sessionTask(w, r)
	if !ok {
		return
	}
	a.writeTransition(w, r)(a.A2A.Start(r.Context(), task.ID))
}

type completeTaskRequest struct {
	Result map[string]any `json:"result"`
}

func (a *App) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.sessionTask(w, r)
	if !ok {
		return
	}
	var req completeTaskRequest
	if !decode(w, r, &req) {
		return
	}
	a.writeTransition(w, r)(a.A2A.Complete(r.Context(), task.ID, req.Result))
}

type failTaskRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (a *App) HandleFailTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.sessionTask(w, r)
	if !ok {
		return
	}
	var req failTaskRequest
	if !decode(w, r, &req) {
		return
	}
	a.writeTransition(w, r)(a.A2A.Fail(r.Context(), task.ID, req.ErrorMessage))
}

func (a *App) writeTransition(w http.ResponseWriter, r *http.Request) func(*models.A2ATask, error) {
	return func(task *models.A2ATask, err error) {
		if err != nil {
			noteUsage(r.Context(), func(n *usageNote) { n.errMsg = err.Error() })
			writeServiceError(w, a.Logger, err)
			return
		}
		writeSuccess(w, http.StatusOK, task)
	}
}
