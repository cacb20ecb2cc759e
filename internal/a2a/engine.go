// Package a2a registers agent clients, delegates scoped sessions to them
// and drives the tasks they submit.
package a2a

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/example/gatekeeper/internal/credential"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/ledger"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/google/uuid"
)

const (
	ClientIDPrefix     = "a2a_"
	SessionTokenPrefix = "a2a_sess_"
	clientSecretPrefix = "a2a_cs_"
	secretBytes        = 32

	// ProtocolVersion is stamped on usage rows that do not carry one.
	ProtocolVersion = "1.0"
)

// Store is the persistence the engine needs.
type Store interface {
	ledger.Store
	GetUser(ctx context.Context, id string) (*models.User, error)
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
	UpdateA2ATaskStatus(ctx context.Context, id string, from, to models.TaskStatus, upd models.TaskUpdate) (bool, error)
}

// RegisterRequest describes a new client. Zero quotas take the policy
// defaults.
type RegisterRequest struct {
	UserID          string
	Name            string
	Description     string
	PublicKey       string
	Capabilities    []string
	RedirectURIs    []string
	ContactEmail    string
	RateLimitPerMin int
	RateLimitPerDay int
}

type Engine struct {
	store  Store
	ledger *ledger.Ledger
	policy policy.Policy
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store Store, p policy.Policy, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{store: store, policy: p, logger: logger, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.ledger = ledger.New(store, logger, ledger.WithClock(e.now))
	return e
}

// RequiredScope returns the scope a task type needs: the part before the
// first colon. "read:activities" needs "read".
func RequiredScope(taskType string) string {
	scope, _, _ := strings.Cut(taskType, ":")
	return strings.TrimSpace(scope)
}

func normalizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// RegisterClient creates a client and returns its secret. The secret is
// not retrievable afterwards.
func (e *Engine) RegisterClient(ctx context.Context, req RegisterRequest) (*models.A2AClient, string, error) {
	name := strings.TrimSpace(req.Name)
	caps := normalizeScopes(req.Capabilities)
	if name == "" || len(caps) == 0 {
		return nil, "", fmt.Errorf("%w: name and at least one capability are required", apperrors.ErrInvalidRequest)
	}
	if req.RateLimitPerMin < 0 || req.RateLimitPerDay < 0 {
		return nil, "", fmt.Errorf("%w: negative rate limit", apperrors.ErrInvalidRequest)
	}
	if req.UserID != "" {
		if _, err := e.store.GetUser(ctx, req.UserID); err != nil {
			return nil, "", fmt.Errorf("registering client: %w", err)
		}
	}

	random, err := credential.RandomHex(secretBytes)
	if err != nil {
		return nil, "", err
	}
	secret := clientSecretPrefix + random

	perMin, perDay := e.policy.A2ALimits()
	if req.RateLimitPerMin > 0 {
		perMin = req.RateLimitPerMin
	}
	if req.RateLimitPerDay > 0 {
		perDay = req.RateLimitPerDay
	}

	now := e.now().UTC()
	c := &models.A2AClient{
		ID:               ClientIDPrefix + uuid.NewString(),
		UserID:           req.UserID,
		Name:             name,
		Description:      req.Description,
		PublicKey:        req.PublicKey,
		ClientSecretHash: credential.Hash(secret),
		Capabilities:     caps,
		RedirectURIs:     req.RedirectURIs,
		ContactEmail:     req.ContactEmail,
		RateLimitPerMin:  perMin,
		RateLimitPerDay:  perDay,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if c.RedirectURIs == nil {
		c.RedirectURIs = []string{}
	}
	if err := e.store.CreateA2AClient(ctx, c); err != nil {
		return nil, "", fmt.Errorf("registering client: %w", err)
	}
	e.logger.Info("a2a client registered", "client_id", c.ID, "capabilities", caps)
	return c, secret, nil
}

// AuthenticateClient checks a client secret.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.A2AClient, error) {
	c, err := e.store.GetA2AClient(ctx, clientID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if !credential.Match(c.ClientSecretHash, secret) {
		return nil, apperrors.ErrInvalidCredential
	}
	if !c.IsActive {
		return nil, apperrors.ErrRevoked
	}
	return c, nil
}

func (e *Engine) activeClient(ctx context.Context, clientID string) (*models.A2AClient, error) {
	c, err := e.store.GetA2AClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, apperrors.ErrRevoked
	}
	return c, nil
}

// GrantSession delegates scopes to a client for ttl. Scopes outside the
// client's capabilities are refused, never narrowed.
func (e *Engine) GrantSession(ctx context.Context, clientID, userID string, scopes []string, ttl time.Duration) (*models.A2ASession, string, error) {
	if ttl <= 0 {
		return nil, "", fmt.Errorf("%w: session ttl must be positive", apperrors.ErrInvalidRequest)
	}
	scopes = normalizeScopes(scopes)
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", apperrors.ErrInvalidRequest)
	}
	c, err := e.activeClient(ctx, clientID)
	if err != nil {
		return nil, "", err
	}
	for _, s := range scopes {
		if !slices.Contains(c.Capabilities, s) {
			return nil, "", fmt.Errorf("%w: scope %q exceeds client capabilities", apperrors.ErrScopeViolation, s)
		}
	}
	if userID != "" {
		if _, err := e.store.GetUser(ctx, userID); err != nil {
			return nil, "", fmt.Errorf("granting session: %w", err)
		}
	}

	random, err := credential.RandomHex(secretBytes)
	if err != nil {
		return nil, "", err
	}
	token := SessionTokenPrefix + random
	now := e.now().UTC()
	sess := &models.A2ASession{
		ID:            uuid.NewString(),
		TokenHash:     credential.Hash(token),
		ClientID:      c.ID,
		UserID:        userID,
		GrantedScopes: scopes,
		IsActive:      true,
		ExpiresAt:     now.Add(ttl),
		LastActiveAt:  now,
		CreatedAt:     now,
	}
	if err := e.store.CreateA2ASession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("granting session: %w", err)
	}
	e.logger.Info("a2a session granted", "session_id", sess.ID, "client_id", c.ID, "scopes", scopes, "expires_at", sess.ExpiresAt)
	return sess, token, nil
}

// VerifySession resolves a bearer session token.
func (e *Engine) VerifySession(ctx context.Context, token string) (*models.A2ASession, error) {
	if !strings.HasPrefix(token, SessionTokenPrefix) || len(token) != len(SessionTokenPrefix)+2*secretBytes {
		return nil, apperrors.ErrInvalidCredential
	}
	sess, err := e.store.GetA2ASessionByTokenHash(ctx, credential.Hash(token))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, apperrors.ErrRevoked
	}
	if !sess.IsValid(e.now()) {
		return nil, apperrors.ErrExpired
	}
	if _, err := e.activeClient(ctx, sess.ClientID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrRevoked
		}
		return nil, err
	}
	return sess, nil
}

// Touch records session activity. It never extends ExpiresAt.
func (e *Engine) Touch(ctx context.Context, sessionID string) error {
	return e.store.TouchA2ASession(ctx, sessionID, e.now().UTC())
}

func (e *Engine) Session(ctx context.Context, sessionID string) (*models.A2ASession, error) {
	return e.store.GetA2ASession(ctx, sessionID)
}

func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	if err := e.store.DeactivateA2ASession(ctx, sessionID); err != nil {
		return fmt.Errorf("revoking session %s: %w", sessionID, err)
	}
	e.logger.Info("a2a session revoked", "session_id", sessionID)
	return nil
}

// RevokeClient deactivates a client. Its sessions stop verifying.
func (e *Engine) RevokeClient(ctx context.Context, clientID string) error {
	if err := e.store.DeactivateA2AClient(ctx, clientID, e.now().UTC()); err != nil {
		return fmt.Errorf("revoking client %s: %w", clientID, err)
	}
	e.logger.Info("a2a client revoked", "client_id", clientID)
	return nil
}

func (e *Engine) Client(ctx context.Context, clientID string) (*models.A2AClient, error) {
	return e.store.GetA2AClient(ctx, clientID)
}

// Clients lists clients owned by userID, or every client when empty.
func (e *Engine) Clients(ctx context.Context, userID string) ([]*models.A2AClient, error) {
	return e.store.ListA2AClients(ctx, userID)
}

// Submit creates a pending task. The session must hold the scope the task
// type requires.
func (e *Engine) Submit(ctx context.Context, sess *models.A2ASession, taskType string, params map[string]any) (*models.A2ATask, error) {
	scope := RequiredScope(taskType)
	if scope == "" {
		return nil, fmt.Errorf("%w: task type is required", apperrors.ErrInvalidRequest)
	}
	now := e.now().UTC()
	if !sess.IsValid(now) {
		if !sess.IsActive {
			return nil, apperrors.ErrRevoked
		}
		return nil, apperrors.ErrExpired
	}
	if !sess.HasScope(scope) {
		return nil, fmt.Errorf("%w: task %q needs scope %q", apperrors.ErrScopeViolation, taskType, scope)
	}

	task := &models.A2ATask{
		ID:         uuid.NewString(),
		ClientID:   sess.ClientID,
		SessionID:  sess.ID,
		TaskType:   taskType,
		Parameters: params,
		Status:     models.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateA2ATask(ctx, task); err != nil {
		return nil, fmt.Errorf("submitting task: %w", err)
	}
	e.logger.Debug("a2a task submitted", "task_id", task.ID, "client_id", task.ClientID, "type", taskType)
	return task, nil
}

func allowed(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskPending:
		return to == models.TaskRunning || to == models.TaskFailed
	case models.TaskRunning:
		return to == models.TaskCompleted || to == models.TaskFailed
	}
	return false
}

// transition moves a task to "to" from its current status. The store
// applies the change only if the status is still the one read here, so
// concurrent transitions out of the same state have one winner.
func (e *Engine) transition(ctx context.Context, taskID string, to models.TaskStatus, upd models.TaskUpdate) (*models.A2ATask, error) {
	task, err := e.store.GetA2ATask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !allowed(task.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, task.Status, to)
	}
	upd.At = e.now().UTC()
	ok, err := e.store.UpdateA2ATaskStatus(ctx, taskID, task.Status, to, upd)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s changed concurrently", apperrors.ErrInvalidTransition, taskID)
	}
	return e.store.GetA2ATask(ctx, taskID)
}

func (e *Engine) Start(ctx context.Context, taskID string) (*models.A2ATask, error) {
	return e.transition(ctx, taskID, models.TaskRunning, models.TaskUpdate{})
}

func (e *Engine) Complete(ctx context.Context, taskID string, result map[string]any) (*models.A2ATask, error) {
	return e.transition(ctx, taskID, models.TaskCompleted, models.TaskUpdate{Result: result})
}

func (e *Engine) Fail(ctx context.Context, taskID, message string) (*models.A2ATask, error) {
	return e.transition(ctx, taskID, models.TaskFailed, models.TaskUpdate{ErrorMessage: message})
}

func (e *Engine) Task(ctx context.Context, taskID string) (*models.A2ATask, error) {
	return e.store.GetA2ATask(ctx, taskID)
}

// Tasks lists a client's tasks, newest first.
func (e *Engine) Tasks(ctx context.Context, clientID string, limit int) ([]*models.A2ATask, error) {
	return e.store.ListA2ATasks(ctx, clientID, limit)
}

// Admit applies the client's per-minute then per-day quota. The returned
// decision is the tighter of the two.
func (e *Engine) Admit(ctx context.Context, c *models.A2AClient) (ledger.Decision, error) {
	subj := subject(c.ID)
	minute, err := e.ledger.Admit(ctx, subj, models.RateLimit{Requests: c.RateLimitPerMin, Window: time.Minute})
	if err != nil {
		return minute, err
	}
	day, err := e.ledger.Admit(ctx, subj, models.RateLimit{Requests: c.RateLimitPerDay, Window: 24 * time.Hour})
	if err != nil {
		return day, err
	}
	if minute.Remaining >= 0 && (day.Remaining < 0 || minute.Remaining < day.Remaining) {
		return minute, nil
	}
	return day, nil
}

// RecordUsage appends one request to the client's ledger.
func (e *Engine) RecordUsage(ctx context.Context, clientID string, u models.Usage) error {
	u.Subject = subject(clientID)
	if u.ProtocolVersion == "" {
		u.ProtocolVersion = ProtocolVersion
	}
	return e.ledger.Append(ctx, &u)
}

func (e *Engine) UsageStats(ctx context.Context, clientID string, start, end time.Time) (*models.UsageStats, error) {
	return e.ledger.Stats(ctx, subject(clientID), start, end)
}

// UsageHistory returns the client's daily request and failure counts for
// the last days UTC days, oldest first.
func (e *Engine) UsageHistory(ctx context.Context, clientID string, days int) ([]models.DailyUsage, error) {
	return e.ledger.Daily(ctx, subject(clientID), days)
}

func subject(clientID string) models.Subject {
	return models.Subject{Kind: models.SubjectA2AClient, ID: clientID}
}
