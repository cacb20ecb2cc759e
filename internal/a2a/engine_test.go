package a2a

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/example/gatekeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine *Engine
	db     *store.MemDB
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: store.NewMemoryDB(), now: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)}
	f.engine = New(f.db, policy.Default(), logging.Discard(), WithClock(func() time.Time { return f.now }))
	require.NoError(t, f.db.CreateUser(context.Background(), &models.User{
		ID: "u1", Email: "owner@example.com", Tier: models.UserTierStarter, IsActive: true, CreatedAt: f.now, LastActive: f.now,
	}))
	return f
}

func (f *fixture) client(t *testing.T, caps ...string) *models.A2AClient {
	t.Helper()
	c, _, err := f.engine.RegisterClient(context.Background(), RegisterRequest{UserID: "u1", Name: "agent", Capabilities: caps})
	require.NoError(t, err)
	return c
}

func (f *fixture) session(t *testing.T, c *models.A2AClient, scopes ...string) *models.A2ASession {
	t.Helper()
	s, _, err := f.engine.GrantSession(context.Background(), c.ID, "", scopes, time.Hour)
	require.NoError(t, err)
	return s
}

func TestRequiredScope(t *testing.T) {
	tests := map[string]string{
		"read:activities": "read",
		"write":           "write",
		"admin:x:y":       "admin",
		":orphan":         "",
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, RequiredScope(in), in)
	}
}

func TestRegisterAndAuthenticateClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, secret, err := f.engine.RegisterClient(ctx, RegisterRequest{
		UserID:       "u1",
		Name:         " fitness-agent ",
		Capabilities: []string{"read", "write", "read", ""},
		ContactEmail: "ops@example.com",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.ID, ClientIDPrefix))
	assert.Equal(t, "fitness-agent", c.Name)
	assert.Equal(t, []string{"read", "write"}, c.Capabilities)
	assert.Equal(t, 100, c.RateLimitPerMin)
	assert.Equal(t, 10000, c.RateLimitPerDay)
	assert.NotContains(t, c.ClientSecretHash, secret)

	got, err := f.engine.AuthenticateClient(ctx, c.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = f.engine.AuthenticateClient(ctx, c.ID, secret+"x")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
	_, err = f.engine.AuthenticateClient(ctx, "a2a_missing", secret)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	require.NoError(t, f.engine.RevokeClient(ctx, c.ID))
	_, err = f.engine.AuthenticateClient(ctx, c.ID, secret)
	assert.ErrorIs(t, err, apperrors.ErrRevoked)

	_, _, err = f.engine.RegisterClient(ctx, RegisterRequest{Name: "x"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, _, err = f.engine.RegisterClient(ctx, RegisterRequest{Name: "x", Capabilities: []string{"read"}, UserID: "ghost"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGrantSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read", "write")

	sess, token, err := f.engine.GrantSession(ctx, c.ID, "u1", []string{"read"}, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, SessionTokenPrefix))
	assert.NotEqual(t, token, sess.TokenHash)
	assert.Equal(t, f.now.Add(30*time.Minute), sess.ExpiresAt)

	got, err := f.engine.VerifySession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, _, err = f.engine.GrantSession(ctx, c.ID, "", []string{"read", "delete"}, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrScopeViolation)

	_, _, err = f.engine.GrantSession(ctx, c.ID, "", []string{"read"}, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, _, err = f.engine.GrantSession(ctx, c.ID, "", nil, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, _, err = f.engine.GrantSession(ctx, c.ID, "ghost", []string{"read"}, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, _, err = f.engine.GrantSession(ctx, "a2a_missing", "", []string{"read"}, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestVerifySession_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read")
	sess, token, err := f.engine.GrantSession(ctx, c.ID, "", []string{"read"}, time.Hour)
	require.NoError(t, err)

	_, err = f.engine.VerifySession(ctx, token[:len(token)-1])
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
	_, err = f.engine.VerifySession(ctx, SessionTokenPrefix+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	// Touching records activity without moving expiry.
	f.now = f.now.Add(50 * time.Minute)
	require.NoError(t, f.engine.Touch(ctx, sess.ID))
	touched, err := f.engine.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now, touched.LastActiveAt)
	assert.Equal(t, sess.ExpiresAt, touched.ExpiresAt)

	f.now = sess.ExpiresAt
	_, err = f.engine.VerifySession(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrExpired)

	f.now = sess.CreatedAt
	require.NoError(t, f.engine.RevokeSession(ctx, sess.ID))
	_, err = f.engine.VerifySession(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrRevoked)
}

func TestVerifySession_RevokedClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read")
	_, token, err := f.engine.GrantSession(ctx, c.ID, "", []string{"read"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.engine.RevokeClient(ctx, c.ID))
	_, err = f.engine.VerifySession(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrRevoked)

	_, _, err = f.engine.GrantSession(ctx, c.ID, "", []string{"read"}, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrRevoked)
}

func TestSubmit_ScopeEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read", "write")
	sess := f.session(t, c, "read")

	_, err := f.engine.Submit(ctx, sess, "write:activities", nil)
	assert.ErrorIs(t, err, apperrors.ErrScopeViolation)

	task, err := f.engine.Submit(ctx, sess, "read:activities", map[string]any{"days": 7})
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, c.ID, task.ClientID)
	assert.Equal(t, sess.ID, task.SessionID)

	_, err = f.engine.Submit(ctx, sess, "", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	f.now = sess.ExpiresAt
	_, err = f.engine.Submit(ctx, sess, "read:activities", nil)
	assert.ErrorIs(t, err, apperrors.ErrExpired)

	tasks, err := f.engine.Tasks(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTaskStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, f.client(t, "read"), "read")

	newTask := func() *models.A2ATask {
		task, err := f.engine.Submit(ctx, sess, "read:x", nil)
		require.NoError(t, err)
		return task
	}

	t.Run("pending running completed", func(t *testing.T) {
		task := newTask()
		_, err := f.engine.Complete(ctx, task.ID, nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

		got, err := f.engine.Start(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskRunning, got.Status)
		assert.Nil(t, got.CompletedAt)

		f.now = f.now.Add(time.Second)
		got, err = f.engine.Complete(ctx, task.ID, map[string]any{"count": "3"})
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, got.Status)
		assert.Equal(t, map[string]any{"count": "3"}, got.Result)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, f.now, *got.CompletedAt)

		for _, op := range []func() (*models.A2ATask, error){
			func() (*models.A2ATask, error) { return f.engine.Start(ctx, task.ID) },
			func() (*models.A2ATask, error) { return f.engine.Fail(ctx, task.ID, "late") },
			func() (*models.A2ATask, error) { return f.engine.Complete(ctx, task.ID, nil) },
		} {
			_, err := op()
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
		}
	})

	t.Run("pending failed", func(t *testing.T) {
		task := newTask()
		got, err := f.engine.Fail(ctx, task.ID, "rejected")
		require.NoError(t, err)
		assert.Equal(t, models.TaskFailed, got.Status)
		assert.Equal(t, "rejected", got.ErrorMessage)
		_, err = f.engine.Start(ctx, task.ID)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("running failed", func(t *testing.T) {
		task := newTask()
		_, err := f.engine.Start(ctx, task.ID)
		require.NoError(t, err)
		got, err := f.engine.Fail(ctx, task.ID, "upstream timeout")
		require.NoError(t, err)
		assert.Equal(t, models.TaskFailed, got.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := f.engine.Start(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestTaskTerminalStateHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, f.client(t, "read"), "read")
	task, err := f.engine.Submit(ctx, sess, "read:x", nil)
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, task.ID)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.engine.Complete(ctx, task.ID, nil)
			} else {
				_, err = f.engine.Fail(ctx, task.ID, "boom")
			}
			if err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := f.engine.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestAdmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.engine.RegisterClient(ctx, RegisterRequest{Name: "a", Capabilities: []string{"read"}, RateLimitPerMin: 2, RateLimitPerDay: 3})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.engine.Admit(ctx, c)
		require.NoError(t, err)
		require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 200, TaskType: "read:x"}))
	}
	_, err = f.engine.Admit(ctx, c)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	f.now = f.now.Add(time.Minute + time.Second)
	d, err := f.engine.Admit(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Remaining)
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 200}))

	// Per-minute window is clear again but the daily quota is spent.
	f.now = f.now.Add(time.Minute + time.Second)
	d, err = f.engine.Admit(ctx, c)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.Equal(t, 24*time.Hour, d.Limit.Window)
}

func TestUsageStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read")
	start := f.now
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 200, ResponseTimeMS: 12}))
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 400, ResponseTimeMS: 8}))

	stats, err := f.engine.UsageStats(ctx, c.ID, start, f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulCalls)
	assert.Equal(t, int64(1), stats.FailedCalls)

	clients, err := f.engine.Clients(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

func TestUsageHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "read")

	f.now = f.now.Add(-24 * time.Hour)
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 200}))
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 403}))
	f.now = f.now.Add(24 * time.Hour)
	require.NoError(t, f.engine.RecordUsage(ctx, c.ID, models.Usage{StatusCode: 200}))

	history, err := f.engine.UsageHistory(ctx, c.ID, 3)
	require.NoError(t, err)
	day := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []models.DailyUsage{
		{Day: day.AddDate(0, 0, -2)},
		{Day: day.AddDate(0, 0, -1), Requests: 2, Failed: 1},
		{Day: day, Requests: 1},
	}, history)

	_, err = f.engine.UsageHistory(ctx, c.ID, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}
