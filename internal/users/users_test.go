package users

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/store"
	"github.com/example/gatekeeper/internal/tokenvault"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	dir *Directory
	db  *store.MemDB
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, tokenvault.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	vault, err := tokenvault.New(key)
	require.NoError(t, err)

	f := &fixture{db: store.NewMemoryDB(), now: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	f.dir = New(f.db, vault, []byte("test-secret"), logging.Discard(),
		WithClock(func() time.Time { return f.now }),
		WithBcryptCost(bcrypt.MinCost),
	)
	return f
}

func TestSignupAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.dir.Signup(ctx, "runner@example.com", "correct horse", "Runner")
	require.NoError(t, err)
	assert.Equal(t, models.UserTierStarter, u.Tier)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	_, err = f.dir.Signup(ctx, "runner@example.com", "another password", "")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	_, err = f.dir.Signup(ctx, "bad-email", "long enough", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, err = f.dir.Signup(ctx, "x@example.com", "short", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	f.now = f.now.Add(time.Hour)
	got, err := f.dir.Authenticate(ctx, "runner@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	stored, err := f.dir.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now, stored.LastActive)

	_, err = f.dir.Authenticate(ctx, "runner@example.com", "wrong horse")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
	_, err = f.dir.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
}

func TestEnsureUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.dir.EnsureUser(ctx, "ops@example.com")
	require.NoError(t, err)
	again, err := f.dir.EnsureUser(ctx, " ops@example.com ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	n, err := f.dir.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Provisioned accounts have no password.
	_, err = f.dir.Authenticate(ctx, "ops@example.com", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	_, err = f.dir.EnsureUser(ctx, "@example.com")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestAccessTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.dir.Signup(ctx, "a@example.com", "password123", "")
	require.NoError(t, err)

	token, exp, err := f.dir.IssueAccessToken(u)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(AccessTokenTTL), exp)

	got, err := f.dir.VerifyAccessToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	other := New(f.db, nil, []byte("other-secret"), logging.Discard(), WithClock(func() time.Time { return f.now }))
	_, err = other.VerifyAccessToken(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: u.ID}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = f.dir.VerifyAccessToken(ctx, unsigned)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	f.now = exp.Add(time.Second)
	_, err = f.dir.VerifyAccessToken(ctx, token)
	assert.ErrorIs(t, err, apperrors.ErrExpired)
}

func TestSetTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.dir.EnsureUser(ctx, "t@example.com")
	require.NoError(t, err)

	require.NoError(t, f.dir.SetTier(ctx, u.ID, models.UserTierEnterprise))
	got, err := f.dir.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserTierEnterprise, got.Tier)

	assert.ErrorIs(t, f.dir.SetTier(ctx, u.ID, "gold"), apperrors.ErrInvalidRequest)
	assert.ErrorIs(t, f.dir.SetTier(ctx, "missing", models.UserTierStarter), apperrors.ErrNotFound)
}

func TestProviderTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.dir.EnsureUser(ctx, "p@example.com")
	require.NoError(t, err)

	tok := models.DecryptedToken{
		AccessToken:  "strava-access",
		RefreshToken: "strava-refresh",
		ExpiresAt:    f.now.Add(6 * time.Hour),
		Scope:        "activity:read",
	}
	require.NoError(t, f.dir.ConnectProvider(ctx, u.ID, "Strava", tok))

	stored, err := f.db.GetProviderToken(ctx, u.ID, "strava")
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, stored.Token.AccessToken)
	assert.NotEqual(t, tok.RefreshToken, stored.Token.RefreshToken)

	got, err := f.dir.ProviderToken(ctx, u.ID, "strava")
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	assert.ErrorIs(t, f.dir.ConnectProvider(ctx, u.ID, "", tok), apperrors.ErrInvalidRequest)
	assert.ErrorIs(t, f.dir.ConnectProvider(ctx, "ghost", "strava", tok), apperrors.ErrNotFound)

	require.NoError(t, f.dir.DisconnectProvider(ctx, u.ID, "strava"))
	_, err = f.dir.ProviderToken(ctx, u.ID, "strava")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMonthlyUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.dir.Signup(ctx, "runner@example.com", "correct horse", "")
	require.NoError(t, err)

	f.now = time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)
	require.NoError(t, f.dir.RecordUsage(ctx, u.ID, models.Usage{StatusCode: 200, ToolName: "/api/v1/me"}))
	f.now = time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC)
	for range 2 {
		require.NoError(t, f.dir.RecordUsage(ctx, u.ID, models.Usage{StatusCode: 200, ToolName: "/api/v1/me"}))
	}

	n, start, err := f.dir.MonthlyUsage(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "January traffic falls outside the February window")
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), start)

	err = f.dir.RecordUsage(ctx, "ghost", models.Usage{StatusCode: 200})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
