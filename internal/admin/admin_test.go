package admin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/example/gatekeeper/internal/apikey"
	"github.com/example/gatekeeper/internal/credential"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/example/gatekeeper/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type directory struct{ db *store.MemDB }

func (d directory) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	u, err := d.db.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	u = &models.User{ID: uuid.NewString(), Email: email, Tier: models.UserTierStarter, IsActive: true, CreatedAt: now, LastActive: now}
	return u, d.db.CreateUser(ctx, u)
}

type fixture struct {
	db    *store.MemDB
	keys  *apikey.Authority
	admin *Authority
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: store.NewMemoryDB(), now: time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)}
	clock := WithClock(func() time.Time { return f.now })
	f.keys = apikey.New(f.db, policy.Default(), logging.Discard(), apikey.WithClock(func() time.Time { return f.now }))
	f.admin = New(f.db, f.keys, directory{f.db}, policy.Default(), logging.Discard(), clock)
	return f
}

func (f *fixture) issue(t *testing.T, req IssueRequest) *GeneratedToken {
	t.Helper()
	gen, err := f.admin.Issue(context.Background(), req)
	require.NoError(t, err)
	return gen
}

func TestIssueAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gen := f.issue(t, IssueRequest{
		ServiceName: "billing",
		Permissions: []models.AdminPermission{models.PermProvisionKeys, models.PermListKeys, models.PermProvisionKeys},
	})

	row := gen.Token
	assert.True(t, strings.HasPrefix(row.TokenPrefix, PrefixScheme))
	assert.Len(t, row.TokenPrefix, len(PrefixScheme)+12)
	assert.Equal(t, credential.Hash(gen.JWT), row.TokenHash)
	assert.Len(t, row.JWTSecretHash, 64)
	assert.NotContains(t, gen.JWT, row.JWTSecretHash)
	assert.Equal(t, []models.AdminPermission{models.PermProvisionKeys, models.PermListKeys}, row.Permissions)
	require.NotNil(t, row.ExpiresAt)
	assert.Equal(t, f.now.Add(365*24*time.Hour), *row.ExpiresAt)

	parsed, _, err := jwt.NewParser().ParseUnverified(gen.JWT, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, row.TokenPrefix, parsed.Header["kid"])
	assert.Equal(t, "HS256", parsed.Header["alg"])
	claims := parsed.Claims.(*Claims)
	assert.Equal(t, row.ID, claims.ID)
	assert.Equal(t, "billing", claims.ServiceName)

	got, err := f.admin.Verify(ctx, gen.JWT)
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
	assert.True(t, LooksLikeToken(gen.JWT))
}

func TestIssue_Validation(t *testing.T) {
	f := newFixture(t)
	neg, zero := -1, 0
	tests := []struct {
		name string
		req  IssueRequest
	}{
		{"no service", IssueRequest{Permissions: []models.AdminPermission{models.PermListKeys}}},
		{"unknown permission", IssueRequest{ServiceName: "s", Permissions: []models.AdminPermission{"root"}}},
		{"negative expiry", IssueRequest{ServiceName: "s", IsSuperAdmin: true, ExpiresInDays: &neg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.admin.Issue(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
		})
	}

	gen := f.issue(t, IssueRequest{ServiceName: "ops", IsSuperAdmin: true, ExpiresInDays: &zero})
	assert.Nil(t, gen.Token.ExpiresAt)
	assert.Equal(t, models.AllPermissions, gen.Token.Permissions)
	assert.True(t, HasPermission(gen.Token, models.PermManageAdminTokens))
}

func TestIssue_DefaultPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen := f.issue(t, IssueRequest{ServiceName: "svc"})
	assert.Equal(t, models.DefaultAdminPermissions, gen.Token.Permissions)
	assert.False(t, gen.Token.IsSuperAdmin)
	assert.True(t, HasPermission(gen.Token, models.PermProvisionKeys))
	assert.False(t, HasPermission(gen.Token, models.PermManageAdminTokens))

	got, err := f.admin.Verify(ctx, gen.JWT)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultAdminPermissions, got.Permissions)

	explicit := f.issue(t, IssueRequest{ServiceName: "svc", Permissions: []models.AdminPermission{models.PermViewUsage}})
	assert.Equal(t, []models.AdminPermission{models.PermViewUsage}, explicit.Token.Permissions)
}

func tamperPayload(t *testing.T, token string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	payload["super_admin"] = true
	raw, err = json.Marshal(payload)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(raw)
	return strings.Join(parts, ".")
}

func TestVerify_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gen := f.issue(t, IssueRequest{ServiceName: "svc", Permissions: []models.AdminPermission{models.PermListKeys}})

	sig := gen.JWT[len(gen.JWT)-1:]
	other := "A"
	if sig == other {
		other = "B"
	}
	for name, presented := range map[string]string{
		"payload tampered":   tamperPayload(t, gen.JWT),
		"signature tampered": gen.JWT[:len(gen.JWT)-1] + other,
		"not a jwt":          "adm_0123456789ab",
		"empty":              "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.admin.Verify(ctx, presented)
			assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
		})
	}

	require.NoError(t, f.admin.Revoke(ctx, gen.Token.ID))
	_, err := f.admin.Verify(ctx, gen.JWT)
	assert.ErrorIs(t, err, apperrors.ErrRevoked)
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t)
	one := 1
	gen := f.issue(t, IssueRequest{ServiceName: "svc", Permissions: []models.AdminPermission{models.PermListKeys}, ExpiresInDays: &one})

	f.now = f.now.Add(25 * time.Hour)
	_, err := f.admin.Verify(context.Background(), gen.JWT)
	assert.ErrorIs(t, err, apperrors.ErrExpired)
}

// A lookup-hash match is not enough: the signature must verify under the
// stored signing key as well.
func TestVerify_SigningKeyIndependentOfLookupHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legit := f.issue(t, IssueRequest{ServiceName: "svc", Permissions: []models.AdminPermission{models.PermListKeys}})

	forgedClaims := Claims{ServiceName: "svc", IsSuperAdmin: true, RegisteredClaims: jwt.RegisteredClaims{ID: "forged"}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, forgedClaims)
	tok.Header["kid"] = legit.Token.TokenPrefix
	forged, err := tok.SignedString([]byte("attacker-chosen-key"))
	require.NoError(t, err)

	require.NoError(t, f.db.CreateAdminToken(ctx, &models.AdminToken{
		ID:            "forged",
		ServiceName:   "svc",
		TokenHash:     credential.Hash(forged),
		TokenPrefix:   legit.Token.TokenPrefix,
		JWTSecretHash: legit.Token.JWTSecretHash,
		IsSuperAdmin:  true,
		IsActive:      true,
		CreatedAt:     f.now,
	}))

	_, err = f.admin.Verify(ctx, forged)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	got, err := f.admin.Verify(ctx, legit.JWT)
	require.NoError(t, err)
	assert.Equal(t, legit.Token.ID, got.ID)
}

func TestProvisionKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := f.issue(t, IssueRequest{ServiceName: "partner-portal", Permissions: []models.AdminPermission{models.PermProvisionKeys}}).Token

	res, err := f.admin.ProvisionKey(ctx, actor, ProvisionRequest{UserEmail: "new@example.com", Tier: models.APIKeyTierProfessional})
	require.NoError(t, err)
	assert.Equal(t, models.ProvisionedActive, res.Record.Status)
	assert.Equal(t, "partner-portal", res.Record.ProvisionedByService)
	assert.Equal(t, res.Key.ID, res.Record.APIKeyID)
	assert.Equal(t, models.RateLimit{Requests: 10000, Window: 24 * time.Hour}, res.Record.RateLimit)

	key, err := f.keys.Verify(ctx, res.Secret)
	require.NoError(t, err)
	assert.Equal(t, res.Key.ID, key.ID)

	user, err := f.db.GetUserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, key.UserID)

	// A second key for the same email reuses the user.
	_, err = f.admin.ProvisionKey(ctx, actor, ProvisionRequest{UserEmail: "new@example.com"})
	require.NoError(t, err)
	n, err := f.db.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := f.admin.ListProvisionedKeys(ctx, actor.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = f.admin.ListProvisionedKeys(ctx, actor.ID, f.now.Add(time.Second), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProvisionKey_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	viewer := f.issue(t, IssueRequest{ServiceName: "dashboards", Permissions: []models.AdminPermission{models.PermViewUsage}}).Token

	_, err := f.admin.ProvisionKey(ctx, viewer, ProvisionRequest{UserEmail: "x@example.com"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = f.db.GetUserByEmail(ctx, "x@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	keys, err := f.keys.List(ctx, models.APIKeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestProvisionKey_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	actor := f.issue(t, IssueRequest{ServiceName: "s", IsSuperAdmin: true}).Token
	zero := 0
	for _, req := range []ProvisionRequest{
		{UserEmail: "not-an-email"},
		{UserEmail: "a@example.com", Tier: "platinum"},
		{UserEmail: "a@example.com", ExpiresInDays: &zero},
	} {
		_, err := f.admin.ProvisionKey(context.Background(), actor, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	}
}

func TestRevokeProvisionedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := f.issue(t, IssueRequest{ServiceName: "s", Permissions: []models.AdminPermission{models.PermProvisionKeys, models.PermRevokeKeys}}).Token

	var secrets []string
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		res, err := f.admin.ProvisionKey(ctx, actor, ProvisionRequest{UserEmail: email})
		require.NoError(t, err)
		secrets = append(secrets, res.Secret)
	}
	first, err := f.keys.Verify(ctx, secrets[0])
	require.NoError(t, err)
	require.NoError(t, f.admin.RevokeProvisionedKey(ctx, actor, first.ID, "abuse"))

	n, err := f.admin.RevokeProvisionedKeys(ctx, actor, actor.ID, "contract ended")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, s := range secrets {
		_, err := f.keys.Verify(ctx, s)
		assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
	}
	records, err := f.admin.ListProvisionedKeys(ctx, actor.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	reasons := map[string]int{}
	for _, r := range records {
		assert.Equal(t, models.ProvisionedRevoked, r.Status)
		reasons[r.RevokedReason]++
	}
	assert.Equal(t, map[string]int{"abuse": 1, "contract ended": 2}, reasons)

	viewer := f.issue(t, IssueRequest{ServiceName: "v", Permissions: []models.AdminPermission{models.PermViewUsage}}).Token
	_, err = f.admin.RevokeProvisionedKeys(ctx, viewer, actor.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.ErrorIs(t, f.admin.RevokeProvisionedKey(ctx, actor, "missing", ""), apperrors.ErrNotFound)
}

func TestRecordUsageAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, IssueRequest{ServiceName: "s", Permissions: []models.AdminPermission{models.PermListKeys}}).Token
	start := f.now

	f.admin.RecordUsage(ctx, models.AdminTokenUsage{AdminTokenID: tok.ID, Action: models.ActionListKeys, IPAddress: "10.0.0.1", Success: true})
	f.now = f.now.Add(time.Minute)
	f.admin.RecordUsage(ctx, models.AdminTokenUsage{AdminTokenID: tok.ID, Action: models.ActionProvisionKey, IPAddress: "10.0.0.2", ErrorMessage: "denied"})

	history, err := f.admin.UsageHistory(ctx, tok.ID, start, f.now)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ActionProvisionKey, history[0].Action)
	assert.Equal(t, models.ActionListKeys, history[1].Action)

	got, err := f.admin.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.Equal(t, "10.0.0.2", got.LastUsedIP)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, f.now, *got.LastUsedAt)

	_, err = f.admin.UsageHistory(ctx, tok.ID, f.now, start)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestRecordUsage_StoreFailureIsIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := NewMockStore(ctrl)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := New(db, nil, nil, policy.Default(), logger)

	boom := errors.New("disk full")
	db.EXPECT().AppendAdminTokenUsage(gomock.Any(), gomock.Any()).Return(boom)
	db.EXPECT().TouchAdminToken(gomock.Any(), "tok-1", gomock.Any(), "10.1.1.1").Return(boom)

	assert.NotPanics(t, func() {
		a.RecordUsage(context.Background(), models.AdminTokenUsage{AdminTokenID: "tok-1", Action: models.ActionListKeys, IPAddress: "10.1.1.1"})
	})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "disk full")
}

type recordingIssuer struct {
	issued        []*models.APIKey
	deactivated   []string
	deactivateErr error
}

func (r *recordingIssuer) Issue(_ context.Context, req apikey.IssueRequest) (*models.APIKey, string, error) {
	k := &models.APIKey{ID: uuid.NewString(), UserID: req.UserID, Tier: req.Tier, IsActive: true}
	r.issued = append(r.issued, k)
	return k, "pk_live_secret", nil
}

func (r *recordingIssuer) Deactivate(_ context.Context, keyID string) error {
	if r.deactivateErr != nil {
		return r.deactivateErr
	}
	r.deactivated = append(r.deactivated, keyID)
	return nil
}

func TestProvisionKey_RecordFailureRollsBackKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := NewMockStore(ctrl)
	issuer := &recordingIssuer{}
	users := directory{store.NewMemoryDB()}
	a := New(db, issuer, users, policy.Default(), logging.Discard())

	db.EXPECT().CreateProvisionedKey(gomock.Any(), gomock.Any()).
		Return(apperrors.ErrStorageUnavailable)

	actor := &models.AdminToken{ID: "tok-1", ServiceName: "svc", IsSuperAdmin: true, IsActive: true}
	_, err := a.ProvisionKey(context.Background(), actor, ProvisionRequest{UserEmail: "a@example.com"})
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	require.Len(t, issuer.issued, 1)
	assert.Equal(t, []string{issuer.issued[0].ID}, issuer.deactivated)
}

func TestRevokeProvisionedKey_DeactivateFailureLeavesRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := NewMockStore(ctrl)
	issuer := &recordingIssuer{deactivateErr: apperrors.ErrStorageUnavailable}
	a := New(db, issuer, nil, policy.Default(), logging.Discard())
	actor := &models.AdminToken{ID: "tok-1", ServiceName: "svc", IsSuperAdmin: true, IsActive: true}

	// No store expectations: the record must not change.
	err := a.RevokeProvisionedKey(context.Background(), actor, "key-1", "abuse")
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)

	issuer.deactivateErr = nil
	db.EXPECT().RevokeProvisionedKey(gomock.Any(), "key-1", "abuse", gomock.Any()).Return(nil)
	require.NoError(t, a.RevokeProvisionedKey(context.Background(), actor, "key-1", "abuse"))
	assert.Equal(t, []string{"key-1"}, issuer.deactivated)
}

func TestRevokeProvisionedKey_UnprovisionedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := f.issue(t, IssueRequest{ServiceName: "s", Permissions: []models.AdminPermission{models.PermRevokeKeys}}).Token
	user, err := directory{f.db}.EnsureUser(ctx, "self@example.com")
	require.NoError(t, err)
	_, secret, err := f.keys.Issue(ctx, apikey.IssueRequest{UserID: user.ID, Name: "self-serve", Tier: models.APIKeyTierStarter})
	require.NoError(t, err)
	key, err := f.keys.Verify(ctx, secret)
	require.NoError(t, err)

	require.NoError(t, f.admin.RevokeProvisionedKey(ctx, actor, key.ID, "abuse"))
	_, err = f.keys.Verify(ctx, secret)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
}

func TestVerify_StoreFailurePropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := NewMockStore(ctrl)
	a := New(db, nil, nil, policy.Default(), logging.Discard())

	f := newFixture(t)
	gen := f.issue(t, IssueRequest{ServiceName: "s", IsSuperAdmin: true})

	db.EXPECT().ListAdminTokensByPrefix(gomock.Any(), gen.Token.TokenPrefix).
		Return(nil, apperrors.ErrStorageUnavailable)
	_, err := a.Verify(context.Background(), gen.JWT)
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
}
