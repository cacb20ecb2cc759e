// Package gateway classifies presented bearer credentials and dispatches
// them to the authority that can verify them.
package gateway

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/example/gatekeeper/internal/a2a"
	"github.com/example/gatekeeper/internal/admin"
	"github.com/example/gatekeeper/internal/apikey"
	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
)

// Kind tags the credential variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindAPIKey
	KindAdminToken
	KindA2ASession
	KindUserSession
)

func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindAdminToken:
		return "admin_token"
	case KindA2ASession:
		return "a2a_session"
	case KindUserSession:
		return "user_session"
	}
	return "unknown"
}

// Credential is a classified, unverified secret.
type Credential struct {
	Kind Kind
	Raw  string
}

// Classify tags raw by its shape. It does not touch storage.
func Classify(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Credential{}, apperrors.ErrInvalidCredential
	case apikey.LooksLikeKey(raw):
		return Credential{Kind: KindAPIKey, Raw: raw}, nil
	case strings.HasPrefix(raw, a2a.SessionTokenPrefix):
		return Credential{Kind: KindA2ASession, Raw: raw}, nil
	case admin.LooksLikeToken(raw):
		return Credential{Kind: KindAdminToken, Raw: raw}, nil
	case strings.Count(raw, ".") == 2:
		return Credential{Kind: KindUserSession, Raw: raw}, nil
	}
	return Credential{}, apperrors.ErrInvalidCredential
}

// Principal is a verified credential. Exactly one of the pointer fields
// is set, matching Kind.
type Principal struct {
	Kind       Kind
	APIKey     *models.APIKey
	AdminToken *models.AdminToken
	Session    *models.A2ASession
	User       *models.User
}

// ID returns the id of the verified entity.
func (p *Principal) ID() string {
	switch p.Kind {
	case KindAPIKey:
		return p.APIKey.ID
	case KindAdminToken:
		return p.AdminToken.ID
	case KindA2ASession:
		return p.Session.ID
	case KindUserSession:
		return p.User.ID
	}
	return ""
}

type (
	APIKeyVerifier interface {
		Verify(ctx context.Context, presented string) (*models.APIKey, error)
	}
	AdminTokenVerifier interface {
		Verify(ctx context.Context, presented string) (*models.AdminToken, error)
	}
	SessionVerifier interface {
		VerifySession(ctx context.Context, token string) (*models.A2ASession, error)
	}
	UserSessionVerifier interface {
		VerifyAccessToken(ctx context.Context, token string) (*models.User, error)
	}
)

// Gateway verifies each credential variant with its own authority.
type Gateway struct {
	keys     APIKeyVerifier
	admins   AdminTokenVerifier
	sessions SessionVerifier
	users    UserSessionVerifier
}

func New(keys APIKeyVerifier, admins AdminTokenVerifier, sessions SessionVerifier, users UserSessionVerifier) *Gateway {
	return &Gateway{keys: keys, admins: admins, sessions: sessions, users: users}
}

// Verify checks c with the authority for its Kind.
func (g *Gateway) Verify(ctx context.Context, c Credential) (*Principal, error) {
	p := &Principal{Kind: c.Kind}
	var err error
	switch c.Kind {
	case KindAPIKey:
		p.APIKey, err = g.keys.Verify(ctx, c.Raw)
	case KindAdminToken:
		p.AdminToken, err = g.admins.Verify(ctx, c.Raw)
	case KindA2ASession:
		p.Session, err = g.sessions.VerifySession(ctx, c.Raw)
	case KindUserSession:
		p.User, err = g.users.VerifyAccessToken(ctx, c.Raw)
	default:
		return nil, fmt.Errorf("%w: unclassified credential", apperrors.ErrInvalidCredential)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Authenticate classifies and verifies raw. When accept is non-empty,
// other kinds are refused with ErrInvalidCredential before any lookup.
func (g *Gateway) Authenticate(ctx context.Context, raw string, accept ...Kind) (*Principal, error) {
	c, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	if len(accept) > 0 && !slices.Contains(accept, c.Kind) {
		return nil, fmt.Errorf("%w: %s not accepted here", apperrors.ErrInvalidCredential, c.Kind)
	}
	return g.Verify(ctx, c)
}
