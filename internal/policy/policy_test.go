package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/gatekeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTiersAreOrdered(t *testing.T) {
	p := Default()
	order := []models.APIKeyTier{
		models.APIKeyTierTrial,
		models.APIKeyTierStarter,
		models.APIKeyTierProfessional,
		models.APIKeyTierEnterprise,
	}
	for i := 1; i < len(order); i++ {
		assert.Less(t, p.RateLimit(order[i-1]).Requests, p.RateLimit(order[i]).Requests)
	}
	assert.Equal(t, models.RateLimit{Requests: 1000, Window: 24 * time.Hour}, p.RateLimit(models.APIKeyTierStarter))
}

func TestUnknownTierFallsBackToTrial(t *testing.T) {
	p := Default()
	assert.Equal(t, p.RateLimit(models.APIKeyTierTrial), p.RateLimit("platinum"))
}

func TestParseOverlaysDefaults(t *testing.T) {
	p, err := Parse([]byte(`
tiers:
  starter:
    requests: 5
    window: 1m
  enterprise:
    requests: 0
trial_lifetime: 72h
admin_token_expiry: 720h
a2a:
  per_minute: 30
`))
	require.NoError(t, err)

	assert.Equal(t, models.RateLimit{Requests: 5, Window: time.Minute}, p.RateLimit(models.APIKeyTierStarter))
	assert.True(t, p.RateLimit(models.APIKeyTierEnterprise).Unlimited())
	assert.Equal(t, 1000, Default().RateLimit(models.APIKeyTierStarter).Requests, "defaults must not be mutated")
	assert.Equal(t, 72*time.Hour, p.TrialLifetime())
	assert.Equal(t, 720*time.Hour, p.AdminTokenExpiry())

	perMin, perDay := p.A2ALimits()
	assert.Equal(t, 30, perMin)
	assert.Equal(t, 10000, perDay)
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown tier":   "tiers:\n  gold:\n    requests: 1\n",
		"negative quota": "tiers:\n  trial:\n    requests: -1\n",
		"bad window":     "tiers:\n  trial:\n    window: soon\n",
		"zero window":    "tiers:\n  trial:\n    window: 0s\n",
		"bad lifetime":   "trial_lifetime: forever\n",
		"malformed yaml": "tiers: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  trial:\n    requests: 7\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, p.RateLimit(models.APIKeyTierTrial).Requests)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWithAdminTokenExpiryCopies(t *testing.T) {
	base := Default()
	p := base.WithAdminTokenExpiry(48 * time.Hour)

	assert.Equal(t, 48*time.Hour, p.AdminTokenExpiry())
	assert.Equal(t, 365*24*time.Hour, base.AdminTokenExpiry())
}
