// Package policy holds the immutable tier and expiry configuration handed
// to each authority at construction.
package policy

import (
	"fmt"
	"os"
	"time"

	"github.com/example/gatekeeper/internal/models"
	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

// Policy is read-only after construction. Authorities take it by value.
type Policy struct {
	tiers            map[models.APIKeyTier]models.RateLimit
	trialLifetime    time.Duration
	adminTokenExpiry time.Duration
	a2aPerMinute     int
	a2aPerDay        int
}

// Default returns the built-in tier table.
func Default() Policy {
	return Policy{
		tiers: map[models.APIKeyTier]models.RateLimit{
			models.APIKeyTierTrial:        {Requests: 100, Window: day},
			models.APIKeyTierStarter:      {Requests: 1000, Window: day},
			models.APIKeyTierProfessional: {Requests: 10000, Window: day},
			models.APIKeyTierEnterprise:   {Requests: 100000, Window: day},
		},
		trialLifetime:    14 * day,
		adminTokenExpiry: 365 * day,
		a2aPerMinute:     100,
		a2aPerDay:        10000,
	}
}

// RateLimit returns the default quota for tier. Unknown tiers fall back
// to the trial quota.
func (p Policy) RateLimit(tier models.APIKeyTier) models.RateLimit {
	if rl, ok := p.tiers[tier]; ok {
		return rl
	}
	return p.tiers[models.APIKeyTierTrial]
}

// TrialLifetime is the expiry applied to trial keys issued without one.
func (p Policy) TrialLifetime() time.Duration { return p.trialLifetime }

// AdminTokenExpiry is the default lifetime of admin tokens. Zero means
// tokens do not expire unless requested.
func (p Policy) AdminTokenExpiry() time.Duration { return p.adminTokenExpiry }

// A2ALimits returns the default per-minute and per-day client quotas.
func (p Policy) A2ALimits() (perMinute, perDay int) { return p.a2aPerMinute, p.a2aPerDay }

// WithAdminTokenExpiry returns a copy with a different admin token lifetime.
func (p Policy) WithAdminTokenExpiry(d time.Duration) Policy {
	p.tiers = cloneTiers(p.tiers)
	p.adminTokenExpiry = d
	return p
}

type fileTier struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

type file struct {
	Tiers            map[string]fileTier `yaml:"tiers"`
	TrialLifetime    string              `yaml:"trial_lifetime"`
	AdminTokenExpiry string              `yaml:"admin_token_expiry"`
	A2A              struct {
		PerMinute int `yaml:"per_minute"`
		PerDay    int `yaml:"per_day"`
	} `yaml:"a2a"`
}

// Load reads a YAML policy file and overlays it on the defaults.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML policy data on the defaults.
func Parse(data []byte) (Policy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parsing policy: %w", err)
	}

	p := Default()
	for name, t := range f.Tiers {
		tier := models.APIKeyTier(name)
		if !tier.Valid() {
			return Policy{}, fmt.Errorf("unknown tier %q", name)
		}
		if t.Requests < 0 {
			return Policy{}, fmt.Errorf("tier %s: requests must not be negative", name)
		}
		rl := models.RateLimit{Requests: t.Requests, Window: p.tiers[tier].Window}
		if t.Window != "" {
			w, err := time.ParseDuration(t.Window)
			if err != nil {
				return Policy{}, fmt.Errorf("tier %s: window: %w", name, err)
			}
			if w <= 0 {
				return Policy{}, fmt.Errorf("tier %s: window must be positive", name)
			}
			rl.Window = w
		}
		p.tiers[tier] = rl
	}

	if f.TrialLifetime != "" {
		d, err := time.ParseDuration(f.TrialLifetime)
		if err != nil {
			return Policy{}, fmt.Errorf("trial_lifetime: %w", err)
		}
		p.trialLifetime = d
	}
	if f.AdminTokenExpiry != "" {
		d, err := time.ParseDuration(f.AdminTokenExpiry)
		if err != nil {
			return Policy{}, fmt.Errorf("admin_token_expiry: %w", err)
		}
		p.adminTokenExpiry = d
	}
	if f.A2A.PerMinute > 0 {
		p.a2aPerMinute = f.A2A.PerMinute
	}
	if f.A2A.PerDay > 0 {
		p.a2aPerDay = f.A2A.PerDay
	}
	return p, nil
}

func cloneTiers(in map[models.APIKeyTier]models.RateLimit) map[models.APIKeyTier]models.RateLimit {
	out := make(map[models.APIKeyTier]models.RateLimit, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
