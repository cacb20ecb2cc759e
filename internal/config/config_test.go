package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ENVIRONMENT", "LOG_LEVEL", "DB_ADAPTER", "SQLITE_FILE", "BOLT_FILE",
		"MIGRATIONS_DIR", "POSTGRES_DSN", "POSTGRES_HOST", "POSTGRES_PORT",
		"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_SSLMODE",
		"JWT_SECRET", "ENCRYPTION_KEY", "TIER_POLICY_FILE", "ADMIN_TOKEN_EXPIRY_DAYS",
		"EXPIRY_SWEEP_INTERVAL", "AUTH_RATE_LIMIT_PER_MINUTE", "TRUSTED_PROXIES",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	// Keep a stray .env in the working directory from leaking in.
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBAdapter)
	assert.Equal(t, "host=localhost port=5432 user=gatekeeper dbname=gatekeeper sslmode=disable", cfg.PostgresDSN)
	assert.Equal(t, 365*24*time.Hour, cfg.AdminTokenExpiry())
	assert.Equal(t, time.Hour, cfg.ExpirySweepInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EncryptionKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"valid", testKey, true},
		{"missing", "", false},
		{"not hex", "zz" + testKey[2:], false},
		{"short", testKey[:32], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("DB_ADAPTER", "memory")
			t.Setenv("ENCRYPTION_KEY", tt.key)

			_, err := Load()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoad_ProductionRequiresJWTSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "a-real-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_RejectsUnknownAdapter(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("DB_ADAPTER", "mongo")

	_, err := Load()
	assert.ErrorContains(t, err, "unsupported DB_ADAPTER")
}

func TestLoad_RejectsBadPort(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("PORT", "http")

	_, err := Load()
	assert.ErrorContains(t, err, "invalid PORT")
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresDSN: "postgres://x"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	c = &Config{PostgresHost: "db", PostgresUser: "u", PostgresDB: "d", PostgresPassword: "p"}
	dsn, err = c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u dbname=d sslmode=disable password=p", dsn)

	_, err = (&Config{PostgresUser: "u", PostgresDB: "d"}).BuildPostgresDSN()
	assert.Error(t, err)
}

func TestLoad_TrustedProxies(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7")

	cfg, err := Load()
	require.NoError(t, err)
	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())

	t.Setenv("TRUSTED_PROXIES", "not-an-ip")
	_, err = Load()
	assert.ErrorContains(t, err, "TRUSTED_PROXIES")
}
