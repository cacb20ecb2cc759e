package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-me"

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: postgres, sqlite, bolt or memory.
	DBAdapter  string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile string `env:"SQLITE_FILE" envDefault:"./data/gatekeeper.db"`
	BoltFile   string `env:"BOLT_FILE" envDefault:"./data/gatekeeper.bolt"`

	// MigrationsDir overrides the migrations compiled into the binary.
	MigrationsDir string `env:"MIGRATIONS_DIR"`

	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"gatekeeper"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"gatekeeper"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// Secrets. EncryptionKey is 64 hex characters (32 bytes).
	JWTSecret     string `env:"JWT_SECRET" envDefault:"change-me"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Policy
	TierPolicyFile       string        `env:"TIER_POLICY_FILE"`
	AdminTokenExpiryDays int           `env:"ADMIN_TOKEN_EXPIRY_DAYS" envDefault:"365"`
	ExpirySweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"1h"`
	AuthRatePerMinute    int           `env:"AUTH_RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	// TrustedProxies lists the CIDRs (or single addresses) whose
	// X-Forwarded-For header is believed. Empty means none.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "bolt":
		if c.BoltFile == "" {
			return errors.New("BOLT_FILE must be set when DB_ADAPTER=bolt")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, bolt, memory)", c.DBAdapter)
	}

	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}

	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.AdminTokenExpiryDays < 0 {
		return errors.New("ADMIN_TOKEN_EXPIRY_DAYS must not be negative")
	}
	if c.ExpirySweepInterval <= 0 {
		return errors.New("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES. A bare address is a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// EncryptionKeyBytes decodes ENCRYPTION_KEY.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, errors.New("ENCRYPTION_KEY must be set")
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	e := strings.ToLower(c.Environment)
	return e == "production" || e == "prod"
}

// AdminTokenExpiry converts ADMIN_TOKEN_EXPIRY_DAYS to a duration.
func (c *Config) AdminTokenExpiry() time.Duration {
	return time.Duration(c.AdminTokenExpiryDays) * 24 * time.Hour
}

// BuildPostgresDSN returns POSTGRES_DSN when set, otherwise a DSN
// assembled from the individual settings.
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}
