package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for dbgate.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Authentication configuration (federated claims)
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (distributed rate limiting, optional)
	Redis RedisConfig `yaml:"redis"`

	// Governor configuration (admission, health thresholds, audit recovery)
	Governor GovernorConfig `yaml:"governor"`
}

// AuthConfig holds federated-claim verification configuration.
type AuthConfig struct {
	// EnableVerification controls whether federated JWT tokens are validated.
	// Set to false for local development without an identity provider.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"dbgate"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"dbgate"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// URL builds a connection string from the individual fields.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration for the distributed rate limiter.
// If Host is empty, dbgate falls back to the in-process limiter.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// GovernorConfig holds admission and health-check thresholds.
type GovernorConfig struct {
	// UsageThresholdPercent is the pool usage percentage at or above which
	// a HighUsage breach is reported (and non-admin admission refused).
	UsageThresholdPercent float64 `yaml:"usage_threshold_percent" env:"GOVERNOR_USAGE_THRESHOLD_PERCENT" env-default:"80"`

	// IdleInTxGrace is how long a session may sit idle-in-transaction
	// before it counts as a leak.
	IdleInTxGrace time.Duration `yaml:"idle_in_tx_grace" env:"GOVERNOR_IDLE_IN_TX_GRACE" env-default:"1m"`

	// LongQueryThreshold is the active-query duration at which a
	// LongRunningQuery breach is reported.
	LongQueryThreshold time.Duration `yaml:"long_query_threshold" env:"GOVERNOR_LONG_QUERY_THRESHOLD" env-default:"30s"`

	// DefaultRateLimitPerMin is applied to new API keys when the
	// administrator does not specify one.
	DefaultRateLimitPerMin int `yaml:"default_rate_limit_per_min" env:"GOVERNOR_DEFAULT_RATE_LIMIT_PER_MIN" env-default:"60"`

	// AuditWriteRetries bounds retry attempts for a failed query-audit
	// write before the session degrades.
	AuditWriteRetries int `yaml:"audit_write_retries" env:"GOVERNOR_AUDIT_WRITE_RETRIES" env-default:"3"`

	// AuditReadSampling controls auditing of anonymous/public reads:
	// 0 disables read auditing, 1 audits every read, values in between
	// sample. Write auditing is never sampled.
	AuditReadSampling float64 `yaml:"audit_read_sampling" env:"GOVERNOR_AUDIT_READ_SAMPLING" env-default:"0"`

	// RetentionDays is how long audit entries are kept before the
	// retention job prunes them.
	RetentionDays int `yaml:"retention_days" env:"GOVERNOR_RETENTION_DAYS" env-default:"90"`

	// RetentionInterval is how often the retention job runs.
	RetentionInterval time.Duration `yaml:"retention_interval" env:"GOVERNOR_RETENTION_INTERVAL" env-default:"24h"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only,
// skipping config.yaml. Used by tests and containerized deployments.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) parseComplexFields() error {
	c.Auth.JWKSEndpoints = make(map[string]string)
	if c.Auth.JWKSEndpointsStr == "" {
		return nil
	}

	pairs := splitAndTrim(c.Auth.JWKSEndpointsStr, ",")
	for _, pair := range pairs {
		parts := splitAndTrim(pair, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid jwks_endpoints entry %q, expected issuer=url", pair)
		}
		c.Auth.JWKSEndpoints[parts[0]] = parts[1]
	}
	return nil
}

func (c *Config) validate() error {
	if c.Governor.UsageThresholdPercent <= 0 || c.Governor.UsageThresholdPercent > 100 {
		return fmt.Errorf("usage_threshold_percent must be in (0, 100], got %v", c.Governor.UsageThresholdPercent)
	}
	if c.Governor.AuditReadSampling < 0 || c.Governor.AuditReadSampling > 1 {
		return fmt.Errorf("audit_read_sampling must be in [0, 1], got %v", c.Governor.AuditReadSampling)
	}
	if c.Governor.DefaultRateLimitPerMin <= 0 {
		return fmt.Errorf("default_rate_limit_per_min must be positive, got %d", c.Governor.DefaultRateLimitPerMin)
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
