package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted by Config.Environment.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins       []string      `yaml:"cors_origins"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConns         int32         `yaml:"max_conns"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// RedisConfig controls the shared rate-limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// RateLimitConfig holds the per-scope request budgets. All limits share a
// single window.
type RateLimitConfig struct {
	Window         time.Duration `yaml:"window"`
	IPLimit        int           `yaml:"ip_limit"`
	UserLimit      int           `yaml:"user_limit"`
	LoginLimit     int           `yaml:"login_limit"`
	PaymentLimit   int           `yaml:"payment_limit"`
}

// AuthConfig holds token issuance and lockout policy.
type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl"`
	LockoutMaxAttempts int           `yaml:"lockout_max_attempts"`
	LockoutDuration    time.Duration `yaml:"lockout_duration"`
	ClockSkew          time.Duration `yaml:"clock_skew"`
	IdentityURL        string        `yaml:"identity_url"`
	IdentityAPIKey     string        `yaml:"identity_api_key"`
}

// AuditConfig holds the audit signing key and retention policy. Retention is
// recorded for operators; this service never deletes audit rows.
type AuditConfig struct {
	HMACSecret            string `yaml:"hmac_secret"`
	RetentionDays         int    `yaml:"retention_days"`
	SecurityRetentionDays int    `yaml:"security_retention_days"`
}

// BreakerConfig holds the circuit breaker tuning shared by all named circuits.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// PaymentsConfig holds provider webhook secrets and signature policy.
type PaymentsConfig struct {
	WebhookSecrets     map[string]string `yaml:"webhook_secrets"`
	SignatureTolerance time.Duration     `yaml:"signature_tolerance"`
}

// LogFileConfig enables rotating file output for logs.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the full runtime configuration for edbased.
type Config struct {
	Environment  string          `yaml:"environment"`
	Server       ServerConfig    `yaml:"server"`
	Database     DatabaseConfig  `yaml:"database"`
	Redis        RedisConfig     `yaml:"redis"`
	RateLimit    RateLimitConfig `yaml:"ratelimit"`
	Auth         AuthConfig      `yaml:"auth"`
	Audit        AuditConfig     `yaml:"audit"`
	Breaker      BreakerConfig   `yaml:"breaker"`
	Payments     PaymentsConfig  `yaml:"payments"`
	CursorSecret string          `yaml:"cursor_secret"`
	LogFile      LogFileConfig   `yaml:"log_file"`
}

// Default returns a configuration populated with development defaults.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			ListenAddress:     ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MinConns:         5,
			MaxConns:         20,
			MaxConnIdleTime:  10 * time.Minute,
			MaxConnLifetime:  time.Hour,
			ConnectTimeout:   30 * time.Second,
			StatementTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		RateLimit: RateLimitConfig{
			Window:       time.Minute,
			IPLimit:      100,
			UserLimit:    50,
			LoginLimit:   10,
			PaymentLimit: 5,
		},
		Auth: AuthConfig{
			AccessTokenTTL:     15 * time.Minute,
			RefreshTokenTTL:    720 * time.Hour,
			LockoutMaxAttempts: 5,
			LockoutDuration:    15 * time.Minute,
			ClockSkew:          5 * time.Minute,
		},
		Audit: AuditConfig{
			RetentionDays:         90,
			SecurityRetentionDays: 2555,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenMax:      1,
		},
		Payments: PaymentsConfig{
			SignatureTolerance: 5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// variable overrides for secrets, validates, and returns the configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and connection details from the environment so
// they never need to live in the config file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("EDBASE_ENV")); v != "" {
		c.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_REDIS_PASSWORD")); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_JWT_SECRET")); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_AUDIT_HMAC_SECRET")); v != "" {
		c.Audit.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_CURSOR_SECRET")); v != "" {
		c.CursorSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_IDENTITY_API_KEY")); v != "" {
		c.Auth.IdentityAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EDBASE_STRIPE_WEBHOOK_SECRET")); v != "" {
		if c.Payments.WebhookSecrets == nil {
			c.Payments.WebhookSecrets = make(map[string]string)
		}
		c.Payments.WebhookSecrets["stripe"] = v
	}
}

// IsProduction reports whether the configuration targets production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}

// Validate checks the configuration and returns all problems joined into a
// single error. Secrets are only mandatory in production; development runs
// warn and substitute ephemeral values in main.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("environment must be one of %s, %s, %s", EnvDevelopment, EnvStaging, EnvProduction))
	}

	if strings.TrimSpace(c.Server.ListenAddress) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database pool bounds must be positive"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database.min_conns exceeds database.max_conns"))
	}
	if c.Database.StatementTimeout <= 0 {
		errs = append(errs, errors.New("database.statement_timeout must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}
	for name, limit := range map[string]int{
		"ratelimit.ip_limit":      c.RateLimit.IPLimit,
		"ratelimit.user_limit":    c.RateLimit.UserLimit,
		"ratelimit.login_limit":   c.RateLimit.LoginLimit,
		"ratelimit.payment_limit": c.RateLimit.PaymentLimit,
	} {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("auth token TTLs must be positive"))
	}
	if c.Auth.LockoutMaxAttempts <= 0 || c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("auth lockout policy must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.ResetTimeout <= 0 || c.Breaker.HalfOpenMax <= 0 {
		errs = append(errs, errors.New("breaker tuning must be positive"))
	}
	if c.Payments.SignatureTolerance <= 0 {
		errs = append(errs, errors.New("payments.signature_tolerance must be positive"))
	}

	if c.IsProduction() {
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database.dsn is required in production"))
		}
		for name, secret := range map[string]string{
			"auth.jwt_secret":   c.Auth.JWTSecret,
			"audit.hmac_secret": c.Audit.HMACSecret,
			"cursor_secret":     c.CursorSecret,
		} {
			if strings.TrimSpace(secret) == "" {
				errs = append(errs, fmt.Errorf("%s is required in production", name))
			}
		}
		if len(c.Payments.WebhookSecrets) == 0 {
			errs = append(errs, errors.New("payments.webhook_secrets is required in production"))
		}
	}

	return errors.Join(errs...)
}
