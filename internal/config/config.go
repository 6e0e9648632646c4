// Package config loads the taskboard server's YAML configuration file and
// applies environment-variable overrides, following the load/validate/
// loadFromEnv split used by internal/database for its own Config.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// ServerConfig controls the HTTP listener ports.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig carries connection settings read from YAML; LoadFromEnv on
// database.Config still applies DB_* overrides on top of these.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ClaimConfig bounds the expiresInSeconds an agent may request for a claim
// and tunes the optional background sweeper that marks stale claims expired.
type ClaimConfig struct {
	MinExpirySeconds     int           `yaml:"min_expiry_seconds"`
	MaxExpirySeconds     int           `yaml:"max_expiry_seconds"`
	DefaultExpirySeconds int           `yaml:"default_expiry_seconds"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

// AppendConfig bounds request payload sizes: the per-append content ceiling
// and the overall decoded-body ceiling.
type AppendConfig struct {
	MaxContentBytes     int   `yaml:"max_content_bytes"`
	RequestBodyMaxBytes int64 `yaml:"request_body_max_bytes"`
}

// IdempotencyConfig tunes how long a waiter blocks on an in-flight owner.
type IdempotencyConfig struct {
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WebhookConfig tunes outbound delivery behavior.
type WebhookConfig struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

// LoggingConfig selects structured-logger verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig points at the read-through capability cache; an
// empty Addr disables caching and every lookup falls through to Postgres.
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// CapabilityConfig carries the server-side salt mixed into every capability
// key before it is hashed for lookup; the plaintext key is never stored.
type CapabilityConfig struct {
	Salt string `yaml:"salt"`
}

// AuditConfig sizes the buffered, non-blocking audit writer (pkg/audit).
type AuditConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config is the full process configuration for cmd/taskboard-server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Capability  CapabilityConfig  `yaml:"capability"`
	Claim       ClaimConfig       `yaml:"claim"`
	Append      AppendConfig      `yaml:"append"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads the YAML file at path, applies defaults for unset fields,
// overlays environment variables, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "failed to read config file")
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, apperrors.Wrapf(err, "failed to parse config file")
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "taskboard",
			Name:    "taskboard",
			SSLMode: "disable",
		},
		Claim: ClaimConfig{
			MinExpirySeconds:     60,
			MaxExpirySeconds:     86400,
			DefaultExpirySeconds: 1800,
			SweepInterval:        30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			WaitTimeout:  2 * time.Second,
			PollInterval: 10 * time.Millisecond,
		},
		Webhook: WebhookConfig{
			DispatchTimeout: 5 * time.Second,
			MaxConcurrent:   8,
		},
		Redis: RedisConfig{
			TTL: 30 * time.Second,
		},
		Append: AppendConfig{
			MaxContentBytes:     64 * 1024,
			RequestBodyMaxBytes: 5 * 1024 * 1024,
		},
		Capability: CapabilityConfig{
			Salt: "dev-salt-change-me",
		},
		Audit: AuditConfig{
			BufferSize:    1000,
			BatchSize:     50,
			FlushInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// validate checks required fields and cross-field invariants and returns
// the first violation it finds. It never modifies config or fills in
// defaults.
func validate(config *Config) error {
	if config.Server.WebhookPort == "" {
		return apperrors.ValidationError("server.webhook_port", "webhook port is required")
	}

	if config.Claim.MinExpirySeconds <= 0 {
		return apperrors.ValidationError("claim.min_expiry_seconds", "claim min expiry must be greater than 0")
	}
	if config.Claim.MaxExpirySeconds < config.Claim.MinExpirySeconds {
		return apperrors.ValidationError("claim.max_expiry_seconds", "claim max expiry must be >= min expiry")
	}
	if config.Claim.DefaultExpirySeconds < config.Claim.MinExpirySeconds ||
		config.Claim.DefaultExpirySeconds > config.Claim.MaxExpirySeconds {
		return apperrors.ValidationError("claim.default_expiry_seconds", "claim default expiry must be within [min, max]")
	}
	if config.Claim.SweepInterval <= 0 {
		return apperrors.ValidationError("claim.sweep_interval", "claim sweep interval must be greater than 0")
	}

	if config.Webhook.MaxConcurrent <= 0 {
		return apperrors.ValidationError("webhook.max_concurrent", "webhook max concurrent must be greater than 0")
	}

	if config.Idempotency.WaitTimeout <= 0 {
		return apperrors.ValidationError("idempotency.wait_timeout", "idempotency wait timeout must be greater than 0")
	}

	if config.Capability.Salt == "" {
		return apperrors.ValidationError("capability.salt", "capability salt is required")
	}

	if config.Append.MaxContentBytes <= 0 {
		return apperrors.ValidationError("append.max_content_bytes", "append max content bytes must be greater than 0")
	}
	if config.Append.RequestBodyMaxBytes <= 0 {
		return apperrors.ValidationError("append.request_body_max_bytes", "append request body max bytes must be greater than 0")
	}

	if config.Audit.BufferSize <= 0 {
		return apperrors.ValidationError("audit.buffer_size", "audit buffer size must be greater than 0")
	}
	if config.Audit.BatchSize <= 0 {
		return apperrors.ValidationError("audit.batch_size", "audit batch size must be greater than 0")
	}
	if config.Audit.FlushInterval <= 0 {
		return apperrors.ValidationError("audit.flush_interval", "audit flush interval must be greater than 0")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.ValidationError("logging.level", "unsupported logging level")
	}

	return nil
}

// loadFromEnv overlays a handful of operationally common overrides on top
// of whatever the YAML file specified, leaving config untouched for
// anything unset.
func loadFromEnv(config *Config) error {
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		config.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("CAPABILITY_SALT"); v != "" {
		config.Capability.Salt = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv("CLAIM_DEFAULT_EXPIRY_SECONDS"); v != "" {
		seconds, err := time.ParseDuration(v + "s")
		if err != nil {
			return apperrors.Wrapf(err, "failed to parse CLAIM_DEFAULT_EXPIRY_SECONDS")
		}
		config.Claim.DefaultExpirySeconds = int(seconds.Seconds())
	}
	return nil
}
