// Package config provides configuration management for AlertForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/api/gateway"
	splunk "github.com/lvonguyen/alertforge/internal/ingestion"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Mail providers.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderResend = "resend"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all AlertForge configuration.
type Config struct {
	Server    ServerConfig                   `yaml:"server"`
	Redis     RedisConfig                    `yaml:"redis"`
	Store     StoreConfig                    `yaml:"store"`
	Queues    QueuesConfig                   `yaml:"queues"`
	Mail      MailConfig                     `yaml:"mail"`
	Ingestion normalization.NormalizerConfig `yaml:"ingestion"`
	HEC       splunk.ReceiverConfig          `yaml:"hec"`
	RateLimit gateway.RateLimitConfig        `yaml:"rate_limit"`
	Retention storage.RetentionConfig        `yaml:"retention"`
	Directory DirectoryConfig                `yaml:"directory"`
	Telemetry observability.Config           `yaml:"telemetry"`
	// Accounts are upserted into the account directory at startup.
	Accounts []alerting.Account `yaml:"accounts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Password reads the Redis password from the configured env var.
func (c RedisConfig) Password() string {
	return envOrEmpty(c.PasswordEnv)
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string                 `yaml:"backend"` // memory, postgres
	DSNEnv   string                 `yaml:"dsn_env"`
	Migrate  bool                   `yaml:"migrate"`
	Postgres storage.PostgresConfig `yaml:"postgres"`
}

// PostgresConfig returns the pool settings with the DSN read from DSNEnv.
func (c StoreConfig) PostgresConfig() storage.PostgresConfig {
	pc := c.Postgres
	pc.DSN = envOrEmpty(c.DSNEnv)
	return pc
}

// QueuesConfig configures the notification and cache invalidation queues.
type QueuesConfig struct {
	Backend     string        `yaml:"backend"` // redis, memory
	Concurrency int           `yaml:"concurrency"`
	Email       queue.Options `yaml:"email"`
	Cache       queue.Options `yaml:"cache"`
}

// MailConfig configures outbound email.
type MailConfig struct {
	From     string       `yaml:"from"`
	Primary  string       `yaml:"primary"`
	Fallback []string     `yaml:"fallback"`
	SMTP     SMTPConfig   `yaml:"smtp"`
	SES      SESConfig    `yaml:"ses"`
	Resend   ResendConfig `yaml:"resend"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	PasswordEnv string        `yaml:"password_env"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Password reads the SMTP password from the configured env var.
func (c SMTPConfig) Password() string {
	return envOrEmpty(c.PasswordEnv)
}

// SESConfig holds Amazon SES settings. Credentials come from the default
// AWS chain.
type SESConfig struct {
	Region string `yaml:"region"`
}

// ResendConfig holds Resend settings.
type ResendConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the Resend key from the configured env var.
func (c ResendConfig) APIKey() string {
	return envOrEmpty(c.APIKeyEnv)
}

// DirectoryConfig sizes the account lookup cache.
type DirectoryConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		Store: StoreConfig{
			Backend: StorePostgres,
			DSNEnv:  "ALERTFORGE_DATABASE_URL",
			Migrate: true,
		},
		Queues: QueuesConfig{
			Backend:     QueueRedis,
			Concurrency: 5,
			Email: queue.Options{
				Attempts:            3,
				Backoff:             queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second},
				DeadLetterRetention: 5000,
				CompletedRetention:  24 * time.Hour,
				Lease:               5 * time.Minute,
			},
			Cache: queue.Options{
				Attempts:            3,
				Backoff:             queue.Backoff{Type: queue.BackoffExponential, Delay: 3 * time.Second},
				DeadLetterRetention: 1000,
				Lease:               5 * time.Minute,
			},
		},
		Mail: MailConfig{
			From:     "alerts@alertforge.local",
			Primary:  ProviderSMTP,
			Fallback: []string{},
			SMTP: SMTPConfig{
				Host:        "localhost",
				Port:        587,
				PasswordEnv: "ALERTFORGE_SMTP_PASSWORD",
				Timeout:     30 * time.Second,
			},
			SES:    SESConfig{Region: "us-east-1"},
			Resend: ResendConfig{APIKeyEnv: "RESEND_API_KEY"},
		},
		Ingestion: normalization.NormalizerConfig{DefaultTenant: "default"},
		HEC:       splunk.DefaultReceiverConfig(),
		RateLimit: gateway.DefaultRateLimitConfig(),
		Retention: storage.DefaultRetention(),
		Directory: DirectoryConfig{
			CacheSize: 1024,
			CacheTTL:  5 * time.Minute,
		},
		Telemetry: observability.Config{
			ServiceName:    "alertforge",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("%w: store.backend must be %q or %q", ErrInvalid, StoreMemory, StorePostgres)
	}
	switch c.Queues.Backend {
	case QueueRedis, QueueMemory:
	default:
		return fmt.Errorf("%w: queues.backend must be %q or %q", ErrInvalid, QueueRedis, QueueMemory)
	}
	for _, name := range append([]string{c.Mail.Primary}, c.Mail.Fallback...) {
		switch name {
		case ProviderSMTP, ProviderSES, ProviderResend:
		default:
			return fmt.Errorf("%w: unknown mail provider %q", ErrInvalid, name)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be between 1 and 65535", ErrInvalid)
	}
	if c.Queues.Concurrency <= 0 {
		return fmt.Errorf("%w: queues.concurrency must be positive", ErrInvalid)
	}
	for i, a := range c.Accounts {
		if a.Username == "" || a.Email == "" {
			return fmt.Errorf("%w: accounts[%d] needs username and email", ErrInvalid, i)
		}
	}
	return nil
}

// MailProviders returns the mail providers in the order they are tried.
func (c *Config) MailProviders() []string {
	seen := map[string]bool{}
	var providers []string
	for _, name := range append([]string{c.Mail.Primary}, c.Mail.Fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		providers = append(providers, name)
	}
	return providers
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
