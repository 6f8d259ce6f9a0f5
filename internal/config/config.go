package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

// EnvPrefix prefixes every environment override, e.g. BILLING_DATABASE_HOST.
const EnvPrefix = "billing"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Billing    BillingConfig    `mapstructure:"billing"`
	Grouping   GroupingConfig   `mapstructure:"grouping"`
	Gate       GateConfig       `mapstructure:"gate"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Validation ValidationConfig `mapstructure:"validation"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" envconfig:"rate_limit"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" envconfig:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" envconfig:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"shutdown_timeout"`
	HealthPort      int           `mapstructure:"health_port" envconfig:"health_port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" envconfig:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"conn_max_lifetime"`
	// AutoMigrate applies the embedded schema on API startup.
	AutoMigrate bool `mapstructure:"auto_migrate" envconfig:"auto_migrate"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig is optional. With an empty URL the service runs on in-process
// fallbacks for caching, locking and the pending-charge queue.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries" envconfig:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" envconfig:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"min_idle_conns"`
}

func (c RedisConfig) Enabled() bool { return c.URL != "" }

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type BillingConfig struct {
	TrialCreditLimit string `mapstructure:"trial_credit_limit" envconfig:"trial_credit_limit"`
	TrialDays        int    `mapstructure:"trial_days" envconfig:"trial_days"`
	InvoiceDueDays   int    `mapstructure:"invoice_due_days" envconfig:"invoice_due_days"`
	Currency         string `mapstructure:"currency"`
}

// TrialLimit returns the parsed trial credit limit. Validate has already
// rejected unparsable values.
func (c BillingConfig) TrialLimit() decimal.Decimal {
	d, err := money.Parse(c.TrialCreditLimit)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type GroupingConfig struct {
	WindowCeiling time.Duration `mapstructure:"window_ceiling" envconfig:"window_ceiling"`
	OrphanBucket  time.Duration `mapstructure:"orphan_bucket" envconfig:"orphan_bucket"`
}

type GateConfig struct {
	StrictTrialLimit bool `mapstructure:"strict_trial_limit" envconfig:"strict_trial_limit"`
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type LedgerConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" envconfig:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" envconfig:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" envconfig:"max_elapsed"`
}

type SweepConfig struct {
	BatchSize  int           `mapstructure:"batch_size" envconfig:"batch_size"`
	Interval   time.Duration `mapstructure:"interval"`
	RunTimeout time.Duration `mapstructure:"run_timeout" envconfig:"run_timeout"`
	LockTTL    time.Duration `mapstructure:"lock_ttl" envconfig:"lock_ttl"`
}

type ValidationConfig struct {
	PageSize    int `mapstructure:"page_size" envconfig:"page_size"`
	Concurrency int `mapstructure:"concurrency"`
}

type AuthConfig struct {
	AdminJWTSecret string `mapstructure:"admin_jwt_secret" envconfig:"admin_jwt_secret"`
	AdminAudience  string `mapstructure:"admin_audience" envconfig:"admin_audience"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size" envconfig:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval" envconfig:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts" envconfig:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" envconfig:"retry_delay"`
	Retention     time.Duration `mapstructure:"retention"`
}

// AuditConfig drives the retention worker. Processed outbox rows use
// Outbox.Retention.
type AuditConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" envconfig:"cleanup_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_port", 8081)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "billing")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("log.level", "info")

	v.SetDefault("billing.trial_credit_limit", "50.00")
	v.SetDefault("billing.trial_days", 14)
	v.SetDefault("billing.invoice_due_days", 10)
	v.SetDefault("billing.currency", "BRL")

	v.SetDefault("grouping.window_ceiling", 120*time.Second)
	v.SetDefault("grouping.orphan_bucket", time.Hour)

	v.SetDefault("gate.strict_trial_limit", false)

	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.ttl", 30*time.Second)

	v.SetDefault("ledger.retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("ledger.retry.max_interval", 2*time.Second)
	v.SetDefault("ledger.retry.max_elapsed", 10*time.Second)

	v.SetDefault("sweep.batch_size", 200)
	v.SetDefault("sweep.interval", 15*time.Minute)
	v.SetDefault("sweep.run_timeout", 5*time.Minute)
	v.SetDefault("sweep.lock_ttl", 10*time.Minute)

	v.SetDefault("validation.page_size", 500)
	v.SetDefault("validation.concurrency", 8)

	v.SetDefault("auth.admin_audience", "billing-admin")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", time.Second)
	v.SetDefault("outbox.retention", 7*24*time.Hour)

	v.SetDefault("audit.retention", 5*365*24*time.Hour)
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)
}

// LoadConfig reads config.yml from the given directories (or the usual
// locations when none are given) and applies BILLING_* environment
// overrides. A missing file is not an error.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := money.Parse(c.Billing.TrialCreditLimit); err != nil {
		return fmt.Errorf("billing.trial_credit_limit: %w", err)
	}
	if c.Billing.InvoiceDueDays < 0 {
		return fmt.Errorf("billing.invoice_due_days must not be negative")
	}
	if c.Grouping.WindowCeiling <= 0 || c.Grouping.OrphanBucket <= 0 {
		return fmt.Errorf("grouping.window_ceiling and grouping.orphan_bucket must be positive")
	}
	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("cache.backend=redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be greater than 0")
	}
	if c.Validation.PageSize <= 0 || c.Validation.Concurrency <= 0 {
		return fmt.Errorf("validation.page_size and validation.concurrency must be greater than 0")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.RetryAttempts <= 0 {
		return fmt.Errorf("outbox.batch_size and outbox.retry_attempts must be greater than 0")
	}
	return nil
}
