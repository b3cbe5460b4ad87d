package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	QueueBackendRedis    = "redis"
	QueueBackendRabbitMQ = "rabbitmq"

	RateLimitBackendRedis = "redis"
	RateLimitBackendLocal = "local"
)

type Config struct {
	DatabaseDSN    string        `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBSlowQuery    time.Duration `env:"DB_SLOW_QUERY,default=1s"`
	RedisURL       string        `env:"REDIS_URL,required=true"`
	RabbitMQURL    string        `env:"RABBITMQ_URL"`
	QueueBackend   string        `env:"QUEUE_BACKEND,default=redis"`

	Provider            string        `env:"PROVIDER,default=mailgun"`
	MailgunBaseURL      string        `env:"MAILGUN_BASE_URL,default=https://api.mailgun.net"`
	MailgunDomain       string        `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey       string        `env:"MAILGUN_API_KEY"`
	SESRegion           string        `env:"SES_REGION"`
	SESAccessKeyID      string        `env:"SES_ACCESS_KEY_ID"`
	SESSecretAccessKey  string        `env:"SES_SECRET_ACCESS_KEY"`
	SESConfigurationSet string        `env:"SES_CONFIGURATION_SET"`
	ResendAPIKey        string        `env:"RESEND_API_KEY"`
	ResendBaseURL       string        `env:"RESEND_BASE_URL"`
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT,default=30s"`

	BatchSize         int           `env:"BATCH_SIZE,default=1000"`
	MaxBatchAttempts  int           `env:"MAX_BATCH_ATTEMPTS,default=3"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT,default=30s"`
	VerifyDelay       time.Duration `env:"VERIFY_DELAY,default=2m"`
	StaleAfter        time.Duration `env:"STALE_AFTER,default=5m"`
	RecoveryInterval  time.Duration `env:"RECOVERY_INTERVAL,default=30s"`
	ScheduleInterval  time.Duration `env:"SCHEDULE_INTERVAL,default=15s"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	QueueLease        time.Duration `env:"QUEUE_LEASE,default=5m"`
	QueueMaxDelivery  int           `env:"QUEUE_MAX_DELIVERIES,default=5"`

	RateLimitBackend string `env:"RATE_LIMIT_BACKEND,default=redis"`
	RateLimitPerSec  int    `env:"RATE_LIMIT_PER_SEC,default=10"`

	CMSMembersURL     string `env:"CMS_MEMBERS_URL,required=true"`
	CMSMembersToken   string `env:"CMS_MEMBERS_TOKEN"`
	SiteSettingsPath  string `env:"SITE_SETTINGS_PATH"`
	MembersSigningKey string `env:"MEMBERS_SIGNING_KEY"`

	APIPort           int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort int    `env:"WORKER_METRICS_PORT,default=9091"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks combinations go-env cannot express with tags.
func (c *Config) Validate() error {
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	switch c.QueueBackend {
	case QueueBackendRedis:
	case QueueBackendRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL is required when QUEUE_BACKEND=rabbitmq")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	if c.RateLimitBackend != RateLimitBackendRedis && c.RateLimitBackend != RateLimitBackendLocal {
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case "mailgun":
		if c.MailgunDomain == "" || c.MailgunAPIKey == "" {
			return fmt.Errorf("MAILGUN_DOMAIN and MAILGUN_API_KEY are required for the mailgun provider")
		}
	case "ses":
		if c.SESRegion == "" {
			return fmt.Errorf("SES_REGION is required for the ses provider")
		}
	case "resend":
		if c.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required for the resend provider")
		}
	default:
		return fmt.Errorf("unsupported PROVIDER %q", c.Provider)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.MaxBatchAttempts < 1 {
		return fmt.Errorf("MAX_BATCH_ATTEMPTS must be positive")
	}
	return nil
}
