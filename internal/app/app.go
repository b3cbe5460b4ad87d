// Package app builds the components shared by the api and worker processes.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/newsletter-engine/internal/cms"
	"github.com/kursadbilgin/newsletter-engine/internal/config"
	"github.com/kursadbilgin/newsletter-engine/internal/handler"
	"github.com/kursadbilgin/newsletter-engine/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/newsletter-engine/internal/infra/redis"
	"github.com/kursadbilgin/newsletter-engine/internal/provider"
	"github.com/kursadbilgin/newsletter-engine/internal/queue"
	"github.com/kursadbilgin/newsletter-engine/internal/ratelimit"
	"github.com/kursadbilgin/newsletter-engine/internal/repository"
	"github.com/kursadbilgin/newsletter-engine/internal/segment"
	"github.com/kursadbilgin/newsletter-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Repositories struct {
	Emails     *repository.GormEmailRepo
	Batches    *repository.GormBatchRepo
	Recipients *repository.GormRecipientRepo
	Failures   *repository.GormFailureRepo
	Attempts   *repository.GormAttemptRepo
	Outcomes   *repository.GormOutcomeRepo
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Emails:     repository.NewGormEmailRepo(db),
		Batches:    repository.NewGormBatchRepo(db),
		Recipients: repository.NewGormRecipientRepo(db),
		Failures:   repository.NewGormFailureRepo(db),
		Attempts:   repository.NewGormAttemptRepo(db),
		Outcomes:   repository.NewGormOutcomeRepo(db),
	}
}

func PoolConfig(cfg *config.Config) postgresql.PoolConfig {
	return postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		SlowQuery:    cfg.DBSlowQuery,
	}
}

func ProviderSettings(cfg *config.Config) provider.Settings {
	return provider.Settings{
		Name: cfg.Provider,
		Mailgun: provider.MailgunConfig{
			BaseURL: cfg.MailgunBaseURL,
			Domain:  cfg.MailgunDomain,
			APIKey:  cfg.MailgunAPIKey,
			Timeout: cfg.ProviderHTTPTimeout,
		},
		SES: provider.SESConfig{
			Region:           cfg.SESRegion,
			AccessKeyID:      cfg.SESAccessKeyID,
			SecretAccessKey:  cfg.SESSecretAccessKey,
			ConfigurationSet: cfg.SESConfigurationSet,
		},
		Resend: provider.ResendConfig{
			APIKey:  cfg.ResendAPIKey,
			BaseURL: cfg.ResendBaseURL,
			Timeout: cfg.ProviderHTTPTimeout,
		},
	}
}

// JobQueue is the configured queue backend plus its readiness check.
type JobQueue struct {
	queue.JobQueue
	Check *handler.ReadinessCheck
}

func NewJobQueue(cfg *config.Config, rdb *goredis.Client, logger *zap.Logger) (*JobQueue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendRabbitMQ:
		client, err := queue.NewRabbitMQ(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		check := handler.ReadinessCheck{Name: "rabbitmq", Ping: client.Ping}
		return &JobQueue{
			JobQueue: queue.NewRabbitMQJobQueue(client, cfg.QueueMaxDelivery, logger),
			Check:    &check,
		}, nil
	default:
		q, err := queue.NewRedisJobQueue(rdb, queue.WithLease(cfg.QueueLease))
		if err != nil {
			return nil, fmt.Errorf("redis queue initialization failed: %w", err)
		}
		return &JobQueue{JobQueue: q}, nil
	}
}

func NewRateLimiter(cfg *config.Config, rdb *goredis.Client) (ratelimit.RateLimiter, error) {
	if cfg.RateLimitBackend == config.RateLimitBackendLocal {
		return ratelimit.NewLocalRateLimiter(float64(cfg.RateLimitPerSec), 0), nil
	}
	return infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
}

// NewPlanner wires audience resolution against the CMS members API with
// suppressions from recorded permanent failures.
func NewPlanner(cfg *config.Config, repos Repositories, p provider.Provider, logger *zap.Logger) (*service.Planner, error) {
	members, err := cms.NewMembersClient(cms.MembersConfig{
		BaseURL: cfg.CMSMembersURL,
		Token:   cfg.CMSMembersToken,
	})
	if err != nil {
		return nil, fmt.Errorf("cms members client initialization failed: %w", err)
	}

	segmenter := segment.NewSegmenter(members, repos.Failures, 0, logger.Named("segment"))
	return service.NewPlanner(
		repos.Emails,
		repos.Batches,
		segmenter,
		cfg.BatchSize,
		p.MaxBatchSize(),
		cfg.MaxBatchAttempts,
		logger.Named("planner"),
	)
}

func NewTracker(repos Repositories, logger *zap.Logger) *service.Tracker {
	return service.NewTracker(repos.Outcomes, repos.Batches, repos.Recipients, repos.Emails, logger.Named("tracker"))
}

func NewEmailService(cfg *config.Config, repos Repositories, p provider.Provider, jobs service.JobEnqueuer, logger *zap.Logger) (*service.EmailService, error) {
	planner, err := NewPlanner(cfg, repos, p, logger)
	if err != nil {
		return nil, err
	}

	return service.NewEmailService(
		repos.Emails,
		repos.Batches,
		repos.Recipients,
		repos.Failures,
		repos.Attempts,
		planner,
		NewTracker(repos, logger),
		jobs,
		logger.Named("emails"),
	)
}

// NewProvider builds the configured provider with a bounded startup context.
func NewProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	p, err := provider.New(ctx, ProviderSettings(cfg))
	if err != nil {
		return nil, fmt.Errorf("provider initialization failed: %w", err)
	}
	return p, nil
}
