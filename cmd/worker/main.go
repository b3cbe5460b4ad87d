package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/newsletter-engine/internal/app"
	"github.com/kursadbilgin/newsletter-engine/internal/config"
	"github.com/kursadbilgin/newsletter-engine/internal/handler"
	"github.com/kursadbilgin/newsletter-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/newsletter-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/newsletter-engine/internal/infra/redis"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/render"
	"github.com/kursadbilgin/newsletter-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	recoveryLockKey = "newsletter-engine:recovery"
	scheduleLockKey = "newsletter-engine:schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, app.PoolConfig(cfg), logger)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	jobs, err := app.NewJobQueue(cfg, rdb, logger.Named("queue"))
	if err != nil {
		logger.Fatal("job queue initialization failed", zap.Error(err))
	}
	defer jobs.Close()

	p, err := app.NewProvider(ctx, cfg)
	if err != nil {
		logger.Fatal("provider initialization failed", zap.Error(err))
	}

	limiter, err := app.NewRateLimiter(cfg, rdb)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	settings, err := render.LoadSettings(cfg.SiteSettingsPath)
	if err != nil {
		logger.Fatal("site settings load failed", zap.Error(err))
	}
	settings.MembersSigningKey = cfg.MembersSigningKey
	renderer, err := render.NewRenderer(settings)
	if err != nil {
		logger.Fatal("renderer initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	repos := app.NewRepositories(db)

	sending, err := service.NewSendingService(
		repos.Batches,
		repos.Emails,
		repos.Recipients,
		repos.Attempts,
		app.NewTracker(repos, logger),
		renderer,
		p,
		limiter,
		jobs,
		service.SendingConfig{
			ProviderTimeout: cfg.ProviderTimeout,
			VerifyDelay:     cfg.VerifyDelay,
			StaleAfter:      cfg.StaleAfter,
			OpenTracking:    settings.OpenTracking,
		},
		logger.Named("sending"),
	)
	if err != nil {
		logger.Fatal("sending service initialization failed", zap.Error(err))
	}
	sending.SetMetrics(metrics)

	pool, err := service.NewWorkerPool(jobs, sending, cfg.WorkerConcurrency, 0, logger.Named("workers"))
	if err != nil {
		logger.Fatal("worker pool initialization failed", zap.Error(err))
	}
	pool.SetMetrics(metrics)

	recovery, err := service.NewRecoveryScanner(
		repos.Batches,
		jobs,
		infraredis.NewRedisLock(rdb, recoveryLockKey, 2*cfg.RecoveryInterval),
		service.RecoveryConfig{
			Interval:   cfg.RecoveryInterval,
			StaleAfter: cfg.StaleAfter,
		},
		logger.Named("recovery"),
	)
	if err != nil {
		logger.Fatal("recovery scanner initialization failed", zap.Error(err))
	}
	recovery.SetMetrics(metrics)

	emailService, err := app.NewEmailService(cfg, repos, p, jobs, logger)
	if err != nil {
		logger.Fatal("email service initialization failed", zap.Error(err))
	}

	schedule, err := service.NewScheduleScanner(
		repos.Emails,
		emailService,
		infraredis.NewRedisLock(rdb, scheduleLockKey, 2*cfg.ScheduleInterval),
		cfg.ScheduleInterval,
		0,
		logger.Named("schedule"),
	)
	if err != nil {
		logger.Fatal("schedule scanner initialization failed", zap.Error(err))
	}

	logger.Info("newsletter-engine worker started",
		zap.String("provider", p.Name()),
		zap.String("queue", cfg.QueueBackend),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	ops := fiber.New(fiber.Config{DisableStartupMessage: true})
	checks := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}
	if jobs.Check != nil {
		checks = append(checks, *jobs.Check)
	}
	handler.RegisterHealthRoutes(ops, checks...)
	handler.RegisterMetricsRoute(ops, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Start(gctx) })
	g.Go(func() error { return recovery.Start(gctx) })
	g.Go(func() error { return schedule.Start(gctx) })
	g.Go(func() error {
		return ops.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return ops.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	logger.Info("newsletter-engine worker stopped")
}
