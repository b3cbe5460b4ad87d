package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/newsletter-engine/internal/app"
	"github.com/kursadbilgin/newsletter-engine/internal/config"
	"github.com/kursadbilgin/newsletter-engine/internal/handler"
	"github.com/kursadbilgin/newsletter-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/newsletter-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/newsletter-engine/internal/infra/redis"
	"github.com/kursadbilgin/newsletter-engine/internal/observability"
	"github.com/kursadbilgin/newsletter-engine/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
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

	repos := app.NewRepositories(db)
	emailService, err := app.NewEmailService(cfg, repos, p, jobs, logger)
	if err != nil {
		logger.Fatal("email service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	server := fiber.New(fiber.Config{
		AppName:               "newsletter-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(correlationMiddleware())
	server.Use(metrics.HTTPMiddleware())

	checks := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}
	if jobs.Check != nil {
		checks = append(checks, *jobs.Check)
	}
	handler.RegisterHealthRoutes(server, checks...)
	handler.RegisterMetricsRoute(server, metrics)
	if err := handler.RegisterEmailRoutes(server, emailService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("newsletter-engine api started",
		zap.Int("port", cfg.APIPort),
		zap.String("provider", p.Name()),
		zap.String("queue", cfg.QueueBackend),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	logger.Info("newsletter-engine api stopped")
}

// correlationMiddleware carries the request id into the request context so
// service logs can be joined with access logs.
func correlationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
		if id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		}
		return c.Next()
	}
}
