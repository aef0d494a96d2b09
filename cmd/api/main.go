package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/attendly/confirm-engine/internal/config"
	"github.com/attendly/confirm-engine/internal/handler"
	"github.com/attendly/confirm-engine/internal/infra/postgresql"
	"github.com/attendly/confirm-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/attendly/confirm-engine/internal/infra/redis"
	"github.com/attendly/confirm-engine/internal/intent"
	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/queue"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/service"
	"github.com/attendly/confirm-engine/internal/transport"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("confirm-engine exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	logger.Info("outbound channel selected", zap.String("channel", string(cfg.Channel())))

	limiter, err := infraredis.NewRedisSendLimiter(rdb, cfg.SendLimitPerSec)
	if err != nil {
		return fmt.Errorf("send limiter initialization failed: %w", err)
	}
	runStates, err := infraredis.NewRedisRunStateStore(rdb)
	if err != nil {
		return fmt.Errorf("run state store initialization failed: %w", err)
	}

	metrics := observability.NewMetrics()

	ledgerRepo := repository.NewGormLedgerRepo(db)
	appointmentRepo := repository.NewGormAppointmentRepo(db)

	sender := service.NewSender(ledgerRepo, adapter, limiter, metrics, logger, service.SenderConfig{
		SendTimeout:      cfg.SendTimeout(),
		TemplateLanguage: cfg.TemplateLanguage,
		Location:         cfg.Location(),
	})
	window := service.NewSessionWindow(ledgerRepo, cfg.SessionWindow())

	dispatch := service.NewDispatchScheduler(appointmentRepo, ledgerRepo, sender, service.DispatchConfig{
		LeadDays:     cfg.DispatchLeadDays,
		BatchSize:    cfg.DispatchBatchSize,
		TemplateName: cfg.ConfirmTemplate,
		SendDelay:    cfg.SendDelay(),
		QueryTimeout: cfg.QueryTimeout(),
		Location:     cfg.Location(),
	}, logger)

	reminder := service.NewReminderScheduler(appointmentRepo, ledgerRepo, sender, service.ReminderConfig{
		Lead:          cfg.ReminderLead(),
		ConfirmedOnly: cfg.ReminderConfirmedOnly,
		BatchSize:     cfg.DispatchBatchSize,
		TemplateName:  cfg.ReminderTemplate,
		SendDelay:     cfg.SendDelay(),
		QueryTimeout:  cfg.QueryTimeout(),
	}, logger)

	retry := service.NewRetryScheduler(ledgerRepo, appointmentRepo, sender, window, metrics, service.RetryConfig{
		BackoffBase:         cfg.BackoffBase(),
		MaxRetryCount:       cfg.MaxRetryCount,
		BatchSize:           cfg.DispatchBatchSize,
		SendDelay:           cfg.SendDelay(),
		QueryTimeout:        cfg.QueryTimeout(),
		ConfirmTemplate:     cfg.ConfirmTemplate,
		ReminderTemplate:    cfg.ReminderTemplate,
		TextFallbackEnabled: cfg.TextFallbackEnabled,
	}, logger)

	classifier := intent.NewClassifier(
		config.SplitKeywords(cfg.ConfirmKeywords),
		config.SplitKeywords(cfg.CancelKeywords),
	)
	consumer := queue.NewRabbitMQConsumer(rabbit, 1, logger)
	resolver := service.NewResolver(ledgerRepo, appointmentRepo, sender, classifier, consumer, metrics, logger)

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()

	operator := service.NewOperatorService(ledgerRepo, window, sender, runStates, logger)

	app := buildApp(cfg, logger, metrics, operator, publisher, sqlDB, rdb, rabbit)

	group, groupCtx := errgroup.WithContext(ctx)

	runners := []struct {
		job      service.Job
		interval time.Duration
	}{
		{dispatch, cfg.DispatchInterval()},
		{reminder, cfg.ReminderInterval()},
		{retry, cfg.RetryInterval()},
	}
	for _, r := range runners {
		runner, err := service.NewRunner(r.job, r.interval, runStates, metrics, logger)
		if err != nil {
			return err
		}
		group.Go(func() error { return runner.Start(groupCtx) })
	}

	group.Go(func() error { return resolver.Start(groupCtx) })

	group.Go(func() error {
		logger.Info("confirm-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return app.Shutdown()
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAdapter(cfg *config.Config) (provider.ChannelAdapter, error) {
	switch cfg.Channel() {
	case config.ChannelCloudAPI:
		return provider.NewCloudAPIAdapter(cfg.WhatsAppToken, cfg.WhatsAppPhoneID, cfg.WhatsAppAPIVersion)
	case config.ChannelBrowser:
		return provider.NewBrowserGatewayAdapter(cfg.BrowserGatewayURL)
	}
	return nil, fmt.Errorf("unsupported channel %q", cfg.ActiveChannelName)
}

func buildApp(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, operator *service.OperatorService, publisher queue.Publisher, sqlDB *sql.DB, rdb *redis.Client, rabbit *queue.RabbitMQ) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	handler.NewWebhookHandler(publisher, metrics, logger, cfg.WebhookAppSecret, cfg.WebhookVerifyToken).RegisterRoutes(app)
	handler.NewLedgerHandler(operator, logger).RegisterRoutes(app)

	return app
}
