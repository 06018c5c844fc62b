/**
 * @description
 * Entry point for the settlement service. It serves the admin, internal and
 * webhook HTTP surfaces and consumes purchase lifecycle events.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: webhook delivery de-duplication (optional).
 * - github.com/rabbitmq/amqp091-go (via pkg/rabbitmq): purchase events in, status events out.
 * - github.com/joho/godotenv: loads .env files for local development.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/groble/settlement-service/internal/api"
	"github.com/groble/settlement-service/internal/app"
	"github.com/groble/settlement-service/internal/config"
	"github.com/groble/settlement-service/internal/store"
	"github.com/groble/settlement-service/pkg/paypleclient"
	"github.com/groble/settlement-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 50
	pgConfig.MinConns = 5
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	repository := store.NewPostgresRepository(dbpool)

	var deduper app.WebhookDeduper
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; webhook de-duplication disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; webhook de-duplication disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				deduper = app.NewRedisWebhookDeduper(redisClient, cfg.WebhookDedupePrefix, cfg.WebhookDedupeTTL())
				logger.Info("redis connected")
			}
		}
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err == nil {
			publisher = producer
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}
	defer publisher.Close()

	var payouts app.PayoutClient
	if cfg.PaypleConfigured() {
		payple := paypleclient.NewClient(paypleclient.Config{
			BaseURL:    cfg.PaypleAPIBaseURL,
			CstID:      cfg.PaypleCstID,
			CustKey:    cfg.PaypleCustKey,
			WebhookURL: cfg.PaypleWebhookURL,
			Timeout:    cfg.PaypleTimeout(),
		})
		payouts = app.WithPayoutLogging(app.NewPayplePayoutClient(payple), logger)
	} else {
		logger.Warn("payout provider is not configured; approvals cannot execute transfers")
	}

	service := app.NewService(app.Dependencies{
		Repo:      repository,
		Payouts:   payouts,
		Publisher: publisher,
		Deduper:   deduper,
		Logger:    logger,
	}, app.Config{
		Timezone:       cfg.BusinessTimezone,
		PayoutLagDays:  cfg.PayoutLagDays,
		Defaults:       cfg.DefaultRates,
		EventsExchange: cfg.EventsExchange,
		WebhookTimeout: cfg.WebhookTimeout(),
	})

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("failed to create purchase event consumer; events must arrive over HTTP", "error", err)
		} else {
			defer consumer.Close()
			go func() {
				bindings := service.PurchaseEventConsumer().Bindings()
				if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PurchaseEventQueue, bindings); err != nil {
					logger.Error("purchase event consumer stopped", "error", err)
				}
			}()
			logger.Info("purchase event consumer started", "queue", cfg.PurchaseEventQueue)
		}
	}

	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
