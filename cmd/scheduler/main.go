/**
 * @description
 * Entry point for the settlement scheduler. It is a non-HTTP, long-running
 * process that triggers period close and aggregation on the settlement
 * service's internal API.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/groble/settlement-service/internal/config"
	"github.com/groble/settlement-service/internal/scheduler"
	"github.com/groble/settlement-service/pkg/settlementclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadSchedulerConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client := settlementclient.NewClient(cfg.SettlementServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(client, logger, cfg.AggregateIncludeOpenPeriods)
	s := scheduler.NewScheduler(jobs, logger, cfg)
	if err := s.Register(); err != nil {
		logger.Error("failed to register scheduled jobs", "error", err)
		os.Exit(1)
	}

	s.Start()
	logger.Info("scheduler started", "jobs", s.Entries())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := s.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
