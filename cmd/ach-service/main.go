/**
 * @description
 * Main entry point for the ACH service. It serves the operator and customer
 * verification APIs and runs the batch export, upload retry, return
 * reconciliation and settlement jobs on their cron schedules.
 */
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/ach-service/internal/api"
	"github.com/transfa/ach-service/internal/app"
	"github.com/transfa/ach-service/internal/bootstrap"
	"github.com/transfa/ach-service/internal/config"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	services, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	jobs := app.NewJobs(services.Runner, services.Verification, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.ACH)
	if err := scheduler.ScheduleEvents(); err != nil {
		logger.Error("failed to schedule ACH jobs", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "timezone", cfg.ACH.Timezone, "times", cfg.ACH.ScheduleTimes)

	handler := api.NewHandler(
		services.Runner,
		services.Repository,
		services.Verification,
		scheduler,
		logger,
		cfg.JWTSecret,
		cfg.Verification.SessionTTL,
		cfg.Verification.MaxDocumentBytes,
	)
	router := api.NewRouter(handler, cfg.InternalAPIKey, cfg.JWTSecret)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	scheduler.UnscheduleAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped gracefully")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
