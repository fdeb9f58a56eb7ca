// Package main is the backend: an HTTP proxy in front of the brokerage
// aggregation API that signs requests with the app credentials and caches
// per-user secrets.
//
// Startup sequence:
//  1. Load configuration and initialize logging
//  2. Open and migrate the backend database (user secret cache)
//  3. Build the aggregator client with rate limiting and metrics
//  4. Schedule the upstream status check when credentials are configured
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/brokerconsole/internal/aggregator"
	"github.com/aristath/brokerconsole/internal/config"
	"github.com/aristath/brokerconsole/internal/database"
	"github.com/aristath/brokerconsole/internal/scheduler"
	"github.com/aristath/brokerconsole/internal/secrets"
	"github.com/aristath/brokerconsole/internal/server"
	"github.com/aristath/brokerconsole/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting backend")

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "backend.db"),
		Name: "backend",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	client := aggregator.NewClient(aggregator.Config{
		BaseURL:           cfg.Aggregator.BaseURL,
		ClientID:          cfg.Aggregator.ClientID,
		ConsumerKey:       cfg.Aggregator.ConsumerKey,
		RequestsPerSecond: cfg.Aggregator.RequestsPerSecond,
		Timeout:           cfg.Aggregator.Timeout,
	}, aggregator.NewMetrics(prometheus.DefaultRegisterer), log)

	sched := scheduler.New(log)
	var upstream server.StatusSource
	if cfg.HasAggregatorCredentials() {
		statusJob := scheduler.NewUpstreamStatusJob(client, log)
		if err := sched.AddJob(cfg.Scheduler.UpstreamStatusSchedule, statusJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule upstream status check")
		}
		if err := sched.RunNow(statusJob); err != nil {
			log.Warn().Err(err).Msg("Initial upstream status check failed")
		}
		upstream = statusJob
	} else {
		log.Warn().Msg("Aggregator credentials not configured - proxy routes will answer 503")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		FrontendURL: cfg.FrontendURL,
		Aggregator:  client,
		Secrets:     secrets.NewRepository(db.Conn()),
		DB:          db,
		Upstream:    upstream,
		Gatherer:    prometheus.DefaultGatherer,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Backend started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down backend...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Backend stopped")
}
