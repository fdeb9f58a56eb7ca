// Package main is the admin console. It talks to the backend over HTTP,
// keeps user secrets in a local store and normalizes holdings for display.
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

	"github.com/aristath/brokerconsole/internal/config"
	"github.com/aristath/brokerconsole/internal/console"
	"github.com/aristath/brokerconsole/internal/database"
	"github.com/aristath/brokerconsole/internal/secrets"
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

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "console.db"),
		Name: "console",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	srv := console.New(console.Config{
		Log:        log,
		Port:       cfg.Port,
		BackendURL: cfg.BackendURL,
		Backend:    console.NewBackendClient(cfg.BackendURL, log),
		Secrets:    secrets.NewLocalStore(db.Conn()),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start console")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down console...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Console forced to shutdown")
	}
}
