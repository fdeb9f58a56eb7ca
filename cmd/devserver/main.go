// Package main runs the backend and the console together for local
// development. It takes no flags: ports are picked automatically, stale
// listeners are cleared, and Ctrl+C tears everything down.
//
// Exit codes: 0 after a graceful shutdown, 1 when the backend never became
// healthy or startup failed.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/brokerconsole/internal/config"
	"github.com/aristath/brokerconsole/internal/supervisor"
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

	sup := supervisor.New(supervisor.Config{
		Log:      log,
		Backend:  supervisor.CommandFromFields(cfg.Supervisor.BackendCommand, cfg.Supervisor.BackendDir),
		Frontend: supervisor.CommandFromFields(cfg.Supervisor.FrontendCommand, cfg.Supervisor.FrontendDir),
	})

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range quit {
			go sup.Shutdown(sig)
		}
	}()

	if err := sup.Run(context.Background()); err != nil {
		var timeoutErr *supervisor.BackendHealthTimeoutError
		if errors.As(err, &timeoutErr) {
			log.Error().Err(err).Msg("Backend did not become healthy")
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("Failed to start services")
	}

	log.Info().Msg("Goodbye")
}
