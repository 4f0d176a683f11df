package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/AntonyNeal/bloom-booking/internal/app"
	"github.com/AntonyNeal/bloom-booking/internal/config"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Init(cfg.ServiceName+"-sync", cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SyncInterval).Msg("sync-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// SIGUSR1 forces an immediate pass, e.g. after a provider is activated.
	manual := make(chan os.Signal, 1)
	signal.Notify(manual, syscall.SIGUSR1)
	defer signal.Stop(manual)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-manual:
				log.Info().Msg("manual sync requested")
				a.Synchronizer.Trigger()
			}
		}
	}()

	a.Synchronizer.Run(rootCtx)
	log.Info().Msg("shutdown signal received, sync worker stopped")
}
