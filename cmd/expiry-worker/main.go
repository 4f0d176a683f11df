package main

import (
	"context"
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
	logging.Init(cfg.ServiceName+"-expiry", cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	app.NewSweeper(a.Payments, a.SweepLocker, cfg.WorkerInterval).Run(rootCtx)
	log.Info().Msg("shutdown signal received, expiry worker stopped")
}
