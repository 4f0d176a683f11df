package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AntonyNeal/bloom-booking/internal/api"
	"github.com/AntonyNeal/bloom-booking/internal/app"
	"github.com/AntonyNeal/bloom-booking/internal/config"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/provider"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Init(cfg.ServiceName+"-api", cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("backend", cfg.StorageBackend).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// With in-memory storage no other process can see the slots, so the
	// background jobs run here.
	if cfg.StorageBackend == config.BackendMemory {
		if err := registerDemoProvider(rootCtx, a.Providers); err != nil {
			log.Fatal().Err(err).Msg("register demo provider")
		}
		go a.Synchronizer.Run(rootCtx)
		go app.NewSweeper(a.Payments, a.SweepLocker, cfg.WorkerInterval).Run(rootCtx)
	}

	router := api.NewRouter(api.RouterConfig{
		Reservations: a.Engine,
		Slots:        a.Slots,
		Payments:     a.Payments,
		Offers:       a.Offers,
		PgPool:       a.Pool,
		Redis:        a.Redis,
		Env:          cfg.Env,
		Version:      version,
		Production:   cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			a.Close()
			os.Exit(1)
		}
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func registerDemoProvider(ctx context.Context, reg provider.Registry) error {
	err := reg.Create(ctx, &provider.Provider{
		ID:          "demo",
		ExternalID:  "demo",
		DisplayName: "Demo Practitioner",
		Active:      true,
	})
	if errors.Is(err, provider.ErrDuplicateProvider) {
		return nil
	}
	return err
}
