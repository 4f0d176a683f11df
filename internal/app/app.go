// Package app assembles the booking components from configuration. Every
// process builds the same graph so a slot is governed by one set of rules
// regardless of which binary touches it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/AntonyNeal/bloom-booking/internal/availability"
	"github.com/AntonyNeal/bloom-booking/internal/config"
	"github.com/AntonyNeal/bloom-booking/internal/db"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/offer"
	"github.com/AntonyNeal/bloom-booking/internal/payment"
	"github.com/AntonyNeal/bloom-booking/internal/provider"
	redisclient "github.com/AntonyNeal/bloom-booking/internal/redis"
	"github.com/AntonyNeal/bloom-booking/internal/reservation"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

type App struct {
	Config       config.Config
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Slots        slot.Store
	Providers    provider.Registry
	Engine       *reservation.Engine
	Payments     *payment.Orchestrator
	Offers       *offer.Service
	Synchronizer *availability.Synchronizer
	SweepLocker  redisclient.JobLocker
}

// Open connects storage and wires the services. The caller owns Close.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	logger := logging.Component(ctx, "app")
	a := &App{Config: cfg}

	var (
		slots       slot.Store
		providers   provider.Registry
		payments    payment.Repository
		application offer.Repository
	)

	switch cfg.StorageBackend {
	case config.BackendMemory:
		slots = slot.NewMemoryStore()
		providers = provider.NewMemoryRegistry()
		payments = payment.NewMemoryRepository()
		application = offer.NewMemoryRepository()
		logger.Warn().Msg("using in-memory storage; state is lost on exit")
	default:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.Pool = pool
		if err := db.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slots = slot.NewPgStore(pool)
		providers = provider.NewPgRegistry(pool)
		payments = payment.NewPgRepository(pool)
		application = offer.NewPgRepository(pool)
		logger.Info().Msg("connected to Postgres")
	}

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.Redis = rdb
	if rdb == nil {
		logger.Warn().Msg("REDIS_ADDR not set; background jobs run without a lock")
	}

	a.Slots = slots
	a.Providers = providers
	a.Engine = reservation.NewEngine(slots, reservation.Config{
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.ReserveMaxAttempts,
	})

	var booking payment.BookingSystem
	if cfg.FeedConfirmsBooking && cfg.FeedBaseURL != "" {
		booking = availability.NewHTTPFeed(cfg.FeedBaseURL, cfg.FeedAPIKey)
	}
	a.Payments = payment.NewOrchestrator(payment.NewGateway(cfg), payments, a.Engine, slots, booking, payment.Config{
		Currency:            cfg.DefaultCurrency,
		CaptureMaxAttempts:  cfg.CaptureMaxAttempts,
		CaptureBaseDelay:    cfg.CaptureBaseDelay,
		CompensationTimeout: cfg.CompensationTimeout,
	})

	a.Offers = offer.NewService(application, offer.NewDirectory(cfg), providers, cfg.IsProduction())

	a.Synchronizer = availability.NewSynchronizer(
		availability.NewFeed(cfg),
		providers,
		slots,
		redisclient.NewJobLocker(rdb, cfg.SyncLockTTL),
		availability.Options{Interval: cfg.SyncInterval, Horizon: cfg.SyncHorizon},
	)
	a.SweepLocker = redisclient.NewJobLocker(rdb, cfg.SweepLockTTL)

	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.Component(context.Background(), "app").Warn().Err(err).Msg("error closing redis")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
