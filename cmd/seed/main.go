package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AntonyNeal/bloom-booking/internal/app"
	"github.com/AntonyNeal/bloom-booking/internal/config"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/offer"
	"github.com/AntonyNeal/bloom-booking/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Init(cfg.ServiceName+"-seed", cfg.Env, cfg.LogLevel)
	if cfg.IsProduction() {
		log.Fatal().Msg("refusing to seed a production environment")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	faker := gofakeit.New(0)

	if err := seedProviders(ctx, a.Providers, faker, getInt("SEED_PROVIDERS", 10)); err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}

	// Slots come from the feed exactly as in production.
	rep, err := a.Synchronizer.RunOnce(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("sync slots")
	}
	log.Info().
		Int("providers", rep.Succeeded).
		Int("inserted", rep.Totals.Inserted).
		Int("failed", rep.Failed).
		Msg("slots seeded")

	if err := seedApplications(ctx, a.Offers, faker, getInt("SEED_APPLICATIONS", 25)); err != nil {
		log.Fatal().Err(err).Msg("seed applications")
	}

	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, reg provider.Registry, faker *gofakeit.Faker, count int) error {
	log.Info().Int("count", count).Msg("seeding providers")

	for i := 0; i < count; i++ {
		p := &provider.Provider{
			ID:          uuid.NewString(),
			ExternalID:  fmt.Sprintf("cal-%s", faker.LetterN(12)),
			DisplayName: "Dr " + faker.LastName(),
			Active:      true,
		}
		if err := reg.Create(ctx, p); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}
	return nil
}

// seedApplications spreads applicants across the early review stages.
func seedApplications(ctx context.Context, svc *offer.Service, faker *gofakeit.Faker, count int) error {
	log.Info().Int("count", count).Msg("seeding applications")

	stages := [][]offer.Status{
		nil,
		{offer.StatusReviewing},
		{offer.StatusReviewing, offer.StatusInterview},
		{offer.StatusReviewing, offer.StatusInterview, offer.StatusAccepted},
	}

	for i := 0; i < count; i++ {
		app, err := svc.Submit(ctx, offer.SubmitRequest{
			Email:    faker.Email(),
			FullName: faker.Name(),
		})
		if err != nil {
			return fmt.Errorf("application %d: %w", i, err)
		}
		for _, to := range stages[faker.Number(0, len(stages)-1)] {
			if _, err := svc.Advance(ctx, app.ID, to); err != nil {
				return fmt.Errorf("advance %s to %s: %w", app.ID, to, err)
			}
		}
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
