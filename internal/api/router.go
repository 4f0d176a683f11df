package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/AntonyNeal/bloom-booking/internal/offer"
	"github.com/AntonyNeal/bloom-booking/internal/payment"
	"github.com/AntonyNeal/bloom-booking/internal/reservation"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

type RouterConfig struct {
	Reservations *reservation.Engine
	Slots        slot.Store
	Payments     *payment.Orchestrator
	Offers       *offer.Service
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
	Production   bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/reservations", reserveHandler(cfg.Reservations))
	r.Post("/reservations/{slotID}/release", releaseHandler(cfg.Reservations))

	r.Get("/slots", listSlotsHandler(cfg.Slots, cfg.Reservations))
	r.Get("/slots/{slotID}", getSlotHandler(cfg.Slots, cfg.Reservations))

	r.Post("/payments/authorize", authorizeHandler(cfg.Payments))
	r.Post("/payments/cancel", cancelPaymentHandler(cfg.Payments))
	r.Post("/bookings", bookHandler(cfg.Payments))
	r.Post("/checkout", checkoutHandler(cfg.Payments))

	r.Route("/applications", func(r chi.Router) {
		r.Post("/", submitApplicationHandler(cfg.Offers))
		r.Get("/{id}", getApplicationHandler(cfg.Offers))
		r.Post("/{id}/advance", advanceApplicationHandler(cfg.Offers))
		r.Post("/{id}/withdraw", withdrawApplicationHandler(cfg.Offers))
		r.Post("/{id}/offer", issueOfferHandler(cfg.Offers))
		r.Post("/{id}/verify", verifyApplicationHandler(cfg.Offers))
		r.Post("/{id}/activate", activateApplicationHandler(cfg.Offers))
	})

	r.Get("/accept-offer/{token}", viewOfferHandler(cfg.Offers))
	r.Post("/accept-offer/{token}", acceptOfferHandler(cfg.Offers))
	r.Post("/accept-offer/{token}/contract", attachContractHandler(cfg.Offers))

	if !cfg.Production {
		r.Post("/admin/applications/{id}/reset", resetApplicationHandler(cfg.Offers))
	}

	return r
}
