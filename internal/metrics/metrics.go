package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_http_requests_total",
			Help: "HTTP requests handled, by route and status code",
		},
		[]string{"route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "booking_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Slots
	SlotTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_slot_transitions_total",
			Help: "Slot status transitions attempted, by edge and result",
		},
		[]string{"from", "to", "result"},
	)

	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_reservations_total",
			Help: "Reserve calls by result (held, no_availability, contended, error)",
		},
		[]string{"result"},
	)

	ReservationCASRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_reservation_cas_retries_total",
			Help: "Compare-and-swap losses that moved a reservation to its next candidate",
		},
	)

	HoldsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_holds_reclaimed_total",
			Help: "Expired holds returned to free by the sweep",
		},
	)

	// Saga
	SagaOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_saga_outcomes_total",
			Help: "Terminal saga states reached",
		},
		[]string{"state"},
	)

	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_compensations_total",
			Help: "Compensating actions by kind and result",
		},
		[]string{"kind", "result"},
	)

	CaptureRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_capture_retries_total",
			Help: "Asynchronous capture attempts by result",
		},
		[]string{"result"},
	)

	// Sync
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_sync_provider_runs_total",
			Help: "Per-provider availability sync runs by result",
		},
		[]string{"result"},
	)

	SyncSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_sync_slots_total",
			Help: "Slots touched by the availability sync, by action",
		},
		[]string{"action"},
	)

	// Offers
	OfferTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_application_transitions_total",
			Help: "Application state machine transitions by target state",
		},
		[]string{"to"},
	)
)
