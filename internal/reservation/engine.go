package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/metrics"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

var (
	ErrNoAvailability       = apperr.New(apperr.NotFound, "no_availability", "no free slot matches the requested window")
	ErrReservationContended = apperr.New(apperr.Conflict, "reservation_contended", "every matching slot was taken concurrently, please retry")
	ErrHoldInvalid          = apperr.New(apperr.Conflict, "hold_invalid", "lock token does not hold this slot or the lease has expired")
	ErrInvalidRequest       = apperr.New(apperr.Validation, "invalid_reservation", "reservation request is invalid")
)

const (
	DefaultLeaseDuration = 10 * time.Minute
	DefaultMaxAttempts   = 3
	sweepBatch           = 500
)

type Config struct {
	LeaseDuration time.Duration
	MaxAttempts   int
}

// Request asks for a hold on a slot that contains [StartUnix, EndUnix).
type Request struct {
	ProviderID      string
	StartUnix       int64
	EndUnix         int64
	DurationMinutes int
	HolderID        string
}

func (r Request) query() slot.Query {
	return slot.Query{
		ProviderID:      r.ProviderID,
		StartUnix:       r.StartUnix,
		EndUnix:         r.EndUnix,
		DurationMinutes: r.DurationMinutes,
	}
}

// Hold is an exclusive, time-bounded claim on a slot.
type Hold struct {
	SlotID    uuid.UUID
	LockToken string
	HeldBy    string
	ExpiresAt time.Time
	Slot      slot.Slot
}

type Engine struct {
	store slot.Store
	cfg   Config
	now   func() time.Time
}

func NewEngine(store slot.Store, cfg Config) *Engine {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Engine{store: store, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source. Used by tests and the simulator.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) LeaseDuration() time.Duration { return e.cfg.LeaseDuration }

// Reserve places a hold on the earliest free slot matching req. A slot lost
// to a concurrent writer moves the attempt to the next candidate.
func (e *Engine) Reserve(ctx context.Context, req Request) (*Hold, error) {
	logger := logging.Component(ctx, "reservation")

	if err := req.query().Validate(); err != nil {
		metrics.Reservations.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRequest.WithCause(err)
	}

	now := e.now()
	candidates, err := e.store.FindFreeSlots(ctx, req.query(), now, e.cfg.MaxAttempts)
	if err != nil {
		metrics.Reservations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("find free slots: %w", err)
	}
	if len(candidates) == 0 {
		metrics.Reservations.WithLabelValues("no_availability").Inc()
		return nil, ErrNoAvailability
	}

	for i, c := range candidates {
		token := uuid.NewString()
		expiresAt := now.Add(e.cfg.LeaseDuration)

		held, err := e.store.Transition(ctx, slot.TransitionRequest{
			SlotID:       c.ID,
			From:         slot.StatusFree,
			To:           slot.StatusHeld,
			NewLockToken: token,
			HeldBy:       req.HolderID,
			ExpiresAt:    expiresAt,
			Actor:        slot.ActorReservation,
			Now:          now,
		})
		if err != nil {
			if errors.Is(err, slot.ErrTransitionConflict) || errors.Is(err, slot.ErrSlotNotFound) {
				metrics.ReservationCASRetries.Inc()
				metrics.SlotTransitions.WithLabelValues("free", "held", "conflict").Inc()
				logger.Debug().
					Str("slot_id", c.ID.String()).
					Int("attempt", i+1).
					Msg("lost slot to a concurrent writer")
				continue
			}
			metrics.Reservations.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("hold slot %s: %w", c.ID, err)
		}

		metrics.SlotTransitions.WithLabelValues("free", "held", "ok").Inc()
		metrics.Reservations.WithLabelValues("held").Inc()
		logger.Info().
			Str("slot_id", held.ID.String()).
			Str("provider_id", held.ProviderID).
			Time("expires_at", expiresAt).
			Msg("slot held")

		return &Hold{
			SlotID:    held.ID,
			LockToken: token,
			HeldBy:    req.HolderID,
			ExpiresAt: expiresAt,
			Slot:      *held,
		}, nil
	}

	metrics.Reservations.WithLabelValues("contended").Inc()
	return nil, ErrReservationContended
}

// Release frees a slot held by token whose lease is still running.
func (e *Engine) Release(ctx context.Context, slotID uuid.UUID, token string) error {
	return e.free(ctx, slotID, token, slot.LeaseActive, slot.ActorReservation)
}

// Reclaim frees a slot whose lease has expired.
func (e *Engine) Reclaim(ctx context.Context, slotID uuid.UUID, token string) error {
	return e.free(ctx, slotID, token, slot.LeaseExpired, slot.ActorSweep)
}

// Relinquish frees a slot held by token regardless of the lease. It is the
// compensation path of a failed saga.
func (e *Engine) Relinquish(ctx context.Context, slotID uuid.UUID, token string) error {
	return e.free(ctx, slotID, token, slot.LeaseAny, slot.ActorCompensation)
}

func (e *Engine) free(ctx context.Context, slotID uuid.UUID, token string, lease slot.LeaseCondition, actor string) error {
	if token == "" {
		return ErrHoldInvalid
	}
	_, err := e.store.Transition(ctx, slot.TransitionRequest{
		SlotID:    slotID,
		From:      slot.StatusHeld,
		To:        slot.StatusFree,
		LockToken: token,
		Lease:     lease,
		Actor:     actor,
		Now:       e.now(),
	})
	if err != nil {
		if errors.Is(err, slot.ErrTransitionConflict) {
			metrics.SlotTransitions.WithLabelValues("held", "free", "conflict").Inc()
			return ErrHoldInvalid.WithCause(err)
		}
		return err
	}
	metrics.SlotTransitions.WithLabelValues("held", "free", "ok").Inc()
	return nil
}

// Validate returns the slot if token currently holds it.
func (e *Engine) Validate(ctx context.Context, slotID uuid.UUID, token string) (*slot.Slot, error) {
	s, err := e.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if !s.HeldWith(token, e.now()) {
		return nil, ErrHoldInvalid
	}
	return s, nil
}

// ReclaimExpired returns every expired hold to free. Holds renewed or booked
// since they were listed are skipped by the compare-and-swap.
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	logger := logging.Component(ctx, "reservation")

	expired, err := e.store.ListExpiredHolds(ctx, e.now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	reclaimed := 0
	for _, s := range expired {
		if err := e.Reclaim(ctx, s.ID, s.LockToken); err != nil {
			if errors.Is(err, ErrHoldInvalid) {
				continue
			}
			logger.Warn().Err(err).Str("slot_id", s.ID.String()).Msg("reclaim expired hold failed")
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		metrics.HoldsReclaimed.Add(float64(reclaimed))
		logger.Info().Int("count", reclaimed).Msg("expired holds reclaimed")
	}
	return reclaimed, nil
}
