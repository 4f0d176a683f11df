package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var (
	ErrSlotNotFound       = apperr.New(apperr.NotFound, "slot_not_found", "slot not found")
	ErrTransitionConflict = apperr.New(apperr.Conflict, "slot_conflict", "slot status or lock changed concurrently")
	ErrIllegalTransition  = apperr.New(apperr.Invariant, "illegal_slot_transition", "slot transition is not allowed")
	ErrInvalidWindow      = apperr.New(apperr.Validation, "invalid_window", "availability window is invalid")
	ErrInvalidQuery       = apperr.New(apperr.Validation, "invalid_slot_query", "slot query is invalid")

	errMissingExternalID = errors.New("external id is required")
	errMissingProvider   = errors.New("provider id is required")
	errEmptyWindow       = errors.New("start must be before end")
	errBadDuration       = errors.New("duration must be positive")
	errMissingToken      = errors.New("lock token is required")
	errMissingExpiry     = errors.New("lease expiry is required")
	errAdminOnly         = errors.New("only an administrative reset may free a booked slot")
)

// LeaseCondition constrains a held→* transition by the state of the lease.
type LeaseCondition int

const (
	// LeaseAny ignores the expiry: compensation of a known holder.
	LeaseAny LeaseCondition = iota
	// LeaseActive requires an unexpired lease: release and booking.
	LeaseActive
	// LeaseExpired requires an expired lease: reclaiming writers.
	LeaseExpired
)

// TransitionRequest describes one compare-and-swap on a slot row.
type TransitionRequest struct {
	SlotID       uuid.UUID
	From         Status
	To           Status
	LockToken    string // current holder, required when From is held
	NewLockToken string // required when To is held
	HeldBy       string
	ExpiresAt    time.Time
	Lease        LeaseCondition
	Actor        string
	Now          time.Time
}

type edge struct{ from, to Status }

var allowedEdges = map[edge]bool{
	{StatusFree, StatusHeld}:   true,
	{StatusHeld, StatusBooked}: true,
	{StatusHeld, StatusFree}:   true,
	{StatusBooked, StatusFree}: true,
}

// Validate checks the edge and the fields it needs.
func (r TransitionRequest) Validate() error {
	if !allowedEdges[edge{r.From, r.To}] {
		return ErrIllegalTransition.WithCause(errors.New(string(r.From) + "->" + string(r.To)))
	}
	switch {
	case r.To == StatusHeld:
		if r.NewLockToken == "" {
			return ErrIllegalTransition.WithCause(errMissingToken)
		}
		if r.ExpiresAt.IsZero() {
			return ErrIllegalTransition.WithCause(errMissingExpiry)
		}
	case r.From == StatusHeld:
		if r.LockToken == "" {
			return ErrIllegalTransition.WithCause(errMissingToken)
		}
	case r.From == StatusBooked:
		if r.Actor != ActorAdmin {
			return ErrIllegalTransition.WithCause(errAdminOnly)
		}
	}
	return nil
}

func (r TransitionRequest) now() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

// Store is the durable slot table. Transition is the only way to change a
// slot's status outside of UpsertSlots.
type Store interface {
	UpsertSlots(ctx context.Context, providerID string, windows []Window, horizon Horizon, now time.Time) (UpsertResult, error)
	FindFreeSlots(ctx context.Context, q Query, now time.Time, limit int) ([]Slot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, f ListFilter) ([]Slot, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Slot, error)
	Transition(ctx context.Context, req TransitionRequest) (*Slot, error)
	ListAudit(ctx context.Context, slotID uuid.UUID) ([]AuditEntry, error)
}

// FindFreeSlot returns the earliest matching candidate.
func FindFreeSlot(ctx context.Context, store Store, q Query, now time.Time) (*Slot, error) {
	slots, err := store.FindFreeSlots(ctx, q, now, 1)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, ErrSlotNotFound
	}
	return &slots[0], nil
}
