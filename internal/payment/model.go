package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the gateway-facing state of an authorization.
type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further gateway call can change the status.
func (s Status) Terminal() bool {
	return s == StatusCaptured || s == StatusCancelled || s == StatusFailed
}

// SagaState tracks the Authorize → Book → Capture saga.
type SagaState string

const (
	SagaPending           SagaState = "pending"
	SagaAuthorized        SagaState = "authorized"
	// SagaBooking marks a Book call that owns the saga until the slot is booked.
	SagaBooking           SagaState = "booking"
	SagaBooked            SagaState = "booked"
	SagaCaptured          SagaState = "captured"
	SagaFailedAndReversed SagaState = "failed_and_reversed"
)

// unsettled reports whether an authorized payment in this state still needs
// the saga to finish one way or the other.
func (s SagaState) unsettled() bool {
	return s == SagaAuthorized || s == SagaBooking || s == SagaFailedAndReversed
}

// Cancellation reasons sent to the gateway and stored on the row.
const (
	ReasonBookingFailed       = "booking_failed"
	ReasonLeaseExpired        = "lease_expired"
	ReasonRequestedByCustomer = "requested_by_customer"
	ReasonPersistFailed       = "persist_failed"
	ReasonAbandoned           = "abandoned"
)

// Authorization is a payment held against one slot hold. LockToken is kept so
// a failed saga can give the slot back.
type Authorization struct {
	ID                uuid.UUID
	PaymentIntentID   string
	Amount            int64 // minor units
	Currency          string
	Status            Status
	SagaState         SagaState
	Reason            string
	SlotID            uuid.UUID
	LockToken         string
	HolderID          string
	LeaseExpiresAt    time.Time
	CaptureAttempts   int
	NextCaptureAt     *time.Time
	ExternalBookingID string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type AuthorizeRequest struct {
	SlotID    uuid.UUID
	LockToken string
	Amount    int64
	Currency  string
}

type BookRequest struct {
	SlotID          uuid.UUID
	LockToken       string
	PaymentIntentID string
}

type CheckoutRequest struct {
	SlotID    uuid.UUID
	LockToken string
	Amount    int64
	Currency  string
}

// ReconcileReport counts what one sweep did.
type ReconcileReport struct {
	Cancelled       int
	RolledForward   int
	Captured        int
	CaptureFailures int
	Reclaimed       int
}
