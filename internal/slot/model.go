package slot

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusFree      Status = "free"
	StatusHeld      Status = "held"
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
)

type LocationType string

const (
	LocationInPerson   LocationType = "in-person"
	LocationTelehealth LocationType = "telehealth"
	LocationPhone      LocationType = "phone"
)

// ParseLocationType accepts the canonical names plus a few feed spellings.
func ParseLocationType(s string) LocationType {
	switch s {
	case "in-person", "in_person", "inperson", "physical":
		return LocationInPerson
	case "phone", "phone_call", "outbound_call", "inbound_call":
		return LocationPhone
	default:
		return LocationTelehealth
	}
}

// Actors recorded in the audit log.
const (
	ActorSync         = "sync"
	ActorReservation  = "reservation"
	ActorBooking      = "booking"
	ActorSweep        = "sweep"
	ActorCompensation = "compensation"
	ActorAdmin        = "admin"
)

// Slot is a bookable window. StartUnix and EndUnix are authoritative; the
// display times are always derived from them.
type Slot struct {
	ID              uuid.UUID
	ExternalID      string
	ProviderID      string
	StartUnix       int64
	EndUnix         int64
	Status          Status
	IsBookable      bool
	DurationMinutes int
	LocationType    LocationType
	LockToken       string
	HeldBy          string
	LockExpiresAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s Slot) StartAt() time.Time { return time.Unix(s.StartUnix, 0).UTC() }

func (s Slot) EndAt() time.Time { return time.Unix(s.EndUnix, 0).UTC() }

// LeaseExpired reports whether a held slot is past its lock expiry.
func (s Slot) LeaseExpired(now time.Time) bool {
	return s.Status == StatusHeld && s.LockExpiresAt != nil && now.After(*s.LockExpiresAt)
}

// EffectiveStatus treats an expired hold as free.
func (s Slot) EffectiveStatus(now time.Time) Status {
	if s.LeaseExpired(now) {
		return StatusFree
	}
	return s.Status
}

// BookedWith reports whether the slot was booked from the hold with token.
func (s Slot) BookedWith(token string) bool {
	return s.Status == StatusBooked && token != "" && s.LockToken == token
}

// HeldWith reports whether token currently holds the slot.
func (s Slot) HeldWith(token string, now time.Time) bool {
	return s.Status == StatusHeld && token != "" && s.LockToken == token && !s.LeaseExpired(now)
}

// Contains reports whether the slot fully covers [startUnix, endUnix).
func (s Slot) Contains(startUnix, endUnix int64) bool {
	return s.StartUnix <= startUnix && s.EndUnix >= endUnix
}

// Reservable reports whether the slot can be taken by a new hold at now.
func (s Slot) Reservable(now time.Time) bool {
	return s.IsBookable && s.EffectiveStatus(now) == StatusFree
}

// Window is one free window reported by the availability feed.
type Window struct {
	ExternalID   string
	StartUnix    int64
	EndUnix      int64
	LocationType LocationType
}

func (w Window) DurationMinutes() int {
	return int((w.EndUnix - w.StartUnix) / 60)
}

func (w Window) Validate() error {
	if w.ExternalID == "" {
		return ErrInvalidWindow.WithCause(errMissingExternalID)
	}
	if w.StartUnix >= w.EndUnix {
		return ErrInvalidWindow.WithCause(errEmptyWindow)
	}
	return nil
}

// UnixFromTime is floor(epochMillis/1000), the canonical conversion from a
// display instant to the stored integer.
func UnixFromTime(t time.Time) int64 {
	ms := t.UnixMilli()
	q := ms / 1000
	if ms%1000 < 0 {
		q--
	}
	return q
}

// Horizon bounds the range a sync run is authoritative for.
type Horizon struct {
	FromUnix int64
	ToUnix   int64
}

func (h Horizon) Covers(startUnix int64) bool {
	return startUnix >= h.FromUnix && startUnix < h.ToUnix
}

// UpsertResult counts what a reconciliation did.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Revived   int
	Cancelled int
	Preserved int
}

// AuditEntry is an append-only record of a status change.
type AuditEntry struct {
	ID        int64
	SlotID    uuid.UUID
	From      Status
	To        Status
	Actor     string
	CreatedAt time.Time
}

// Query asks for free slots that fully contain a window.
type Query struct {
	ProviderID      string
	StartUnix       int64
	EndUnix         int64
	DurationMinutes int
}

func (q Query) Validate() error {
	if q.ProviderID == "" {
		return ErrInvalidQuery.WithCause(errMissingProvider)
	}
	if q.StartUnix >= q.EndUnix {
		return ErrInvalidQuery.WithCause(errEmptyWindow)
	}
	if q.DurationMinutes <= 0 {
		return ErrInvalidQuery.WithCause(errBadDuration)
	}
	return nil
}

// Matches applies the candidate rules to one slot.
func (q Query) Matches(s Slot, now time.Time) bool {
	return s.ProviderID == q.ProviderID &&
		s.DurationMinutes == q.DurationMinutes &&
		s.Contains(q.StartUnix, q.EndUnix) &&
		s.Reservable(now)
}

// ListFilter drives slot listings; zero values are ignored.
type ListFilter struct {
	ProviderID string
	FromUnix   int64
	ToUnix     int64
	Status     Status
	Limit      int
	Offset     int
}
