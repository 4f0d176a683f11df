package slot

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)
	t0Unix   = t0.Unix()
	hourUnix = int64(3600)
)

func freeSlot(provider, ext string, start int64, minutes int) Slot {
	return Slot{
		ExternalID:      ext,
		ProviderID:      provider,
		StartUnix:       start,
		EndUnix:         start + int64(minutes)*60,
		Status:          StatusFree,
		IsBookable:      true,
		DurationMinutes: minutes,
		LocationType:    LocationTelehealth,
	}
}

func holdReq(id uuid.UUID, token string, now time.Time) TransitionRequest {
	return TransitionRequest{
		SlotID:       id,
		From:         StatusFree,
		To:           StatusHeld,
		NewLockToken: token,
		HeldBy:       "patient-1",
		ExpiresAt:    now.Add(10 * time.Minute),
		Actor:        ActorReservation,
		Now:          now,
	}
}

func TestTransition_FreeHeldBooked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Put(freeSlot("P", "w1", t0Unix, 60))
	now := t0.Add(-24 * time.Hour)

	held, err := store.Transition(ctx, holdReq(s.ID, "tok-1", now))
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, held.Status)
	assert.Equal(t, "tok-1", held.LockToken)

	_, err = store.Transition(ctx, holdReq(s.ID, "tok-2", now))
	assert.ErrorIs(t, err, ErrTransitionConflict, "second holder loses the CAS")

	_, err = store.Transition(ctx, TransitionRequest{
		SlotID: s.ID, From: StatusHeld, To: StatusBooked, LockToken: "wrong", Lease: LeaseActive, Actor: ActorBooking, Now: now,
	})
	assert.ErrorIs(t, err, ErrTransitionConflict)

	booked, err := store.Transition(ctx, TransitionRequest{
		SlotID: s.ID, From: StatusHeld, To: StatusBooked, LockToken: "tok-1", Lease: LeaseActive, Actor: ActorBooking, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, booked.Status)
	assert.Equal(t, "tok-1", booked.LockToken, "a booking keeps the token of the hold it came from")
	assert.True(t, booked.BookedWith("tok-1"))
	assert.False(t, booked.BookedWith("tok-2"))
	assert.Equal(t, "patient-1", booked.HeldBy)

	audit, err := store.ListAudit(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, StatusFree, audit[0].From)
	assert.Equal(t, StatusHeld, audit[0].To)
	assert.Equal(t, StatusBooked, audit[1].To)
	assert.Equal(t, ActorBooking, audit[1].Actor)
}

func TestTransition_ExpiredHoldIsReservable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Put(freeSlot("P", "w1", t0Unix, 60))
	now := t0.Add(-time.Hour)

	_, err := store.Transition(ctx, holdReq(s.ID, "tok-1", now))
	require.NoError(t, err)

	later := now.Add(11 * time.Minute)
	got, err := store.GetSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Equal(t, StatusFree, got.EffectiveStatus(later))

	held, err := store.Transition(ctx, holdReq(s.ID, "tok-2", later))
	require.NoError(t, err)
	assert.Equal(t, "tok-2", held.LockToken)
}

func TestTransition_LeaseConditions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Put(freeSlot("P", "w1", t0Unix, 60))
	now := t0.Add(-time.Hour)
	_, err := store.Transition(ctx, holdReq(s.ID, "tok-1", now))
	require.NoError(t, err)

	release := func(lease LeaseCondition, at time.Time) error {
		_, err := store.Transition(ctx, TransitionRequest{
			SlotID: s.ID, From: StatusHeld, To: StatusFree, LockToken: "tok-1", Lease: lease, Actor: ActorSweep, Now: at,
		})
		return err
	}

	assert.ErrorIs(t, release(LeaseExpired, now.Add(time.Minute)), ErrTransitionConflict, "lease still active")
	assert.ErrorIs(t, release(LeaseActive, now.Add(time.Hour)), ErrTransitionConflict, "lease already expired")
	assert.NoError(t, release(LeaseExpired, now.Add(time.Hour)))

	got, err := store.GetSlot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, got.Status)
	assert.Empty(t, got.LockToken)
	assert.Nil(t, got.LockExpiresAt)
}

func TestTransition_RejectsUndefinedEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Put(freeSlot("P", "w1", t0Unix, 60))

	_, err := store.Transition(ctx, TransitionRequest{SlotID: s.ID, From: StatusFree, To: StatusBooked, Actor: ActorBooking})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = store.Transition(ctx, TransitionRequest{SlotID: s.ID, From: StatusBooked, To: StatusFree, Actor: ActorBooking})
	assert.ErrorIs(t, err, ErrIllegalTransition, "only admin may free a booked slot")

	_, err = store.Transition(ctx, TransitionRequest{SlotID: uuid.New(), From: StatusBooked, To: StatusFree, Actor: ActorAdmin})
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestTransition_NotBookableCannotBeHeld(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sl := freeSlot("P", "w1", t0Unix, 60)
	sl.IsBookable = false
	s := store.Put(sl)

	_, err := store.Transition(ctx, holdReq(s.ID, "tok", t0.Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrTransitionConflict)
}

func TestFindFreeSlots_ContainmentDurationAndOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := t0.Add(-time.Hour)

	late := store.Put(freeSlot("P", "late", t0Unix, 60))
	// a longer slot starting earlier that also contains the window but with another duration
	store.Put(freeSlot("P", "long", t0Unix-hourUnix, 180))
	// partial overlap only
	store.Put(freeSlot("P", "partial", t0Unix+30*60, 60))
	// other provider
	store.Put(freeSlot("Q", "other", t0Unix, 60))

	q := Query{ProviderID: "P", StartUnix: t0Unix, EndUnix: t0Unix + hourUnix, DurationMinutes: 60}
	got, err := store.FindFreeSlots(ctx, q, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)

	// two candidates with the same duration: earliest start wins
	wide := freeSlot("P", "wide", t0Unix-30*60, 60)
	wide.EndUnix = t0Unix + hourUnix
	early := store.Put(wide)
	first, err := FindFreeSlot(ctx, store, q, now)
	require.NoError(t, err)
	assert.Equal(t, early.ID, first.ID)
}

func TestFindFreeSlot_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := FindFreeSlot(context.Background(), store,
		Query{ProviderID: "P", StartUnix: t0Unix, EndUnix: t0Unix + hourUnix, DurationMinutes: 60}, t0)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestUpsertSlots_ReconcilesWithoutDowngradingBookings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := t0.Add(-48 * time.Hour)
	horizon := Horizon{FromUnix: now.Unix(), ToUnix: now.Add(12 * 7 * 24 * time.Hour).Unix()}

	windows := []Window{
		{ExternalID: "a", StartUnix: t0Unix, EndUnix: t0Unix + hourUnix, LocationType: LocationTelehealth},
		{ExternalID: "b", StartUnix: t0Unix + hourUnix, EndUnix: t0Unix + 2*hourUnix, LocationType: LocationTelehealth},
		{ExternalID: "c", StartUnix: t0Unix + 2*hourUnix, EndUnix: t0Unix + 3*hourUnix, LocationType: LocationPhone},
	}
	res, err := store.UpsertSlots(ctx, "P", windows, horizon, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	all, err := store.ListSlots(ctx, ListFilter{ProviderID: "P"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	a, b := all[0], all[1]

	// book "a", hold "b"
	_, err = store.Transition(ctx, holdReq(a.ID, "ta", now))
	require.NoError(t, err)
	_, err = store.Transition(ctx, TransitionRequest{SlotID: a.ID, From: StatusHeld, To: StatusBooked, LockToken: "ta", Lease: LeaseActive, Actor: ActorBooking, Now: now})
	require.NoError(t, err)
	_, err = store.Transition(ctx, holdReq(b.ID, "tb", now))
	require.NoError(t, err)

	// the feed no longer reports anything
	res, err = store.UpsertSlots(ctx, "P", nil, horizon, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled, "only the free slot is withdrawn")

	gotA, _ := store.GetSlot(ctx, a.ID)
	gotB, _ := store.GetSlot(ctx, b.ID)
	assert.Equal(t, StatusBooked, gotA.Status)
	assert.Equal(t, StatusHeld, gotB.Status)

	// feed reports a and c again, with a moved start for a: booked stays untouched
	moved := windows[0]
	moved.StartUnix += 60
	res, err = store.UpsertSlots(ctx, "P", []Window{moved, windows[2]}, horizon, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Preserved)
	assert.Equal(t, 1, res.Revived)
	assert.Equal(t, 0, res.Cancelled, "b is held, so nothing free is missing")

	gotA, _ = store.GetSlot(ctx, a.ID)
	assert.Equal(t, t0Unix, gotA.StartUnix)
}

func TestUpsertSlots_OutsideHorizonIsKept(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := t0.Add(-time.Hour)
	far := store.Put(freeSlot("P", "far", t0Unix+365*24*hourUnix, 60))

	_, err := store.UpsertSlots(ctx, "P", nil, Horizon{FromUnix: now.Unix(), ToUnix: t0Unix + 7*24*hourUnix}, now)
	require.NoError(t, err)

	got, _ := store.GetSlot(ctx, far.ID)
	assert.Equal(t, StatusFree, got.Status)
}

func TestUpsertSlots_RejectsInvalidWindow(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.UpsertSlots(context.Background(), "P",
		[]Window{{ExternalID: "x", StartUnix: t0Unix, EndUnix: t0Unix}}, Horizon{}, t0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestListExpiredHolds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := store.Put(freeSlot("P", "w1", t0Unix, 60))
	now := t0.Add(-time.Hour)
	_, err := store.Transition(ctx, holdReq(s.ID, "tok", now))
	require.NoError(t, err)

	none, err := store.ListExpiredHolds(ctx, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	expired, err := store.ListExpiredHolds(ctx, now.Add(11*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, s.ID, expired[0].ID)
}
