package slot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonyNeal/bloom-booking/internal/db"
)

func newIntegrationStore(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return NewPgStore(pool)
}

func TestPgStore_UpsertReconcilesWithoutDowngradingBookings(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationStore(t)
	provider := "it-" + uuid.NewString()
	now := t0.Add(-48 * time.Hour)
	horizon := Horizon{FromUnix: now.Unix(), ToUnix: now.Add(12 * 7 * 24 * time.Hour).Unix()}

	windows := []Window{
		{ExternalID: "a", StartUnix: t0Unix, EndUnix: t0Unix + hourUnix, LocationType: LocationTelehealth},
		{ExternalID: "b", StartUnix: t0Unix + hourUnix, EndUnix: t0Unix + 2*hourUnix, LocationType: LocationTelehealth},
		{ExternalID: "c", StartUnix: t0Unix + 2*hourUnix, EndUnix: t0Unix + 3*hourUnix, LocationType: LocationPhone},
	}
	res, err := store.UpsertSlots(ctx, provider, windows, horizon, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	all, err := store.ListSlots(ctx, ListFilter{ProviderID: provider})
	require.NoError(t, err)
	require.Len(t, all, 3)
	a, b, c := all[0], all[1], all[2]

	_, err = store.Transition(ctx, holdReq(a.ID, "ta", now))
	require.NoError(t, err)
	booked, err := store.Transition(ctx, TransitionRequest{SlotID: a.ID, From: StatusHeld, To: StatusBooked, LockToken: "ta", Lease: LeaseActive, Actor: ActorBooking, Now: now})
	require.NoError(t, err)
	assert.True(t, booked.BookedWith("ta"), "a booking keeps the token of the hold it came from")
	assert.Nil(t, booked.LockExpiresAt)
	_, err = store.Transition(ctx, holdReq(b.ID, "tb", now))
	require.NoError(t, err)

	res, err = store.UpsertSlots(ctx, provider, nil, horizon, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled, "only the free slot is withdrawn")

	gotC, err := store.GetSlot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, gotC.Status)

	moved := windows[0]
	moved.StartUnix += 60
	res, err = store.UpsertSlots(ctx, provider, []Window{moved, windows[2]}, horizon, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Preserved)
	assert.Equal(t, 1, res.Revived)
	assert.Equal(t, 0, res.Cancelled, "b is held, so nothing free is missing")

	gotA, err := store.GetSlot(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, gotA.Status)
	assert.Equal(t, t0Unix, gotA.StartUnix)
	gotB, err := store.GetSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, gotB.Status)
	gotC, err = store.GetSlot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, gotC.Status)

	audit, err := store.ListAudit(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, StatusCancelled, audit[0].To)
	assert.Equal(t, StatusFree, audit[1].To)
}

func TestPgStore_TransitionLeaseConditions(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationStore(t)
	provider := "it-" + uuid.NewString()
	now := t0.Add(-time.Hour)

	_, err := store.UpsertSlots(ctx, provider, []Window{
		{ExternalID: "x", StartUnix: t0Unix, EndUnix: t0Unix + hourUnix, LocationType: LocationTelehealth},
	}, Horizon{FromUnix: now.Unix(), ToUnix: t0Unix + hourUnix}, now)
	require.NoError(t, err)
	all, err := store.ListSlots(ctx, ListFilter{ProviderID: provider})
	require.NoError(t, err)
	require.Len(t, all, 1)
	id := all[0].ID

	_, err = store.Transition(ctx, holdReq(id, "tok", now))
	require.NoError(t, err)

	late := now.Add(11 * time.Minute)
	_, err = store.Transition(ctx, TransitionRequest{SlotID: id, From: StatusHeld, To: StatusBooked, LockToken: "tok", Lease: LeaseActive, Actor: ActorBooking, Now: late})
	assert.ErrorIs(t, err, ErrTransitionConflict, "an expired hold cannot be booked")

	freed, err := store.Transition(ctx, TransitionRequest{SlotID: id, From: StatusHeld, To: StatusFree, LockToken: "tok", Lease: LeaseExpired, Actor: ActorSweep, Now: late})
	require.NoError(t, err)
	assert.Equal(t, StatusFree, freed.Status)
	assert.Empty(t, freed.LockToken)
}
