package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonyNeal/bloom-booking/internal/provider"
	redisclient "github.com/AntonyNeal/bloom-booking/internal/redis"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

var (
	syncNow = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	nineAM  = time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)
)

type stubFeed struct {
	mu      sync.Mutex
	windows map[string][]FeedWindow
	errs    map[string]error
	calls   atomic.Int32
}

func (f *stubFeed) FreeWindows(_ context.Context, externalProviderID string, _, _ time.Time) ([]FeedWindow, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[externalProviderID]; err != nil {
		return nil, err
	}
	return f.windows[externalProviderID], nil
}

type busyLocker struct {
	busy map[string]bool
}

func (l busyLocker) WithJobLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if l.busy[name] {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

func hourWindow(ext string, start time.Time) FeedWindow {
	return FeedWindow{ExternalID: ext, StartAt: start, EndAt: start.Add(time.Hour), LocationType: "telehealth"}
}

func registryWith(t *testing.T, ids ...string) *provider.MemoryRegistry {
	t.Helper()
	reg := provider.NewMemoryRegistry()
	for _, id := range ids {
		require.NoError(t, reg.Create(context.Background(), &provider.Provider{ID: id, ExternalID: "cal-" + id, Active: true}))
	}
	return reg
}

func TestRunOnce_ProviderFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := slot.NewMemoryStore()
	feed := &stubFeed{
		windows: map[string][]FeedWindow{
			"cal-p2": {hourWindow("a", nineAM), hourWindow("b", nineAM.Add(time.Hour))},
		},
		errs: map[string]error{"cal-p1": errors.New("calendar down")},
	}
	syncer := NewSynchronizer(feed, registryWith(t, "p1", "p2"), store, nil, Options{}).
		WithClock(func() time.Time { return syncNow })

	rep, err := syncer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Providers)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 2, rep.Totals.Inserted)

	slots, err := store.ListSlots(ctx, slot.ListFilter{ProviderID: "p2"})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, nineAM.Unix(), slots[0].StartUnix)
	assert.Equal(t, nineAM, slots[0].StartAt())
}

func TestRunOnce_NeverDowngradesBookedSlot(t *testing.T) {
	ctx := context.Background()
	store := slot.NewMemoryStore()
	booked := store.Put(slot.Slot{
		ExternalID:      "gone",
		ProviderID:      "p1",
		StartUnix:       nineAM.Unix(),
		EndUnix:         nineAM.Add(time.Hour).Unix(),
		Status:          slot.StatusBooked,
		IsBookable:      true,
		DurationMinutes: 60,
	})
	free := store.Put(slot.Slot{
		ExternalID:      "stale",
		ProviderID:      "p1",
		StartUnix:       nineAM.Add(2 * time.Hour).Unix(),
		EndUnix:         nineAM.Add(3 * time.Hour).Unix(),
		Status:          slot.StatusFree,
		IsBookable:      true,
		DurationMinutes: 60,
	})

	feed := &stubFeed{windows: map[string][]FeedWindow{"cal-p1": {hourWindow("new", nineAM.Add(24*time.Hour))}}}
	syncer := NewSynchronizer(feed, registryWith(t, "p1"), store, nil, Options{}).
		WithClock(func() time.Time { return syncNow })

	rep, err := syncer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Totals.Inserted)
	assert.Equal(t, 1, rep.Totals.Cancelled)

	got, err := store.GetSlot(ctx, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, slot.StatusBooked, got.Status)

	got, err = store.GetSlot(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, slot.StatusCancelled, got.Status)
}

func TestRunOnce_SkipsLockedProvider(t *testing.T) {
	feed := &stubFeed{}
	locker := busyLocker{busy: map[string]bool{"sync:p1": true}}
	syncer := NewSynchronizer(feed, registryWith(t, "p1", "p2"), slot.NewMemoryStore(), locker, Options{})

	rep, err := syncer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, int32(1), feed.calls.Load())
}

func TestConvertWindows(t *testing.T) {
	bogus := int64(42)
	fetched := []FeedWindow{
		{ExternalID: "a", StartAt: nineAM.Add(999 * time.Millisecond), EndAt: nineAM.Add(time.Hour), ProviderUnix: &bogus},
		{ExternalID: "a", StartAt: nineAM, EndAt: nineAM.Add(time.Hour)},
		{ExternalID: "", StartAt: nineAM, EndAt: nineAM.Add(time.Hour)},
		{ExternalID: "backwards", StartAt: nineAM, EndAt: nineAM.Add(-time.Hour)},
		{ExternalID: "phone", StartAt: nineAM, EndAt: nineAM.Add(30 * time.Minute), LocationType: "phone"},
	}

	windows, invalid := convertWindows(context.Background(), "p1", fetched)
	assert.Equal(t, 3, invalid)
	require.Len(t, windows, 2)
	assert.Equal(t, nineAM.Unix(), windows[0].StartUnix, "derived from the instant, not the provider value")
	assert.Equal(t, 30, windows[1].DurationMinutes())
	assert.Equal(t, slot.LocationPhone, windows[1].LocationType)
}

func TestRun_TriggerForcesExtraPass(t *testing.T) {
	feed := &stubFeed{}
	syncer := NewSynchronizer(feed, registryWith(t, "p1"), slot.NewMemoryStore(), nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return feed.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	syncer.Trigger()
	require.Eventually(t, func() bool { return feed.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMockFeed_WeekdayBusinessHours(t *testing.T) {
	monday := time.Date(2025, 12, 8, 0, 0, 0, 0, time.UTC)
	windows, err := NewMockFeed().FreeWindows(context.Background(), "cal-1", monday, monday.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Len(t, windows, 5*8)
	assert.Equal(t, 9, windows[0].StartAt.Hour())

	again, err := NewMockFeed().FreeWindows(context.Background(), "cal-1", monday, monday.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, windows[0].ExternalID, again[0].ExternalID)
}
