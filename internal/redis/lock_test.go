package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestWithJobLock_ExclusiveWhileHeld(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewJobLocker(rdb, time.Minute)

	err := locker.WithJobLock(context.Background(), "sync:provider-1", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:job:sync:provider-1"))

		inner := locker.WithJobLock(ctx, "sync:provider-1", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	assert.False(t, mr.Exists("lock:job:sync:provider-1"), "lock released after fn returns")
}

func TestWithJobLock_PropagatesError(t *testing.T) {
	_, rdb := newTestClient(t)
	locker := NewJobLocker(rdb, time.Minute)
	boom := errors.New("boom")

	err := locker.WithJobLock(context.Background(), "sweep", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWithJobLock_DoesNotReleaseForeignToken(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewJobLocker(rdb, time.Minute)

	err := locker.WithJobLock(context.Background(), "sweep", func(context.Context) error {
		// simulate expiry and takeover by another worker
		require.NoError(t, mr.Set("lock:job:sweep", "someone-else"))
		return nil
	})
	require.NoError(t, err)

	v, err := mr.Get("lock:job:sweep")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestNewJobLocker_NilClientRunsDirectly(t *testing.T) {
	locker := NewJobLocker(nil, time.Minute)
	ran := false
	err := locker.WithJobLock(context.Background(), "x", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithJobLock_RunsUnlockedWhenRedisDown(t *testing.T) {
	mr, rdb := newTestClient(t)
	locker := NewJobLocker(rdb, time.Minute)
	mr.Close()

	ran := false
	err := locker.WithJobLock(context.Background(), "reconcile", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "an unreachable lock store never stops the job")

	jobErr := errors.New("sweep failed")
	err = locker.WithJobLock(context.Background(), "reconcile", func(context.Context) error { return jobErr })
	assert.ErrorIs(t, err, jobErr)
}
