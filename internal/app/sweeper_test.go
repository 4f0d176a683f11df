package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonyNeal/bloom-booking/internal/payment"
	redisclient "github.com/AntonyNeal/bloom-booking/internal/redis"
)

type countingReconciler struct {
	calls int
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) (payment.ReconcileReport, error) {
	r.calls++
	return payment.ReconcileReport{Reclaimed: 2}, r.err
}

type heldLocker struct{}

func (heldLocker) WithJobLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestSweeper_RunOnce(t *testing.T) {
	rec := &countingReconciler{}
	rep, ran, err := NewSweeper(rec, nil, time.Second).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, rep.Reclaimed)
	assert.Equal(t, 1, rec.calls)
}

func TestSweeper_LockHeldElsewhere(t *testing.T) {
	rec := &countingReconciler{}
	_, ran, err := NewSweeper(rec, heldLocker{}, time.Second).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, rec.calls)
}

func TestSweeper_PropagatesFailure(t *testing.T) {
	rec := &countingReconciler{err: errors.New("gateway down")}
	_, ran, err := NewSweeper(rec, nil, time.Second).RunOnce(context.Background())
	assert.True(t, ran)
	assert.EqualError(t, err, "gateway down")
}

func TestSweeper_RunsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	rec := &countingReconciler{}
	sweeper := NewSweeper(rec, redisclient.NewJobLocker(rdb, time.Minute), 5*time.Second)
	rep, ran, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, rep.Reclaimed)
	assert.Equal(t, 1, rec.calls)
}
