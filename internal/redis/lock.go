package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AntonyNeal/bloom-booking/internal/logging"
)

var (
	ErrLockNotAcquired = errors.New("job lock not acquired")
)

// JobLocker keeps periodic jobs (provider sync, reconciliation sweep) to one
// runner at a time. Correctness never depends on it: the guarded jobs are
// idempotent, the lock only avoids duplicate upstream calls. When Redis is
// unreachable the job runs unlocked.
type JobLocker interface {
	WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type redisJobLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobLocker creates a locker that uses one Redis key per job name.
func NewJobLocker(client *redis.Client, ttl time.Duration) JobLocker {
	if client == nil {
		return NoopLocker{}
	}
	return &redisJobLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisJobLocker) WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:job:%s", name)
	token := uuid.NewString()

	logger := logging.Component(ctx, "job_lock")

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		logger.Warn().Err(err).Str("job", name).Msg("redis unavailable, running job unlocked")
		return fn(ctx)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled job still frees its key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.release(releaseCtx, key, token); err != nil {
			logger.Warn().Err(err).Str("job", name).Msg("job lock not released, it expires with its ttl")
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisJobLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly; used when Redis is not configured.
type NoopLocker struct{}

func (NoopLocker) WithJobLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
