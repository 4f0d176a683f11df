package app

import (
	"context"
	"errors"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/payment"
	redisclient "github.com/AntonyNeal/bloom-booking/internal/redis"
)

// SweepJob is the job lock name shared by every reconciliation runner.
const SweepJob = "sweep"

type reconciler interface {
	Reconcile(ctx context.Context) (payment.ReconcileReport, error)
}

// Sweeper runs the payment reconciliation at a fixed interval. Only one
// instance in the fleet works per tick; the others find the lock taken.
type Sweeper struct {
	reconciler reconciler
	locker     redisclient.JobLocker
	interval   time.Duration
	timeout    time.Duration
}

func NewSweeper(r reconciler, locker redisclient.JobLocker, interval time.Duration) *Sweeper {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		reconciler: r,
		locker:     locker,
		interval:   interval,
		timeout:    interval,
	}
}

// RunOnce performs one sweep. A lock held elsewhere is not an error.
func (s *Sweeper) RunOnce(ctx context.Context) (payment.ReconcileReport, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rep payment.ReconcileReport
	err := s.locker.WithJobLock(runCtx, SweepJob, func(ctx context.Context) error {
		var err error
		rep, err = s.reconciler.Reconcile(ctx)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return rep, false, nil
	}
	return rep, true, err
}

// Run sweeps once at startup and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logging.Component(ctx, "sweeper")
	logger.Info().Dur("interval", s.interval).Msg("sweeper started")

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	logger := logging.Component(ctx, "sweeper")
	start := time.Now()

	rep, ran, err := s.RunOnce(ctx)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("sweep failed")
	case !ran:
		logger.Debug().Msg("sweep skipped, lock held elsewhere")
	default:
		logger.Info().
			Int("cancelled", rep.Cancelled).
			Int("rolled_forward", rep.RolledForward).
			Int("captured", rep.Captured).
			Int("capture_failures", rep.CaptureFailures).
			Int("reclaimed", rep.Reclaimed).
			Dur("took", time.Since(start)).
			Msg("sweep complete")
	}
}
