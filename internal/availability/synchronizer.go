package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/logging"
	"github.com/AntonyNeal/bloom-booking/internal/metrics"
	"github.com/AntonyNeal/bloom-booking/internal/provider"
	redisclient "github.com/AntonyNeal/bloom-booking/internal/redis"
	"github.com/AntonyNeal/bloom-booking/internal/slot"
)

const (
	DefaultInterval = 15 * time.Minute
	DefaultHorizon  = 12 * 7 * 24 * time.Hour
)

type Options struct {
	Interval time.Duration
	Horizon  time.Duration
}

// Report summarizes one pass over all active providers.
type Report struct {
	Providers int
	Succeeded int
	Failed    int
	Skipped   int // another runner held the provider's job lock
	Invalid   int // feed windows dropped by validation
	Totals    slot.UpsertResult
}

// Synchronizer reconciles the external feed into the slot store. A failing
// provider is logged and counted; it never stops the others.
type Synchronizer struct {
	feed     Feed
	registry provider.Registry
	store    slot.Store
	locker   redisclient.JobLocker
	opts     Options
	now      func() time.Time
	trigger  chan struct{}
}

func NewSynchronizer(feed Feed, registry provider.Registry, store slot.Store, locker redisclient.JobLocker, opts Options) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Synchronizer{
		feed:     feed,
		registry: registry,
		store:    store,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

func (s *Synchronizer) WithClock(now func() time.Time) *Synchronizer {
	s.now = now
	return s
}

// RunOnce syncs every active provider once.
func (s *Synchronizer) RunOnce(ctx context.Context) (Report, error) {
	logger := logging.Component(ctx, "sync")

	providers, err := s.registry.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list providers: %w", err)
	}

	rep := Report{Providers: len(providers)}
	for _, p := range providers {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		var res slot.UpsertResult
		var invalid int
		err := s.locker.WithJobLock(ctx, "sync:"+p.ID, func(lockCtx context.Context) error {
			var err error
			res, invalid, err = s.syncProvider(lockCtx, p)
			return err
		})

		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			rep.Skipped++
			metrics.SyncRuns.WithLabelValues("skipped").Inc()
			logger.Debug().Str("provider_id", p.ID).Msg("sync already running elsewhere")
		case err != nil:
			rep.Failed++
			metrics.SyncRuns.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("provider_id", p.ID).Msg("provider sync failed")
		default:
			rep.Succeeded++
			rep.Invalid += invalid
			addResult(&rep.Totals, res)
			metrics.SyncRuns.WithLabelValues("ok").Inc()
			logger.Info().
				Str("provider_id", p.ID).
				Int("inserted", res.Inserted).
				Int("updated", res.Updated).
				Int("revived", res.Revived).
				Int("cancelled", res.Cancelled).
				Int("preserved", res.Preserved).
				Msg("provider synced")
		}
	}

	return rep, nil
}

func (s *Synchronizer) syncProvider(ctx context.Context, p provider.Provider) (slot.UpsertResult, int, error) {
	now := s.now()
	from := now
	to := now.Add(s.opts.Horizon)

	externalID := p.ExternalID
	if externalID == "" {
		externalID = p.ID
	}

	fetched, err := s.feed.FreeWindows(ctx, externalID, from, to)
	if err != nil {
		return slot.UpsertResult{}, 0, fmt.Errorf("fetch windows: %w", err)
	}

	windows, invalid := convertWindows(ctx, p.ID, fetched)

	horizon := slot.Horizon{FromUnix: slot.UnixFromTime(from), ToUnix: slot.UnixFromTime(to)}
	res, err := s.store.UpsertSlots(ctx, p.ID, windows, horizon, now)
	if err != nil {
		return slot.UpsertResult{}, invalid, fmt.Errorf("upsert slots: %w", err)
	}

	metrics.SyncSlots.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.SyncSlots.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.SyncSlots.WithLabelValues("revived").Add(float64(res.Revived))
	metrics.SyncSlots.WithLabelValues("cancelled").Add(float64(res.Cancelled))
	return res, invalid, nil
}

// convertWindows derives the stored integers from the display instants. A
// provider-supplied unix value is ignored, and a disagreement is logged.
func convertWindows(ctx context.Context, providerID string, fetched []FeedWindow) ([]slot.Window, int) {
	logger := logging.Component(ctx, "sync")

	windows := make([]slot.Window, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	invalid := 0

	for _, fw := range fetched {
		w := slot.Window{
			ExternalID:   fw.ExternalID,
			StartUnix:    slot.UnixFromTime(fw.StartAt),
			EndUnix:      slot.UnixFromTime(fw.EndAt),
			LocationType: slot.ParseLocationType(fw.LocationType),
		}
		if err := w.Validate(); err != nil {
			invalid++
			logger.Warn().Err(err).Str("provider_id", providerID).Str("external_id", fw.ExternalID).Msg("dropping feed window")
			continue
		}
		if _, dup := seen[w.ExternalID]; dup {
			invalid++
			continue
		}
		seen[w.ExternalID] = struct{}{}

		if fw.ProviderUnix != nil && *fw.ProviderUnix != w.StartUnix {
			logger.Warn().
				Str("provider_id", providerID).
				Str("external_id", fw.ExternalID).
				Int64("provider_unix", *fw.ProviderUnix).
				Int64("derived_unix", w.StartUnix).
				Msg("feed unix timestamp disagrees with start time")
		}
		windows = append(windows, w)
	}
	return windows, invalid
}

// Trigger requests an extra run as soon as the current one finishes.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs immediately, then on every interval tick or trigger until ctx ends.
func (s *Synchronizer) Run(ctx context.Context) {
	logger := logging.Component(ctx, "sync")
	logger.Info().Dur("interval", s.opts.Interval).Dur("horizon", s.opts.Horizon).Msg("sync worker started")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sync worker stopping")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		case <-s.trigger:
			s.runAndLog(ctx)
		}
	}
}

func (s *Synchronizer) runAndLog(ctx context.Context) {
	logger := logging.Component(ctx, "sync")

	rep, err := s.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("sync run failed")
		return
	}
	logger.Info().
		Int("providers", rep.Providers).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("skipped", rep.Skipped).
		Msg("sync run complete")
}

func addResult(total *slot.UpsertResult, r slot.UpsertResult) {
	total.Inserted += r.Inserted
	total.Updated += r.Updated
	total.Revived += r.Revived
	total.Cancelled += r.Cancelled
	total.Preserved += r.Preserved
}
