package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/store"
)

// ChannelLister is the persistence surface the sweeper needs. The root
// store satisfies it.
type ChannelLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	ListChannelsByTenant(ctx context.Context, tenantID string) ([]*store.Channel, error)
}

// Sweeper periodically scans every tenant's channels and enqueues a
// refresh for any credential expiring within the threshold. Channels
// past their expiry are picked up too; the worker decides whether the
// refresh input is still usable.
type Sweeper struct {
	store     ChannelLister
	creds     *credstore.Store
	worker    *Worker
	threshold time.Duration
	cron      *cron.Cron
}

// NewSweeper creates a sweeper. threshold is how far ahead of expiry a
// refresh is scheduled.
func NewSweeper(cs ChannelLister, creds *credstore.Store, worker *Worker, threshold time.Duration) *Sweeper {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &Sweeper{
		store:     cs,
		creds:     creds,
		worker:    worker,
		threshold: threshold,
		cron:      cron.New(),
	}
}

// Start schedules the sweep on the given cron expression and runs one
// sweep immediately so a restart does not wait out the first interval.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	go s.Sweep(ctx)
	slog.Info("refresh sweeper started", "schedule", schedule, "threshold", s.threshold)
	return nil
}

// Stop halts the cron scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep walks all tenants once and enqueues due refreshes.
func (s *Sweeper) Sweep(ctx context.Context) {
	tenants, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		slog.Error("sweep failed to list tenants", "error", err)
		return
	}

	now := time.Now()
	enqueued := 0
	for _, tenantID := range tenants {
		enqueued += s.sweepTenant(ctx, tenantID, now)
	}
	slog.Info("refresh sweep finished", "tenants", len(tenants), "enqueued", enqueued)
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenantID string, now time.Time) int {
	chs, err := s.store.ListChannelsByTenant(ctx, tenantID)
	if err != nil {
		slog.Error("sweep failed to list channels", "tenant_id", tenantID, "error", err)
		return 0
	}

	enqueued := 0
	for _, ch := range chs {
		if ch.Status == store.ChannelDisabled || ch.Platform == channels.PlatformMock {
			continue
		}
		dec, err := s.creds.GetDecrypted(ctx, ch.ID)
		if err != nil {
			if err != credstore.ErrNoCredentials {
				slog.Warn("sweep could not decrypt channel credentials", "channel_id", ch.ID, "error", err)
			}
			continue
		}
		if !NeedsRefresh(dec.Credentials, s.threshold, now) {
			continue
		}
		ok, err := s.worker.EnqueueChannel(ctx, ch.ID, tenantID, dec.Credentials)
		if err != nil {
			slog.Error("sweep failed to enqueue refresh", "channel_id", ch.ID, "error", err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued
}
