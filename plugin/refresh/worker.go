package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/omnihub/omnihub/plugin/channels"
	"github.com/omnihub/omnihub/plugin/credstore"
	"github.com/omnihub/omnihub/plugin/metrics"
	"github.com/omnihub/omnihub/store"
)

const defaultBackoffBase = 2 * time.Second

// JobStore is the persistence surface for refresh jobs. The root store
// satisfies it.
type JobStore interface {
	CreateRefreshJob(ctx context.Context, job *store.RefreshJob) error
	UpdateRefreshJob(ctx context.Context, job *store.RefreshJob) error
}

// Worker consumes the refresh queue with a bounded pool and drives each
// job through its state machine:
//
//	pending -> in_progress -> success
//	                       -> failed  (retryable, attempts remain) -> pending
//	                       -> failed  (terminal)
//	pending -> skipped (no refresh token)
type Worker struct {
	queue       *Queue
	engine      *Engine
	creds       *credstore.Store
	jobs        JobStore
	maxAttempts int
	backoffBase time.Duration
	sem         *semaphore.Weighted
}

// NewWorker creates the worker pool. workers caps concurrent refreshes.
func NewWorker(queue *Queue, engine *Engine, creds *credstore.Store, jobs JobStore, workers, maxAttempts int) *Worker {
	if workers <= 0 {
		workers = 3
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		queue:       queue,
		engine:      engine,
		creds:       creds,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		backoffBase: defaultBackoffBase,
		sem:         semaphore.NewWeighted(int64(workers)),
	}
}

// EnqueueChannel creates a pending job for the channel and queues it.
// Returns false if a job for the channel is already queued.
func (w *Worker) EnqueueChannel(ctx context.Context, channelID, tenantID string, creds *channels.Credentials) (bool, error) {
	snapshot, _ := json.Marshal(map[string]any{
		"platform":  creds.Platform,
		"expiresAt": creds.ExpiresAt,
	})
	job := &store.RefreshJob{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		TenantID:  tenantID,
		Status:    store.RefreshJobPending,
		Snapshot:  snapshot,
	}

	if _, ok := creds.RefreshToken(); !ok {
		job.Status = store.RefreshJobSkipped
		job.LastError = "credentials carry no refresh token"
		metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobSkipped)).Inc()
		slog.Info("refresh skipped, no refresh token", "channel_id", channelID, "platform", creds.Platform)
		return false, w.jobs.CreateRefreshJob(ctx, job)
	}

	if err := w.jobs.CreateRefreshJob(ctx, job); err != nil {
		return false, err
	}
	metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobPending)).Inc()
	if !w.queue.Enqueue(job) {
		// A job for this channel is already queued or running; close this
		// row out so it doesn't linger as pending.
		job.Status = store.RefreshJobSkipped
		job.LastError = "a refresh is already queued for this channel"
		if err := w.jobs.UpdateRefreshJob(ctx, job); err != nil {
			slog.Warn("failed to mark duplicate refresh job skipped", "job_id", job.ID, "error", err)
		}
		slog.Debug("refresh already queued for channel", "channel_id", channelID)
		return false, nil
	}
	return true, nil
}

// Run consumes the queue until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.queue.Jobs():
			if !ok {
				return
			}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(job *store.RefreshJob) {
				defer w.sem.Release(1)
				defer w.queue.Done(job.ChannelID)
				w.process(ctx, job)
			}(job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *store.RefreshJob) {
	job.Status = store.RefreshJobInProgress
	job.AttemptCount++
	job.LastAttemptTs = time.Now().Unix()
	if err := w.jobs.UpdateRefreshJob(ctx, job); err != nil {
		slog.Error("failed to mark refresh job in progress", "job_id", job.ID, "error", err)
		return
	}
	metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobInProgress)).Inc()

	dec, err := w.creds.GetDecrypted(ctx, job.ChannelID)
	if err != nil {
		w.fail(ctx, job, "failed to load credentials: "+err.Error(), false)
		return
	}
	if dec.Status == channels.CredentialInvalid {
		w.fail(ctx, job, "credentials are invalid, re-authentication required", false)
		return
	}

	next, ae := w.engine.Refresh(ctx, dec.Credentials)
	if ae != nil {
		metrics.ErrorsClassified.WithLabelValues(string(dec.Credentials.Platform), string(ae.Type)).Inc()
		if ae.IsAuthFailure() {
			if err := w.creds.MarkInvalid(ctx, job.ChannelID, ae.Message); err != nil {
				slog.Error("failed to mark credentials invalid", "channel_id", job.ChannelID, "error", err)
			}
			w.fail(ctx, job, ae.Message, false)
			return
		}
		w.fail(ctx, job, ae.Message, ae.Retryable)
		return
	}

	if err := w.creds.Save(ctx, job.ChannelID, next, nil); err != nil {
		w.fail(ctx, job, "failed to persist refreshed credentials: "+err.Error(), true)
		return
	}

	job.Status = store.RefreshJobSuccess
	job.LastError = ""
	if err := w.jobs.UpdateRefreshJob(ctx, job); err != nil {
		slog.Error("failed to mark refresh job succeeded", "job_id", job.ID, "error", err)
		return
	}
	metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobSuccess)).Inc()
	slog.Info("credentials refreshed",
		"channel_id", job.ChannelID,
		"platform", next.Platform,
		"attempt", job.AttemptCount,
	)
}

// fail records the failure. Retryable failures under the attempt cap go
// back to pending after an exponential backoff; everything else is
// terminal.
func (w *Worker) fail(ctx context.Context, job *store.RefreshJob, reason string, retryable bool) {
	job.LastError = reason

	if retryable && job.AttemptCount < w.maxAttempts {
		job.Status = store.RefreshJobPending
		if err := w.jobs.UpdateRefreshJob(ctx, job); err != nil {
			slog.Error("failed to requeue refresh job", "job_id", job.ID, "error", err)
			return
		}
		metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobPending)).Inc()

		delay := w.backoffBase << (job.AttemptCount - 1)
		slog.Warn("refresh attempt failed, retrying",
			"channel_id", job.ChannelID,
			"attempt", job.AttemptCount,
			"retry_in", delay,
			"error", reason,
		)
		time.AfterFunc(delay, func() {
			// Done already released the dedupe slot by the time this fires,
			// but a sweep may have queued a fresh job for the channel in the
			// meantime. Close this row out rather than leave it pending.
			if !w.queue.Enqueue(job) {
				job.Status = store.RefreshJobFailed
				job.LastError = reason + " (retry superseded by a newer refresh)"
				if err := w.jobs.UpdateRefreshJob(context.Background(), job); err != nil {
					slog.Error("failed to close out superseded refresh job", "job_id", job.ID, "error", err)
					return
				}
				metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobFailed)).Inc()
				slog.Warn("refresh retry superseded", "job_id", job.ID, "channel_id", job.ChannelID)
			}
		})
		return
	}

	job.Status = store.RefreshJobFailed
	if err := w.jobs.UpdateRefreshJob(ctx, job); err != nil {
		slog.Error("failed to mark refresh job failed", "job_id", job.ID, "error", err)
		return
	}
	metrics.RefreshJobTransitions.WithLabelValues(string(store.RefreshJobFailed)).Inc()
	slog.Error("refresh failed permanently",
		"channel_id", job.ChannelID,
		"attempts", job.AttemptCount,
		"error", reason,
	)
}
