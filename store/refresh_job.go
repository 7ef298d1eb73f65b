package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// RefreshJobStatus is the state of a queued credential refresh.
type RefreshJobStatus string

const (
	RefreshJobPending    RefreshJobStatus = "pending"
	RefreshJobInProgress RefreshJobStatus = "in_progress"
	RefreshJobSuccess    RefreshJobStatus = "success"
	RefreshJobFailed     RefreshJobStatus = "failed"
	RefreshJobSkipped    RefreshJobStatus = "skipped"
)

// ErrRefreshJobNotFound is returned when no job matches the given ID.
var ErrRefreshJobNotFound = errors.New("refresh job not found")

// RefreshJob is one unit of queued credential-refresh work. Snapshot
// holds the channel data captured at enqueue time.
type RefreshJob struct {
	ID            string
	ChannelID     string
	TenantID      string
	Status        RefreshJobStatus
	CreatedTs     int64
	LastAttemptTs int64
	AttemptCount  int
	LastError     string
	Snapshot      []byte
}

const refreshJobColumns = "id, channel_id, tenant_id, status, created_ts, last_attempt_ts, attempt_count, last_error, snapshot"

// CreateRefreshJob persists a new refresh job record.
func (s *Store) CreateRefreshJob(ctx context.Context, job *RefreshJob) error {
	query := `
		INSERT INTO refresh_job
		(` + refreshJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if job.CreatedTs == 0 {
		job.CreatedTs = time.Now().Unix()
	}
	_, err := s.driver.GetDB().ExecContext(ctx, query,
		job.ID,
		job.ChannelID,
		job.TenantID,
		string(job.Status),
		job.CreatedTs,
		job.LastAttemptTs,
		job.AttemptCount,
		job.LastError,
		job.Snapshot,
	)
	return errors.Wrap(err, "failed to create refresh job")
}

// UpdateRefreshJob persists a job state transition. attempt_count is
// written as-is; callers keep it monotonically non-decreasing.
func (s *Store) UpdateRefreshJob(ctx context.Context, job *RefreshJob) error {
	query := `
		UPDATE refresh_job
		SET status = $2, last_attempt_ts = $3, attempt_count = $4, last_error = $5
		WHERE id = $1
	`
	result, err := s.driver.GetDB().ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.LastAttemptTs,
		job.AttemptCount,
		job.LastError,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update refresh job")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRefreshJobNotFound
	}
	return nil
}

// GetRefreshJob retrieves a refresh job by ID.
func (s *Store) GetRefreshJob(ctx context.Context, id string) (*RefreshJob, error) {
	query := `SELECT ` + refreshJobColumns + ` FROM refresh_job WHERE id = $1`
	row := s.driver.GetDB().QueryRowContext(ctx, query, id)

	var job RefreshJob
	var status string
	if err := row.Scan(
		&job.ID,
		&job.ChannelID,
		&job.TenantID,
		&status,
		&job.CreatedTs,
		&job.LastAttemptTs,
		&job.AttemptCount,
		&job.LastError,
		&job.Snapshot,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshJobNotFound
		}
		return nil, errors.Wrap(err, "failed to get refresh job")
	}
	job.Status = RefreshJobStatus(status)
	return &job, nil
}

// ListRefreshJobsByTenant lists refresh jobs for a tenant, newest first.
func (s *Store) ListRefreshJobsByTenant(ctx context.Context, tenantID string, limit int) ([]*RefreshJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + refreshJobColumns + `
		FROM refresh_job
		WHERE tenant_id = $1
		ORDER BY created_ts DESC
		LIMIT $2
	`
	rows, err := s.driver.GetDB().QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list refresh jobs")
	}
	defer rows.Close()

	var jobs []*RefreshJob
	for rows.Next() {
		var job RefreshJob
		var status string
		if err := rows.Scan(
			&job.ID,
			&job.ChannelID,
			&job.TenantID,
			&status,
			&job.CreatedTs,
			&job.LastAttemptTs,
			&job.AttemptCount,
			&job.LastError,
			&job.Snapshot,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan refresh job")
		}
		job.Status = RefreshJobStatus(status)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rows")
	}
	return jobs, nil
}
