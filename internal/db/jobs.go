package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/uuid"
)

const jobColumns = `id, revision_id, status, attempts, max_attempts, lease_owner,
	lease_expires_at, next_run_at, last_error, created_at, updated_at`

// claimable matches queued jobs that are due and running jobs whose lease
// has expired.
const claimable = `((status = 'queued' AND next_run_at <= ?) OR (status = 'running' AND lease_expires_at < ?))`

func scanJob(row scanner) (*models.PipelineJob, error) {
	var j models.PipelineJob
	var status string
	var lease sql.NullInt64
	var nextRun, createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.RevisionID, &status, &j.Attempts, &j.MaxAttempts, &j.LeaseOwner,
		&lease, &nextRun, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.LeaseExpiresAt = fromNullMillis(lease)
	j.NextRunAt = fromMillis(nextRun)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

// EnqueueJob queues a pipeline job for a revision. When an active job
// already exists it is returned with created false.
func (q *queries) EnqueueJob(ctx context.Context, revisionID string, maxAttempts int) (*models.PipelineJob, bool, error) {
	now := millis(q.now())
	id := uuid.NewOrdered()
	res, err := q.exec(ctx, `
	INSERT INTO pipeline_jobs (id, revision_id, status, attempts, max_attempts, next_run_at,
		created_at, updated_at)
	VALUES (?, ?, 'queued', 0, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`, id, revisionID, maxAttempts, now, now, now)
	if err != nil {
		return nil, false, dbErr(err, "failed to enqueue job for revision %s", revisionID)
	}
	created, err := affectedOne(res)
	if err != nil {
		return nil, false, dbErr(err, "failed to enqueue job for revision %s", revisionID)
	}
	if created {
		job, err := q.GetJob(ctx, id)
		return job, true, err
	}
	job, err := scanJob(q.queryRow(ctx, `
	SELECT `+jobColumns+` FROM pipeline_jobs
	WHERE revision_id = ? AND status IN ('queued', 'running')`, revisionID))
	if err != nil {
		return nil, false, dbErr(err, "active job for revision %s not found", revisionID)
	}
	return job, false, nil
}

// GetJob retrieves a pipeline job.
func (q *queries) GetJob(ctx context.Context, id string) (*models.PipelineJob, error) {
	j, err := scanJob(q.queryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, dbErr(err, "job %s not found", id)
	}
	return j, nil
}

// ListJobs returns every job of a revision, oldest first.
func (q *queries) ListJobs(ctx context.Context, revisionID string) ([]*models.PipelineJob, error) {
	rows, err := q.query(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE revision_id = ? ORDER BY created_at, id`, revisionID)
	if err != nil {
		return nil, dbErr(err, "failed to list jobs of revision %s", revisionID)
	}
	defer rows.Close()

	var jobs []*models.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, dbErr(rows.Err(), "failed to list jobs of revision %s", revisionID)
}

// ClaimJob leases the next claimable job to owner for lease. It returns
// nil when nothing is claimable. The claim is a conditional update, so
// two workers never hold the same job.
func (q *queries) ClaimJob(ctx context.Context, owner string, lease time.Duration) (*models.PipelineJob, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := q.now()
		nowMs := millis(now)

		var id string
		err := q.queryRow(ctx, `
		SELECT id FROM pipeline_jobs WHERE `+claimable+`
		ORDER BY next_run_at, created_at, id LIMIT 1`, nowMs, nowMs).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, dbErr(err, "failed to find claimable job")
		}

		res, err := q.exec(ctx, `
		UPDATE pipeline_jobs
		SET status = 'running', lease_owner = ?, lease_expires_at = ?,
			attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND `+claimable,
			owner, millis(now.Add(lease)), nowMs, id, nowMs, nowMs)
		if err != nil {
			return nil, dbErr(err, "failed to claim job %s", id)
		}
		if ok, err := affectedOne(res); err != nil {
			return nil, dbErr(err, "failed to claim job %s", id)
		} else if ok {
			return q.GetJob(ctx, id)
		}
	}
	return nil, nil
}

// ExtendLease pushes the lease of a running job forward.
func (q *queries) ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error {
	now := q.now()
	return q.finishJob(ctx, id, owner, `
	UPDATE pipeline_jobs SET lease_expires_at = ?, updated_at = ?
	WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		millis(now.Add(lease)), millis(now), id, owner)
}

// CompleteJob marks a leased job succeeded.
func (q *queries) CompleteJob(ctx context.Context, id, owner string) error {
	return q.finishJob(ctx, id, owner, `
	UPDATE pipeline_jobs
	SET status = 'succeeded', lease_owner = '', lease_expires_at = NULL, last_error = '', updated_at = ?
	WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		millis(q.now()), id, owner)
}

// RetryJob returns a leased job to the queue, due at nextRunAt.
func (q *queries) RetryJob(ctx context.Context, id, owner, lastError string, nextRunAt time.Time) error {
	return q.finishJob(ctx, id, owner, `
	UPDATE pipeline_jobs
	SET status = 'queued', lease_owner = '', lease_expires_at = NULL, last_error = ?,
		next_run_at = ?, updated_at = ?
	WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		lastError, millis(nextRunAt), millis(q.now()), id, owner)
}

// FailJob marks a leased job permanently failed.
func (q *queries) FailJob(ctx context.Context, id, owner, lastError string) error {
	return q.finishJob(ctx, id, owner, `
	UPDATE pipeline_jobs
	SET status = 'failed', lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
	WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		lastError, millis(q.now()), id, owner)
}

// finishJob runs a lease-guarded update. A lost lease is a CONFLICT.
func (q *queries) finishJob(ctx context.Context, id, owner, query string, args ...interface{}) error {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return dbErr(err, "failed to update job %s", id)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return dbErr(err, "failed to update job %s", id)
	}
	if !ok {
		return apperrors.Conflict("job %s is no longer leased by %s", id, owner)
	}
	return nil
}
