package models

import "time"

// JobStatus is the lifecycle state of a pipeline job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// PipelineJob is a claimable unit of derivative generation for one revision.
type PipelineJob struct {
	ID             string     `db:"id" json:"id"`
	RevisionID     string     `db:"revision_id" json:"revisionId"`
	Status         JobStatus  `db:"status" json:"status"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"maxAttempts"`
	LeaseOwner     string     `db:"lease_owner" json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"leaseExpiresAt,omitempty"`
	NextRunAt      time.Time  `db:"next_run_at" json:"nextRunAt"`
	LastError      string     `db:"last_error" json:"lastError,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for PipelineJob.
func (PipelineJob) TableName() string {
	return "pipeline_jobs"
}
