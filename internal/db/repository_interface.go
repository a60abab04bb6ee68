// Package db provides repository interfaces for scorecore data models.
package db

import (
	"context"
	"time"

	"github.com/ourtextscores/scorecore/internal/models"
)

// WorkRepository defines operations for work persistence.
type WorkRepository interface {
	EnsureWork(ctx context.Context, id, title string) error
	GetWork(ctx context.Context, id string) (*models.Work, error)
}

// SourceRepository defines operations for source persistence, including
// the per-source sequence counter.
type SourceRepository interface {
	CreateSource(ctx context.Context, s *models.Source) error
	GetSource(ctx context.Context, workID, sourceID string) (*models.Source, error)
	ListSources(ctx context.Context, workID string) ([]*models.Source, error)
	DeleteSource(ctx context.Context, workID, sourceID string) error
	AllocateSequence(ctx context.Context, sourceID string) (int64, error)
	SetLatestRevision(ctx context.Context, sourceID, revisionID string) error
}

// BranchRepository defines operations for branch persistence.
type BranchRepository interface {
	CreateBranch(ctx context.Context, b *models.Branch) error
	GetBranch(ctx context.Context, sourceID, name string) (*models.Branch, error)
	ListBranches(ctx context.Context, sourceID string) ([]*models.Branch, error)
	UpdateBranch(ctx context.Context, b *models.Branch, expectedVersion int) error
	DeleteBranch(ctx context.Context, sourceID, name string) error
}

// RevisionRepository defines operations for revision persistence.
type RevisionRepository interface {
	InsertRevision(ctx context.Context, r *models.SourceRevision) error
	GetRevision(ctx context.Context, id string) (*models.SourceRevision, error)
	GetRevisionBySequence(ctx context.Context, sourceID string, seq int64) (*models.SourceRevision, error)
	ListRevisions(ctx context.Context, sourceID, branch string) ([]*models.SourceRevision, error)
	BranchHead(ctx context.Context, sourceID, branch string) (*models.SourceRevision, error)
	PreviousOnBranch(ctx context.Context, sourceID, branch string, seq int64) (*models.SourceRevision, error)
	NextOnBranch(ctx context.Context, sourceID, branch string, seq int64) (*models.SourceRevision, error)
	CountRevisionsOnBranch(ctx context.Context, sourceID, branch string) (int, error)
	FillDerivative(ctx context.Context, revisionID string, slot models.Slot, loc *models.StorageLocator) (bool, error)
	SetValidation(ctx context.Context, revisionID string, v models.Validation) error
}

// ApprovalRepository defines operations for approval record persistence.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRecord) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRecord, error)
	ListPendingApprovals(ctx context.Context, ownerUserID string, limit int) ([]*models.ApprovalRecord, error)
	DecideApproval(ctx context.Context, a *models.ApprovalRecord, expectedVersion int) error
}

// JobRepository defines operations for pipeline job persistence.
type JobRepository interface {
	EnqueueJob(ctx context.Context, revisionID string, maxAttempts int) (*models.PipelineJob, bool, error)
	GetJob(ctx context.Context, id string) (*models.PipelineJob, error)
	ListJobs(ctx context.Context, revisionID string) ([]*models.PipelineJob, error)
	ClaimJob(ctx context.Context, owner string, lease time.Duration) (*models.PipelineJob, error)
	ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error
	CompleteJob(ctx context.Context, id, owner string) error
	RetryJob(ctx context.Context, id, owner, lastError string, nextRunAt time.Time) error
	FailJob(ctx context.Context, id, owner, lastError string) error
}

// Queries groups every persistence operation. Both *Repository and *Tx
// implement it.
type Queries interface {
	WorkRepository
	SourceRepository
	BranchRepository
	RevisionRepository
	ApprovalRepository
	JobRepository
}

// Store is a Queries that can also open a transaction.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Ensure the concrete types implement the interfaces at compile time.
var (
	_ Store   = (*Repository)(nil)
	_ Queries = (*Tx)(nil)
)
