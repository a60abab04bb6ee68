package revision

import (
	"context"

	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

// WorkSummary is a work with its sources.
type WorkSummary struct {
	*models.Work
	Sources []*models.Source `json:"sources"`
}

// GetWork returns a work, its available derivative formats and its
// sources.
func (o *Orchestrator) GetWork(ctx context.Context, workID string) (*WorkSummary, error) {
	work, err := o.store.GetWork(ctx, workID)
	if err != nil {
		return nil, err
	}
	sources, err := o.store.ListSources(ctx, workID)
	if err != nil {
		return nil, err
	}
	return &WorkSummary{Work: work, Sources: sources}, nil
}

// GetSource returns a source of a work.
func (o *Orchestrator) GetSource(ctx context.Context, workID, sourceID string) (*models.Source, error) {
	return o.store.GetSource(ctx, workID, sourceID)
}

// GetRevision returns a revision, scoped to its work and source.
func (o *Orchestrator) GetRevision(ctx context.Context, workID, sourceID, revisionID string) (*models.SourceRevision, error) {
	rev, err := o.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if rev.WorkID != workID || rev.SourceID != sourceID {
		return nil, apperrors.NotFound("revision %s not found in source %s", revisionID, sourceID)
	}
	return rev, nil
}

// ListRevisions returns a source's revisions in sequence order. A
// non-empty branch restricts the listing to that branch.
func (o *Orchestrator) ListRevisions(ctx context.Context, workID, sourceID, branch string) ([]*models.SourceRevision, error) {
	if _, err := o.store.GetSource(ctx, workID, sourceID); err != nil {
		return nil, err
	}
	return o.store.ListRevisions(ctx, sourceID, branch)
}

// Derivative returns the stored bytes of one derivative slot with its
// locator. An empty slot is NOT_FOUND.
func (o *Orchestrator) Derivative(ctx context.Context, workID, sourceID, revisionID string, slot models.Slot) ([]byte, *models.StorageLocator, error) {
	rev, err := o.GetRevision(ctx, workID, sourceID, revisionID)
	if err != nil {
		return nil, nil, err
	}
	loc := rev.Derivatives.Get(slot)
	if loc.Empty() {
		return nil, nil, apperrors.NotFound("revision %d has no %s yet", rev.SequenceNumber, slot)
	}
	data, err := o.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return data, loc, nil
}

// Reprocess queues a pipeline job for a revision, e.g. to backfill
// slots added after it was committed. An already active job is
// returned unchanged.
func (o *Orchestrator) Reprocess(ctx context.Context, workID, sourceID, revisionID string) (*models.PipelineJob, error) {
	rev, err := o.GetRevision(ctx, workID, sourceID, revisionID)
	if err != nil {
		return nil, err
	}
	job, created, err := o.store.EnqueueJob(ctx, rev.ID, o.maxAttempts)
	if err != nil {
		return nil, err
	}
	if created {
		o.log.Info("revision queued for reprocessing", map[string]interface{}{"revision_id": rev.ID, "job_id": job.ID})
		if o.notifier != nil {
			o.notifier.Notify()
		}
	}
	return job, nil
}

// Backfill queues every revision of a work for reprocessing and returns
// the number of new jobs.
func (o *Orchestrator) Backfill(ctx context.Context, workID string) (int, error) {
	sources, err := o.store.ListSources(ctx, workID)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, src := range sources {
		revs, err := o.store.ListRevisions(ctx, src.ID, "")
		if err != nil {
			return queued, err
		}
		for _, rev := range revs {
			_, created, err := o.store.EnqueueJob(ctx, rev.ID, o.maxAttempts)
			if err != nil {
				return queued, err
			}
			if created {
				queued++
			}
		}
	}
	if queued > 0 && o.notifier != nil {
		o.notifier.Notify()
	}
	return queued, nil
}

// DeleteSource removes a source with its branches, revisions and jobs.
// Admin only. Approval records stay for audit; pending ones are rejected.
// Engine history and stored blobs are retained.
func (o *Orchestrator) DeleteSource(ctx context.Context, workID, sourceID string, actor models.Actor) error {
	if !actor.IsAdmin() {
		return apperrors.Forbidden("only admins may delete a source")
	}
	err := o.store.WithTx(ctx, func(q db.Queries) error {
		return q.DeleteSource(ctx, workID, sourceID)
	})
	if err != nil {
		return err
	}
	o.log.Info("source deleted", map[string]interface{}{"work_id": workID, "source_id": sourceID, "actor": actor.UserID})
	return nil
}
