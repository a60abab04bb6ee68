// Package approval implements the owner inbox for uploads to
// owner_approval branches. Approving commits the stored candidate
// through the regular commit path; rejecting leaves the engine and the
// sequence counter untouched.
package approval

import (
	"context"

	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/events"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/revision"
	"github.com/ourtextscores/scorecore/internal/storage"
)

const (
	DefaultInboxLimit = 50
	MaxInboxLimit     = 200
)

// InboxItem is a pending record with a summary of its candidate.
type InboxItem struct {
	*models.ApprovalRecord
	SourceLabel string `json:"sourceLabel"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Queue decides approval records.
type Queue struct {
	store   db.Store
	blobs   storage.Gateway
	commits *revision.Orchestrator
	events  events.Publisher
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewQueue wires the approval queue. pub and m may be nil.
func NewQueue(store db.Store, blobs storage.Gateway, commits *revision.Orchestrator, pub events.Publisher, m *metrics.Metrics) *Queue {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Queue{
		store:   store,
		blobs:   blobs,
		commits: commits,
		events:  pub,
		metrics: m,
		log:     logging.Get().With("approval"),
	}
}

// Inbox lists the pending records owned by ownerUserID, newest first.
// limit defaults to DefaultInboxLimit and may not exceed MaxInboxLimit.
func (q *Queue) Inbox(ctx context.Context, ownerUserID string, limit int) ([]InboxItem, error) {
	if ownerUserID == "" {
		return nil, apperrors.Forbidden("the inbox requires an authenticated user")
	}
	switch {
	case limit == 0:
		limit = DefaultInboxLimit
	case limit < 0 || limit > MaxInboxLimit:
		return nil, apperrors.Validation("limit must be between 1 and %d", MaxInboxLimit)
	}

	records, err := q.store.ListPendingApprovals(ctx, ownerUserID, limit)
	if err != nil {
		return nil, err
	}
	// Deleting a source rejects its pending records; a nil label marks a
	// source that vanished without that.
	labels := map[string]*string{}
	items := make([]InboxItem, 0, len(records))
	for _, rec := range records {
		label, ok := labels[rec.SourceID]
		if !ok {
			src, err := q.store.GetSource(ctx, rec.WorkID, rec.SourceID)
			switch {
			case err == nil:
				label = &src.Label
			case !apperrors.Is(err, apperrors.ErrNotFound):
				return nil, err
			}
			labels[rec.SourceID] = label
		}
		if label == nil {
			continue
		}
		item := InboxItem{ApprovalRecord: rec, SourceLabel: *label}
		if rec.Payload != nil {
			item.SizeBytes = rec.Payload.SizeBytes
		}
		items = append(items, item)
	}
	return items, nil
}

// Get returns an approval record. Only the submitter, the owner and
// admins may read it.
func (q *Queue) Get(ctx context.Context, id string, actor models.Actor) (*models.ApprovalRecord, error) {
	rec, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.CanDecide(actor) && (actor.UserID == "" || actor.UserID != rec.SubmittedBy) {
		return nil, apperrors.Forbidden("approval %s is not visible to this user", id)
	}
	return rec, nil
}

// Approve commits the candidate and marks the record committed in the
// same transaction. A record decided concurrently yields CONFLICT and
// nothing is committed.
func (q *Queue) Approve(ctx context.Context, id string, actor models.Actor) (*models.ApprovalRecord, error) {
	rec, err := q.decidable(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	src, err := q.store.GetSource(ctx, rec.WorkID, rec.SourceID)
	if err != nil {
		return nil, err
	}
	data, err := q.blobs.Get(ctx, rec.Payload.Bucket, rec.Payload.ObjectKey)
	if err != nil {
		return nil, err
	}

	expected := rec.Version
	cand := revision.Candidate{
		Filename:   rec.Filename,
		Format:     rec.Format,
		Data:       data,
		Raw:        rec.Payload,
		Message:    rec.CommitMessage,
		Author:     rec.SubmittedBy,
		ApprovalID: rec.ID,
	}
	_, err = q.commits.CommitCandidate(ctx, src, rec.Branch, cand, func(tx db.Queries, rev *models.SourceRevision) error {
		rec.Status = models.ApprovalCommitted
		rec.DecidedBy = actor.UserID
		rec.RevisionID = rev.ID
		rec.SequenceNumber = rev.SequenceNumber
		return tx.DecideApproval(ctx, rec, expected)
	})
	if err != nil {
		return nil, err
	}

	q.decided(rec, "approved")
	return rec, nil
}

// Reject closes the record without committing. The record is retained.
func (q *Queue) Reject(ctx context.Context, id string, actor models.Actor, reason string) (*models.ApprovalRecord, error) {
	rec, err := q.decidable(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	expected := rec.Version
	rec.Status = models.ApprovalRejected
	rec.DecidedBy = actor.UserID
	rec.Reason = reason
	if err := q.store.DecideApproval(ctx, rec, expected); err != nil {
		return nil, err
	}
	q.decided(rec, "rejected")
	return rec, nil
}

func (q *Queue) decidable(ctx context.Context, id string, actor models.Actor) (*models.ApprovalRecord, error) {
	rec, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.CanDecide(actor) {
		return nil, apperrors.Forbidden("only the branch owner or an admin may decide approval %s", id)
	}
	if rec.Status.Terminal() {
		return nil, apperrors.Conflict("approval %s is already %s", id, rec.Status)
	}
	return rec, nil
}

func (q *Queue) decided(rec *models.ApprovalRecord, decision string) {
	q.metrics.Approval(decision)
	q.log.Info("approval decided", map[string]interface{}{
		"approval_id": rec.ID, "decision": decision, "decided_by": rec.DecidedBy, "revision_id": rec.RevisionID,
	})
	q.events.Publish(events.EventApprovalDecided, map[string]interface{}{
		"work_id": rec.WorkID, "source_id": rec.SourceID, "approval_id": rec.ID,
		"status": string(rec.Status), "revision_id": rec.RevisionID, "sequence_number": rec.SequenceNumber,
	})
}
