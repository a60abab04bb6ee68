package db

import (
	"context"
	"database/sql"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

const approvalColumns = `id, work_id, source_id, branch, owner_user_id, submitted_by, status,
	filename, format, commit_message, payload, revision_id, sequence_number,
	decided_by, decided_at, reason, version, created_at`

func scanApproval(row scanner) (*models.ApprovalRecord, error) {
	var a models.ApprovalRecord
	var status string
	var payload sql.NullString
	var decidedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&a.ID, &a.WorkID, &a.SourceID, &a.Branch, &a.OwnerUserID, &a.SubmittedBy,
		&status, &a.Filename, &a.Format, &a.CommitMessage, &payload, &a.RevisionID,
		&a.SequenceNumber, &a.DecidedBy, &decidedAt, &a.Reason, &a.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.ApprovalStatus(status)
	if a.Payload, err = decodeLocator(payload); err != nil {
		return nil, err
	}
	a.DecidedAt = fromNullMillis(decidedAt)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// CreateApproval inserts a pending approval record.
func (q *queries) CreateApproval(ctx context.Context, a *models.ApprovalRecord) error {
	payload, err := encodeLocator(a.Payload)
	if err != nil {
		return err
	}
	if payload == nil {
		return apperrors.Validation("approval %s has no payload", a.ID)
	}
	a.Status = models.ApprovalPending
	a.Version = 1
	a.CreatedAt = q.now().UTC()
	_, err = q.exec(ctx, `
	INSERT INTO approval_records (id, work_id, source_id, branch, owner_user_id, submitted_by,
		status, filename, format, commit_message, payload, version, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 'pending_approval', ?, ?, ?, ?, 1, ?)`,
		a.ID, a.WorkID, a.SourceID, a.Branch, a.OwnerUserID, a.SubmittedBy,
		a.Filename, a.Format, a.CommitMessage, payload, millis(a.CreatedAt))
	return dbErr(err, "failed to create approval %s", a.ID)
}

// GetApproval retrieves an approval record.
func (q *queries) GetApproval(ctx context.Context, id string) (*models.ApprovalRecord, error) {
	a, err := scanApproval(q.queryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_records WHERE id = ?`, id))
	if err != nil {
		return nil, dbErr(err, "approval %s not found", id)
	}
	return a, nil
}

// ListPendingApprovals returns an owner's pending records, newest first.
func (q *queries) ListPendingApprovals(ctx context.Context, ownerUserID string, limit int) ([]*models.ApprovalRecord, error) {
	rows, err := q.query(ctx, `
	SELECT `+approvalColumns+` FROM approval_records
	WHERE owner_user_id = ? AND status = 'pending_approval'
	ORDER BY created_at DESC, id DESC LIMIT ?`, ownerUserID, limit)
	if err != nil {
		return nil, dbErr(err, "failed to list approvals for %s", ownerUserID)
	}
	defer rows.Close()

	records := []*models.ApprovalRecord{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan approval")
		}
		records = append(records, a)
	}
	return records, dbErr(rows.Err(), "failed to list approvals for %s", ownerUserID)
}

// rejectOrphaned closes the pending approvals aimed at a source, or at
// one branch of it when branch is set. The records stay for audit.
func (q *queries) rejectOrphaned(ctx context.Context, sourceID, branch, reason string) error {
	query := `
	UPDATE approval_records
	SET status = 'rejected', decided_at = ?, reason = ?, version = version + 1
	WHERE source_id = ? AND status = 'pending_approval'`
	args := []interface{}{millis(q.now()), reason, sourceID}
	if branch != "" {
		query += ` AND branch = ?`
		args = append(args, branch)
	}
	_, err := q.exec(ctx, query, args...)
	return dbErr(err, "failed to close approvals of source %s", sourceID)
}

// DecideApproval moves a pending record to a terminal status. The update
// only applies while the record is still pending at expectedVersion.
func (q *queries) DecideApproval(ctx context.Context, a *models.ApprovalRecord, expectedVersion int) error {
	if !a.Status.Terminal() {
		return apperrors.Validation("approval can only move to a terminal status, got %s", a.Status)
	}
	now := q.now().UTC()
	res, err := q.exec(ctx, `
	UPDATE approval_records
	SET status = ?, decided_by = ?, decided_at = ?, reason = ?, revision_id = ?,
		sequence_number = ?, version = version + 1
	WHERE id = ? AND version = ? AND status = 'pending_approval'`,
		string(a.Status), a.DecidedBy, millis(now), a.Reason, a.RevisionID,
		a.SequenceNumber, a.ID, expectedVersion)
	if err != nil {
		return dbErr(err, "failed to decide approval %s", a.ID)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return dbErr(err, "failed to decide approval %s", a.ID)
	}
	if !ok {
		return apperrors.Conflict("approval %s is no longer pending", a.ID)
	}
	a.Version = expectedVersion + 1
	a.DecidedAt = &now
	return nil
}
