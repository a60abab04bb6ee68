package db

import (
	"context"
	"fmt"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

const branchColumns = `work_id, source_id, name, policy, owner_user_id, base_revision_id,
	version, created_by, created_at, updated_at`

func scanBranch(row scanner) (*models.Branch, error) {
	var b models.Branch
	var policy string
	var createdAt, updatedAt int64
	err := row.Scan(&b.WorkID, &b.SourceID, &b.Name, &policy, &b.OwnerUserID,
		&b.BaseRevisionID, &b.Version, &b.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if b.Policy, err = models.ParsePolicy(policy); err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

// CreateBranch inserts a branch record. A duplicate name is a CONFLICT.
func (q *queries) CreateBranch(ctx context.Context, b *models.Branch) error {
	now := q.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	b.Version = 1
	_, err := q.exec(ctx, `
	INSERT INTO branches (work_id, source_id, name, policy, owner_user_id, base_revision_id,
		version, created_by, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		b.WorkID, b.SourceID, b.Name, b.Policy.String(), b.OwnerUserID, b.BaseRevisionID,
		b.CreatedBy, millis(now), millis(now))
	if isUniqueViolation(err) {
		return apperrors.Conflict("branch %q already exists", b.Name)
	}
	return dbErr(err, "failed to create branch %s", b.Name)
}

// GetBranch retrieves a declared branch.
func (q *queries) GetBranch(ctx context.Context, sourceID, name string) (*models.Branch, error) {
	b, err := scanBranch(q.queryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE source_id = ? AND name = ?`, sourceID, name))
	if err != nil {
		return nil, dbErr(err, "branch %q not found", name)
	}
	return b, nil
}

// ListBranches returns declared branches in creation order.
func (q *queries) ListBranches(ctx context.Context, sourceID string) ([]*models.Branch, error) {
	rows, err := q.query(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE source_id = ? ORDER BY created_at, rowid`, sourceID)
	if err != nil {
		return nil, dbErr(err, "failed to list branches of source %s", sourceID)
	}
	defer rows.Close()

	var branches []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan branch")
		}
		branches = append(branches, b)
	}
	return branches, dbErr(rows.Err(), "failed to list branches of source %s", sourceID)
}

// UpdateBranch writes policy and owner if the stored version still equals
// expectedVersion. The losing writer gets a retryable CONFLICT.
func (q *queries) UpdateBranch(ctx context.Context, b *models.Branch, expectedVersion int) error {
	now := q.now().UTC()
	res, err := q.exec(ctx, `
	UPDATE branches SET policy = ?, owner_user_id = ?, version = version + 1, updated_at = ?
	WHERE source_id = ? AND name = ? AND version = ?`,
		b.Policy.String(), b.OwnerUserID, millis(now), b.SourceID, b.Name, expectedVersion)
	if err != nil {
		return dbErr(err, "failed to update branch %s", b.Name)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return dbErr(err, "failed to update branch %s", b.Name)
	}
	if !ok {
		return apperrors.Conflict("branch %q was modified concurrently", b.Name)
	}
	b.Version = expectedVersion + 1
	b.UpdatedAt = now
	return nil
}

// DeleteBranch removes a branch record and rejects the approvals still
// pending on it.
func (q *queries) DeleteBranch(ctx context.Context, sourceID, name string) error {
	res, err := q.exec(ctx, `DELETE FROM branches WHERE source_id = ? AND name = ?`, sourceID, name)
	if err != nil {
		return dbErr(err, "failed to delete branch %s", name)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return dbErr(err, "failed to delete branch %s", name)
	}
	if !ok {
		return apperrors.NotFound("branch %q not found", name)
	}
	return q.rejectOrphaned(ctx, sourceID, name, fmt.Sprintf("branch %s was deleted", name))
}
