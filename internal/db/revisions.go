package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

// derivativeColumns lists the slot columns in models.AllSlots order.
const derivativeColumns = `deriv_canonical_xml, deriv_linearized, deriv_normalized_archive,
	deriv_pdf, deriv_thumbnail, deriv_diff_report, deriv_diff_pdf`

const revisionColumns = `id, work_id, source_id, sequence_number, branch, artifact_id,
	parent_revision_id, filename, format, raw, validation_status, validation_issues,
	commit_actor, commit_message, committed_at, approval_id, ` + derivativeColumns

func scanDerivatives(row scanner, set *models.DerivativeSet) error {
	cols := make([]sql.NullString, len(models.AllSlots))
	dest := make([]interface{}, len(cols))
	for i := range cols {
		dest[i] = &cols[i]
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	return fillDerivatives(set, cols)
}

func fillDerivatives(set *models.DerivativeSet, cols []sql.NullString) error {
	for i, slot := range models.AllSlots {
		loc, err := decodeLocator(cols[i])
		if err != nil {
			return err
		}
		if loc != nil {
			if err := set.Set(slot, loc); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanRevision(row scanner) (*models.SourceRevision, error) {
	var r models.SourceRevision
	var raw sql.NullString
	var status, issues string
	var committedAt int64
	derivs := make([]sql.NullString, len(models.AllSlots))

	dest := []interface{}{
		&r.ID, &r.WorkID, &r.SourceID, &r.SequenceNumber, &r.Branch, &r.ArtifactID,
		&r.ParentRevisionID, &r.Filename, &r.Format, &raw, &status, &issues,
		&r.Commit.Actor, &r.Commit.Message, &committedAt, &r.ApprovalID,
	}
	for i := range derivs {
		dest = append(dest, &derivs[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	loc, err := decodeLocator(raw)
	if err != nil {
		return nil, err
	}
	r.Raw = loc
	r.Validation.Status = models.ValidationStatus(status)
	if err := json.Unmarshal([]byte(issues), &r.Validation.Issues); err != nil {
		return nil, fmt.Errorf("failed to decode validation issues: %w", err)
	}
	if r.Validation.Issues == nil {
		r.Validation.Issues = []models.Issue{}
	}
	r.Commit.Timestamp = fromMillis(committedAt)
	if err := fillDerivatives(&r.Derivatives, derivs); err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRevision persists a newly committed revision with pending
// validation and no derivatives.
func (q *queries) InsertRevision(ctx context.Context, r *models.SourceRevision) error {
	raw, err := encodeLocator(r.Raw)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.Validation("revision %s has no raw payload", r.ID)
	}
	r.Validation = models.Validation{Status: models.ValidationPending, Issues: []models.Issue{}}
	r.Derivatives = models.DerivativeSet{}

	_, err = q.exec(ctx, `
	INSERT INTO source_revisions (id, work_id, source_id, sequence_number, branch, artifact_id,
		parent_revision_id, filename, format, raw, validation_status, validation_issues,
		commit_actor, commit_message, committed_at, approval_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', '[]', ?, ?, ?, ?)`,
		r.ID, r.WorkID, r.SourceID, r.SequenceNumber, r.Branch, r.ArtifactID,
		r.ParentRevisionID, r.Filename, r.Format, raw,
		r.Commit.Actor, r.Commit.Message, millis(r.Commit.Timestamp), r.ApprovalID)
	if isUniqueViolation(err) {
		return apperrors.Conflict("sequence %d already used in source %s", r.SequenceNumber, r.SourceID)
	}
	return dbErr(err, "failed to insert revision %s", r.ID)
}

// GetRevision retrieves a revision by ID.
func (q *queries) GetRevision(ctx context.Context, id string) (*models.SourceRevision, error) {
	r, err := scanRevision(q.queryRow(ctx,
		`SELECT `+revisionColumns+` FROM source_revisions WHERE id = ?`, id))
	if err != nil {
		return nil, dbErr(err, "revision %s not found", id)
	}
	return r, nil
}

// GetRevisionBySequence retrieves the revision with a sequence number.
func (q *queries) GetRevisionBySequence(ctx context.Context, sourceID string, seq int64) (*models.SourceRevision, error) {
	r, err := scanRevision(q.queryRow(ctx,
		`SELECT `+revisionColumns+` FROM source_revisions WHERE source_id = ? AND sequence_number = ?`,
		sourceID, seq))
	if err != nil {
		return nil, dbErr(err, "revision %d not found in source %s", seq, sourceID)
	}
	return r, nil
}

// ListRevisions returns a source's revisions in sequence order, optionally
// restricted to one branch.
func (q *queries) ListRevisions(ctx context.Context, sourceID, branch string) ([]*models.SourceRevision, error) {
	query := `SELECT ` + revisionColumns + ` FROM source_revisions WHERE source_id = ?`
	args := []interface{}{sourceID}
	if branch != "" {
		query += ` AND branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY sequence_number`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "failed to list revisions of source %s", sourceID)
	}
	defer rows.Close()

	revisions := []*models.SourceRevision{}
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan revision")
		}
		revisions = append(revisions, r)
	}
	return revisions, dbErr(rows.Err(), "failed to list revisions of source %s", sourceID)
}

// BranchHead returns the highest-sequence revision on a branch.
func (q *queries) BranchHead(ctx context.Context, sourceID, branch string) (*models.SourceRevision, error) {
	r, err := scanRevision(q.queryRow(ctx, `
	SELECT `+revisionColumns+` FROM source_revisions
	WHERE source_id = ? AND branch = ?
	ORDER BY sequence_number DESC LIMIT 1`, sourceID, branch))
	if err != nil {
		return nil, dbErr(err, "branch %s of source %s has no revisions", branch, sourceID)
	}
	return r, nil
}

// PreviousOnBranch returns the revision preceding seq on the same branch.
func (q *queries) PreviousOnBranch(ctx context.Context, sourceID, branch string, seq int64) (*models.SourceRevision, error) {
	r, err := scanRevision(q.queryRow(ctx, `
	SELECT `+revisionColumns+` FROM source_revisions
	WHERE source_id = ? AND branch = ? AND sequence_number < ?
	ORDER BY sequence_number DESC LIMIT 1`, sourceID, branch, seq))
	if err != nil {
		return nil, dbErr(err, "no revision before %d on branch %s", seq, branch)
	}
	return r, nil
}

// NextOnBranch returns the revision following seq on the same branch.
func (q *queries) NextOnBranch(ctx context.Context, sourceID, branch string, seq int64) (*models.SourceRevision, error) {
	r, err := scanRevision(q.queryRow(ctx, `
	SELECT `+revisionColumns+` FROM source_revisions
	WHERE source_id = ? AND branch = ? AND sequence_number > ?
	ORDER BY sequence_number LIMIT 1`, sourceID, branch, seq))
	if err != nil {
		return nil, dbErr(err, "no revision after %d on branch %s", seq, branch)
	}
	return r, nil
}

// CountRevisionsOnBranch counts committed revisions on a branch.
func (q *queries) CountRevisionsOnBranch(ctx context.Context, sourceID, branch string) (int, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM source_revisions WHERE source_id = ? AND branch = ?`,
		sourceID, branch).Scan(&n)
	return n, dbErr(err, "failed to count revisions on branch %s", branch)
}

// FillDerivative records loc in an empty slot. It reports false without
// error when the slot was already populated.
func (q *queries) FillDerivative(ctx context.Context, revisionID string, slot models.Slot, loc *models.StorageLocator) (bool, error) {
	enc, err := encodeLocator(loc)
	if err != nil {
		return false, err
	}
	if enc == nil {
		return false, apperrors.Validation("empty locator for slot %s", slot)
	}
	col := slot.Column()
	res, err := q.exec(ctx,
		`UPDATE source_revisions SET `+col+` = ? WHERE id = ? AND `+col+` IS NULL`,
		enc, revisionID)
	if err != nil {
		return false, dbErr(err, "failed to record %s for revision %s", slot, revisionID)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return false, dbErr(err, "failed to record %s for revision %s", slot, revisionID)
	}
	return ok, nil
}

// SetValidation records the pipeline outcome of a revision.
func (q *queries) SetValidation(ctx context.Context, revisionID string, v models.Validation) error {
	issues := v.Issues
	if issues == nil {
		issues = []models.Issue{}
	}
	data, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to encode validation issues: %w", err)
	}
	res, err := q.exec(ctx,
		`UPDATE source_revisions SET validation_status = ?, validation_issues = ? WHERE id = ?`,
		string(v.Status), string(data), revisionID)
	if err != nil {
		return dbErr(err, "failed to record validation of revision %s", revisionID)
	}
	if ok, _ := affectedOne(res); !ok {
		return apperrors.NotFound("revision %s not found", revisionID)
	}
	return nil
}
