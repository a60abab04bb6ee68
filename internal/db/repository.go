// Package db provides the persistence layer for works, sources, branches,
// revisions, approval records and pipeline jobs.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// queries implements every persistence operation against a dbtx. The
// Repository runs them on the pool with a prepared statement cache; a Tx
// runs them on its transaction without one.
type queries struct {
	db    dbtx
	cache *sync.Map // map[string]*sql.Stmt, nil inside a transaction
	now   func() time.Time
}

// Repository provides persistence operations for all models.
type Repository struct {
	queries
	sqlDB *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map
}

// Tx runs persistence operations inside one database transaction.
type Tx struct {
	queries
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	r := &Repository{sqlDB: db}
	r.queries = queries{db: db, cache: &r.stmtCache, now: time.Now}
	return r
}

// SetClock replaces the time source. Tests use it to control lease expiry.
func (r *Repository) SetClock(now func() time.Time) {
	r.queries.now = now
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	return r.queries.prepare(ctx, query)
}

func (q *queries) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := q.cache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := q.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, close our duplicate.
	actual, loaded := q.cache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Everything fn does must go through
// the Queries it receives: the pool has a single connection.
func (r *Repository) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := r.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&Tx{queries: queries{db: tx, now: r.queries.now}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err, "failed to commit transaction")
	}
	return nil
}

// ErrContention marks a write that lost to a concurrent writer. Errors
// carrying it are CONFLICT and the whole transaction may be retried.
var ErrContention = errors.New("concurrent writer")

// IsContention reports whether err was caused by a concurrent writer: a
// missed conditional sequence update or a busy database.
func IsContention(err error) bool {
	return errors.Is(err, ErrContention) || isBusy(err)
}

func (q *queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if q.cache != nil {
		stmt, err := q.prepare(ctx, query)
		if err != nil {
			return nil, err
		}
		return stmt.ExecContext(ctx, args...)
	}
	return q.db.ExecContext(ctx, query, args...)
}

func (q *queries) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if q.cache != nil {
		stmt, err := q.prepare(ctx, query)
		if err != nil {
			return nil, err
		}
		return stmt.QueryContext(ctx, args...)
	}
	return q.db.QueryContext(ctx, query, args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if q.cache != nil {
		if stmt, err := q.prepare(ctx, query); err == nil {
			return stmt.QueryRowContext(ctx, args...)
		}
	}
	return q.db.QueryRowContext(ctx, query, args...)
}

// =====================================================
// Helpers
// =====================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeLocator(loc *models.StorageLocator) (interface{}, error) {
	if loc.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode locator: %w", err)
	}
	return string(data), nil
}

func decodeLocator(v sql.NullString) (*models.StorageLocator, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var loc models.StorageLocator
	if err := json.Unmarshal([]byte(v.String), &loc); err != nil {
		return nil, fmt.Errorf("failed to decode locator: %w", err)
	}
	return &loc, nil
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// isBusy reports SQLITE_BUSY or SQLITE_LOCKED, including their extended
// codes such as BUSY_SNAPSHOT.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// dbErr translates sql.ErrNoRows to NOT_FOUND, a busy database to a
// retryable CONFLICT and wraps everything else as a database error.
func dbErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(format, args...)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if isBusy(err) {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf(format, args...), err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf(format, args...), err)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =====================================================
// Work Operations
// =====================================================

// EnsureWork creates the work if it does not exist yet.
func (q *queries) EnsureWork(ctx context.Context, id, title string) error {
	now := millis(q.now())
	_, err := q.exec(ctx, `
	INSERT INTO works (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`, id, title, now, now)
	return dbErr(err, "failed to ensure work %s", id)
}

// GetWork returns a work with its source count and available formats.
func (q *queries) GetWork(ctx context.Context, id string) (*models.Work, error) {
	var w models.Work
	var createdAt, updatedAt int64
	err := q.queryRow(ctx, `
	SELECT w.id, w.title, w.created_at, w.updated_at,
		(SELECT COUNT(*) FROM sources s WHERE s.work_id = w.id)
	FROM works w WHERE w.id = ?`, id).Scan(&w.ID, &w.Title, &createdAt, &updatedAt, &w.SourceCount)
	if err != nil {
		return nil, dbErr(err, "work %s not found", id)
	}
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)

	rows, err := q.query(ctx, `
	SELECT `+derivativeColumns+`
	FROM sources s JOIN source_revisions r ON r.id = s.latest_revision_id
	WHERE s.work_id = ?`, id)
	if err != nil {
		return nil, dbErr(err, "failed to load formats of work %s", id)
	}
	defer rows.Close()

	seen := make(map[models.Slot]bool)
	for rows.Next() {
		var set models.DerivativeSet
		if err := scanDerivatives(rows, &set); err != nil {
			return nil, err
		}
		for _, slot := range set.Populated() {
			seen[slot] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "failed to load formats of work %s", id)
	}
	w.AvailableFormats = []models.Slot{}
	for _, slot := range models.AllSlots {
		if seen[slot] {
			w.AvailableFormats = append(w.AvailableFormats, slot)
		}
	}
	return &w, nil
}

// =====================================================
// Source Operations
// =====================================================

const sourceColumns = `id, work_id, label, format, is_primary, owner_user_id, default_branch,
	latest_revision_id, revision_seq, license, license_url, license_attribution,
	version, created_at, updated_at`

func scanSource(row scanner) (*models.Source, error) {
	var s models.Source
	var latest sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.WorkID, &s.Label, &s.Format, &s.IsPrimary, &s.OwnerUserID,
		&s.DefaultBranch, &latest, &s.RevisionSeq, &s.License, &s.LicenseURL,
		&s.LicenseAttribution, &s.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.LatestRevisionID = latest.String
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// CreateSource inserts a source with a zero sequence counter.
func (q *queries) CreateSource(ctx context.Context, s *models.Source) error {
	now := q.now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.Version = 1
	s.RevisionSeq = 0
	if s.DefaultBranch == "" {
		s.DefaultBranch = models.DefaultBranchName
	}
	_, err := q.exec(ctx, `
	INSERT INTO sources (id, work_id, label, format, is_primary, owner_user_id, default_branch,
		revision_seq, license, license_url, license_attribution, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 1, ?, ?)`,
		s.ID, s.WorkID, s.Label, s.Format, s.IsPrimary, s.OwnerUserID, s.DefaultBranch,
		s.License, s.LicenseURL, s.LicenseAttribution, millis(now), millis(now))
	if isUniqueViolation(err) {
		return apperrors.Conflict("source %s already exists", s.ID)
	}
	return dbErr(err, "failed to create source %s", s.ID)
}

// GetSource retrieves a source of a work.
func (q *queries) GetSource(ctx context.Context, workID, sourceID string) (*models.Source, error) {
	s, err := scanSource(q.queryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ? AND work_id = ?`, sourceID, workID))
	if err != nil {
		return nil, dbErr(err, "source %s not found in work %s", sourceID, workID)
	}
	return s, nil
}

// ListSources returns the sources of a work in creation order.
func (q *queries) ListSources(ctx context.Context, workID string) ([]*models.Source, error) {
	rows, err := q.query(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE work_id = ? ORDER BY created_at, id`, workID)
	if err != nil {
		return nil, dbErr(err, "failed to list sources of work %s", workID)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan source")
		}
		sources = append(sources, s)
	}
	return sources, dbErr(rows.Err(), "failed to list sources of work %s", workID)
}

// DeleteSource removes a source with its branches, revisions and jobs.
// Its approval records are kept, with pending ones rejected.
func (q *queries) DeleteSource(ctx context.Context, workID, sourceID string) error {
	res, err := q.exec(ctx, `DELETE FROM sources WHERE id = ? AND work_id = ?`, sourceID, workID)
	if err != nil {
		return dbErr(err, "failed to delete source %s", sourceID)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return dbErr(err, "failed to delete source %s", sourceID)
	}
	if !ok {
		return apperrors.NotFound("source %s not found in work %s", sourceID, workID)
	}
	return q.rejectOrphaned(ctx, sourceID, "", "source was deleted")
}

// AllocateSequence advances the per-source counter by one with a
// conditional update and returns the new value. A concurrent writer makes
// the update miss and yields a retryable CONFLICT.
func (q *queries) AllocateSequence(ctx context.Context, sourceID string) (int64, error) {
	var current int64
	if err := q.queryRow(ctx, `SELECT revision_seq FROM sources WHERE id = ?`, sourceID).Scan(&current); err != nil {
		return 0, dbErr(err, "source %s not found", sourceID)
	}
	res, err := q.exec(ctx, `
	UPDATE sources SET revision_seq = ?, updated_at = ?
	WHERE id = ? AND revision_seq = ?`, current+1, millis(q.now()), sourceID, current)
	if err != nil {
		return 0, dbErr(err, "failed to allocate sequence for source %s", sourceID)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return 0, dbErr(err, "failed to allocate sequence for source %s", sourceID)
	}
	if !ok {
		return 0, apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf("sequence of source %s advanced concurrently", sourceID), ErrContention)
	}
	return current + 1, nil
}

// SetLatestRevision advances the source's latest-revision pointer.
func (q *queries) SetLatestRevision(ctx context.Context, sourceID, revisionID string) error {
	_, err := q.exec(ctx, `
	UPDATE sources SET latest_revision_id = ?, version = version + 1, updated_at = ?
	WHERE id = ?`, revisionID, millis(q.now()), sourceID)
	return dbErr(err, "failed to update latest revision of source %s", sourceID)
}
