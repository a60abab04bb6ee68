package db

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations is the shipped schema, rooted at the migrations directory.
var Migrations fs.FS = mustSub(embedded, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<n>__<name>.up.sql files in version order and rolls
// back with the matching .down.sql file.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

// Initialize creates the bookkeeping table.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL,
		description TEXT    NOT NULL,
		checksum    TEXT    NOT NULL
	);`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "creating schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 for a fresh database.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var at int64
		if err := rows.Scan(&mig.Version, &at, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.UnixMilli(at)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// script is one parsed migration file name.
type script struct {
	version     int
	description string
	file        string
}

// scripts lists the files with the given suffix, sorted by version.
// Names that do not follow V<n>__<description><suffix> are ignored.
func (m *Migrator) scripts(suffix string) ([]script, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "reading migrations", err)
	}
	var out []script
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) || !strings.HasPrefix(name, "V") {
			continue
		}
		num, desc, ok := strings.Cut(strings.TrimSuffix(name[1:], suffix), "__")
		if !ok || desc == "" {
			continue
		}
		version, err := strconv.Atoi(num)
		if err != nil || version < 1 {
			continue
		}
		out = append(out, script{version: version, description: desc, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction. An
// applied migration whose file changed since it ran stops the run.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "listing applied migrations", err)
	}
	seen := make(map[int]string, len(applied))
	for _, mig := range applied {
		seen[mig.Version] = mig.Checksum
	}

	ups, err := m.scripts(".up.sql")
	if err != nil {
		return err
	}
	for _, s := range ups {
		body, err := fs.ReadFile(m.files, s.file)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "reading "+s.file, err)
		}
		sum := checksum(body)
		if prev, ok := seen[s.version]; ok {
			if prev != sum {
				return apperrors.Newf(apperrors.ErrMigration, "migration V%d was modified after it was applied", s.version)
			}
			continue
		}
		err = m.inTx(string(body), func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum)
				VALUES (?, ?, ?, ?)`, s.version, time.Now().UnixMilli(), s.description, sum)
			return err
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("applying V%d", s.version), err)
		}
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to roll back")
	}
	downs, err := m.scripts(".down.sql")
	if err != nil {
		return err
	}
	for _, s := range downs {
		if s.version != current {
			continue
		}
		body, err := fs.ReadFile(m.files, s.file)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "reading "+s.file, err)
		}
		err = m.inTx(string(body), func(tx *sql.Tx) error {
			_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
			return err
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("rolling back V%d", current), err)
		}
		return nil
	}
	return apperrors.Newf(apperrors.ErrMigration, "no rollback script for V%d", current)
}

// inTx runs body and then record in one transaction.
func (m *Migrator) inTx(body string, record func(*sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(body); err != nil {
		return err
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
