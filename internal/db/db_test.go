// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	for _, table := range []string{"works", "sources", "branches", "source_revisions", "approval_records", "pipeline_jobs"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

// TestOpen_Reopen verifies migrations are not applied twice.
func TestOpen_Reopen(t *testing.T) {
	tmpDir := t.TempDir()

	first, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first.Close()

	second, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer second.Close()

	var count int
	if err := second.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("schema_migrations has %d rows, want 1", count)
	}
}

// TestOpen_InvalidDirectory verifies error on an unusable data directory.
func TestOpen_InvalidDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Join(file, "data")); err == nil {
		t.Error("Open() should fail when the data directory cannot be created")
	}
}

// openShared opens two handles on one data directory, standing in for two
// service instances.
func openShared(t *testing.T) (*Repository, *Repository, *DB) {
	t.Helper()
	dir := t.TempDir()
	var repos []*Repository
	var last *DB
	for i := 0; i < 2; i++ {
		conn, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		repo := NewRepository(conn.DB)
		t.Cleanup(func() {
			repo.Close()
			conn.Close()
		})
		repos = append(repos, repo)
		last = conn
	}
	return repos[0], repos[1], last
}

// TestAllocateSequence_TwoInstances verifies that handles on the same file
// never hand out the same sequence number.
func TestAllocateSequence_TwoInstances(t *testing.T) {
	a, b, _ := openShared(t)
	ctx := context.Background()
	if err := a.EnsureWork(ctx, "w1", ""); err != nil {
		t.Fatal(err)
	}
	src := &models.Source{ID: "s1", WorkID: "w1", Label: "Aria", Format: "musicxml", OwnerUserID: "u1"}
	if err := a.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	const perWorker = 10
	var (
		mu   sync.Mutex
		seqs []int64
		wg   sync.WaitGroup
	)
	for i, repo := range []*Repository{a, b, a, b} {
		wg.Add(1)
		go func(worker int, repo *Repository) {
			defer wg.Done()
			for n := 0; n < perWorker; n++ {
				var seq int64
				var err error
				for attempt := 0; attempt < 20; attempt++ {
					err = repo.WithTx(ctx, func(q Queries) error {
						seq, err = q.AllocateSequence(ctx, src.ID)
						return err
					})
					if err == nil || !IsContention(err) {
						break
					}
				}
				if err != nil {
					t.Errorf("worker %d: allocation failed: %v", worker, err)
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}(i, repo)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != 4*perWorker {
		t.Fatalf("allocated %d sequences, want %d", len(seqs), 4*perWorker)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequences not gapless and unique: %v", seqs)
		}
	}
	got, err := b.GetSource(ctx, "w1", src.ID)
	if err != nil || got.RevisionSeq != 4*perWorker {
		t.Errorf("source counter = %+v, %v", got, err)
	}
}

// TestWithTx_BusyDatabaseIsConflict verifies a writer locked out by
// another instance gets a retryable CONFLICT, not a database error.
func TestWithTx_BusyDatabaseIsConflict(t *testing.T) {
	a, b, bConn := openShared(t)
	ctx := context.Background()
	if _, err := bConn.Exec("PRAGMA busy_timeout=0"); err != nil {
		t.Fatal(err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.WithTx(ctx, func(q Queries) error {
			if err := q.EnsureWork(ctx, "w1", ""); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := b.WithTx(ctx, func(q Queries) error {
		return q.EnsureWork(ctx, "w2", "")
	})
	close(release)
	if aerr := <-done; aerr != nil {
		t.Fatalf("holding transaction failed: %v", aerr)
	}

	if !apperrors.Is(err, apperrors.ErrConflict) || !apperrors.Retryable(err) {
		t.Errorf("locked out WithTx() error = %v, want retryable CONFLICT", err)
	}
	if !IsContention(err) {
		t.Errorf("IsContention(%v) = false", err)
	}
}
