package branch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/uuid"
)

var (
	owner   = models.Actor{UserID: "owner"}
	visitor = models.Actor{UserID: "visitor"}
	lead    = models.Actor{UserID: "lead", Roles: []models.Role{models.RoleProjectLead}}
	admin   = models.Actor{UserID: "root", Roles: []models.Role{models.RoleAdmin}}
)

func setup(t *testing.T) (*Manager, *db.Repository, *models.Source) {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})

	ctx := context.Background()
	if err := repo.EnsureWork(ctx, "w1", "Goldberg Variations"); err != nil {
		t.Fatal(err)
	}
	src := &models.Source{ID: uuid.New(), WorkID: "w1", Label: "Aria", Format: "musicxml", OwnerUserID: owner.UserID}
	if err := repo.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	return NewManager(repo), repo, src
}

func commitOn(t *testing.T, repo *db.Repository, src *models.Source, branch string) *models.SourceRevision {
	t.Helper()
	ctx := context.Background()
	var rev *models.SourceRevision
	err := repo.WithTx(ctx, func(q db.Queries) error {
		seq, err := q.AllocateSequence(ctx, src.ID)
		if err != nil {
			return err
		}
		rev = &models.SourceRevision{
			ID: uuid.NewOrdered(), WorkID: src.WorkID, SourceID: src.ID, SequenceNumber: seq,
			Branch: branch, ArtifactID: "a", Filename: "s.musicxml", Format: "musicxml",
			Raw:    &models.StorageLocator{Bucket: "b", ObjectKey: uuid.New(), Checksum: "c"},
			Commit: models.CommitInfo{Actor: "owner", Timestamp: time.Now()},
		}
		return q.InsertRevision(ctx, rev)
	})
	if err != nil {
		t.Fatal(err)
	}
	return rev
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"feature", "feature", false},
		{"  my new  branch ", "my-new-branch", false},
		{"--edits__v2--", "edits_v2", false},
		{"Ärger/fix", "rger-fix", false},
		{"", "", true},
		{"///", "", true},
		{"a..b", "", true},
		{"review.lock", "", true},
		{strings.Repeat("a", MaxNameLength+1), "", true},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SanitizeName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if err != nil && !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("SanitizeName(%q) error code = %s", tt.in, apperrors.CodeOf(err))
		}
	}
}

func TestList_DefaultFirst(t *testing.T) {
	m, _, src := setup(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		if _, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: name}, owner); err != nil {
			t.Fatal(err)
		}
	}
	branches, err := m.List(ctx, "w1", src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(branches))
	}
	if branches[0].Name != "trunk" || !branches[0].Synthesized {
		t.Errorf("first branch = %+v", branches[0])
	}
	if branches[1].Name != "zeta" || branches[2].Name != "alpha" {
		t.Errorf("declared branches out of creation order: %s, %s", branches[1].Name, branches[2].Name)
	}
}

func TestCreate(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()

	b, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: "review", Policy: "owner_approval"}, visitor)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if b.OwnerUserID != visitor.UserID || b.Version != 1 {
		t.Errorf("owner_approval without owner should default to the actor: %+v", b)
	}

	if _, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: "review"}, owner); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate Create() error = %v, want CONFLICT", err)
	}

	rev := commitOn(t, repo, src, "trunk")
	b, err = m.Create(ctx, "w1", src.ID, CreateInput{Name: "from-base", BaseRevisionID: rev.ID}, owner)
	if err != nil || b.BaseRevisionID != rev.ID {
		t.Errorf("Create() with base = %+v, %v", b, err)
	}
}

func TestCreate_Rejects(t *testing.T) {
	m, _, src := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    CreateInput
		actor models.Actor
		code  apperrors.ErrorCode
	}{
		{"default name", CreateInput{Name: "trunk"}, owner, apperrors.ErrValidation},
		{"bad policy", CreateInput{Name: "x", Policy: "locked"}, owner, apperrors.ErrValidation},
		{"bad name", CreateInput{Name: "a..b"}, owner, apperrors.ErrValidation},
		{"foreign base", CreateInput{Name: "y", BaseRevisionID: "nope"}, owner, apperrors.ErrValidation},
		{"anonymous", CreateInput{Name: "z"}, models.Actor{}, apperrors.ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, "w1", src.ID, tt.in, tt.actor)
			if !apperrors.Is(err, tt.code) {
				t.Errorf("Create() error = %v, want %s", err, tt.code)
			}
		})
	}

	if _, err := m.Create(ctx, "w1", "missing", CreateInput{Name: "x"}, owner); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Create() on missing source error = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	m, _, src := setup(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: "review"}, owner); err != nil {
		t.Fatal(err)
	}
	policy := "owner_approval"

	if _, err := m.Update(ctx, "w1", src.ID, "review", UpdateInput{Policy: &policy}, visitor); !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("visitor Update() error = %v, want PERMISSION_DENIED", err)
	}

	b, err := m.Update(ctx, "w1", src.ID, "review", UpdateInput{Policy: &policy}, lead)
	if err != nil {
		t.Fatalf("Update() by project lead failed: %v", err)
	}
	if b.Policy != models.PolicyOwnerApproval || b.OwnerUserID != lead.UserID || b.Version != 2 {
		t.Errorf("updated branch = %+v", b)
	}

	stale := 1
	if _, err := m.Update(ctx, "w1", src.ID, "review", UpdateInput{ExpectedVersion: &stale}, admin); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("stale Update() error = %v, want CONFLICT", err)
	}
}

func TestUpdate_DeclaresDefaultBranch(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()
	policy := "owner_approval"

	b, err := m.Update(ctx, "w1", src.ID, "trunk", UpdateInput{Policy: &policy}, owner)
	if err != nil {
		t.Fatalf("Update(trunk) failed: %v", err)
	}
	if b.Synthesized || b.OwnerUserID != owner.UserID {
		t.Errorf("trunk = %+v", b)
	}
	stored, err := repo.GetBranch(ctx, src.ID, "trunk")
	if err != nil || stored.Policy != models.PolicyOwnerApproval {
		t.Errorf("stored trunk = %+v, %v", stored, err)
	}

	branches, _ := m.List(ctx, "w1", src.ID)
	if len(branches) != 1 || branches[0].Synthesized {
		t.Errorf("List() should return the declared trunk once: %+v", branches)
	}
}

func TestDelete(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()
	for _, name := range []string{"empty", "used"} {
		if _, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: name}, owner); err != nil {
			t.Fatal(err)
		}
	}
	commitOn(t, repo, src, "used")

	if err := m.Delete(ctx, "w1", src.ID, "trunk", admin); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Delete(trunk) error = %v, want VALIDATION_ERROR", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "used", admin); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Delete(used) error = %v, want CONFLICT", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "ghost", admin); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Delete(ghost) error = %v, want NOT_FOUND", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "empty", visitor); !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("visitor Delete() error = %v, want PERMISSION_DENIED", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "empty", owner); err != nil {
		t.Errorf("owner Delete() failed: %v", err)
	}
}

func TestDelete_TrunkAlwaysRejected(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()
	for _, actor := range []models.Actor{owner, visitor, lead, admin, {}} {
		if err := m.Delete(ctx, "w1", src.ID, "trunk", actor); apperrors.HTTPStatus(err) != 400 {
			t.Errorf("Delete(trunk) by %q = %v, want 400", actor.UserID, err)
		}
	}
	commitOn(t, repo, src, "trunk")
	if err := m.Delete(ctx, "w1", src.ID, "trunk", admin); apperrors.HTTPStatus(err) != 400 {
		t.Errorf("Delete(trunk) with revisions = %v, want 400", err)
	}
}

func TestResolveForCommit(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: "review", Policy: "owner_approval"}, owner); err != nil {
		t.Fatal(err)
	}

	b, err := m.ResolveForCommit(ctx, repo, src, "")
	if err != nil || b.Name != "trunk" || !b.Synthesized {
		t.Errorf("ResolveForCommit(\"\") = %+v, %v", b, err)
	}
	b, err = m.ResolveForCommit(ctx, repo, src, "review")
	if err != nil || b.Policy != models.PolicyOwnerApproval {
		t.Errorf("ResolveForCommit(review) = %+v, %v", b, err)
	}
	if _, err := m.ResolveForCommit(ctx, repo, src, "ghost"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("ResolveForCommit(ghost) error = %v", err)
	}
}

func TestRawNamesResolveToSanitizedBranch(t *testing.T) {
	m, repo, src := setup(t)
	ctx := context.Background()
	created, err := m.Create(ctx, "w1", src.ID, CreateInput{Name: "Feature Review", Policy: "owner_approval"}, owner)
	if err != nil {
		t.Fatal(err)
	}
	if created.Name != "Feature-Review" {
		t.Fatalf("created name = %q", created.Name)
	}

	b, err := m.ResolveForCommit(ctx, repo, src, "Feature Review")
	if err != nil || b.Name != "Feature-Review" {
		t.Errorf("ResolveForCommit(raw) = %+v, %v", b, err)
	}

	policy := "public"
	b, err = m.Update(ctx, "w1", src.ID, " Feature  Review ", UpdateInput{Policy: &policy}, owner)
	if err != nil || b.Policy != models.PolicyOpen {
		t.Errorf("Update(raw) = %+v, %v", b, err)
	}

	if err := m.Delete(ctx, "w1", src.ID, " trunk ", admin); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Delete(raw trunk) error = %v, want VALIDATION_ERROR", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "..", admin); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Delete(..) error = %v, want VALIDATION_ERROR", err)
	}
	if err := m.Delete(ctx, "w1", src.ID, "Feature Review", owner); err != nil {
		t.Errorf("Delete(raw) failed: %v", err)
	}
	if _, err := repo.GetBranch(ctx, src.ID, "Feature-Review"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("branch should be gone, got %v", err)
	}
}
