package vcs

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

var testRepo = RepoRef{WorkID: "work-1", SourceID: "source-1"}

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	out := map[string]Engine{"memory": NewMemoryEngine()}
	if _, err := exec.LookPath("git"); err == nil {
		out["git"] = NewGitEngine(t.TempDir(), "git")
	}
	return out
}

func TestEngine_CommitChain(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := e.Commit(ctx, testRepo, "trunk", "", File{Name: "score.musicxml", Data: []byte("<a/>\n")}, "v1", "alice")
			if err != nil {
				t.Fatalf("root Commit() failed: %v", err)
			}
			second, err := e.Commit(ctx, testRepo, "trunk", first, File{Name: "score.musicxml", Data: []byte("<b/>\n")}, "v2", "alice")
			if err != nil {
				t.Fatalf("child Commit() failed: %v", err)
			}
			if first == second || first == "" {
				t.Fatalf("artifact ids not distinct: %s %s", first, second)
			}

			// A writer holding a stale parent loses.
			_, err = e.Commit(ctx, testRepo, "trunk", first, File{Name: "score.musicxml", Data: []byte("<c/>\n")}, "v3", "bob")
			if !apperrors.Is(err, apperrors.ErrConflict) {
				t.Errorf("stale Commit() error = %v, want CONFLICT", err)
			}

			diff, err := e.Diff(ctx, testRepo, first, second)
			if err != nil {
				t.Fatalf("Diff() failed: %v", err)
			}
			if !strings.Contains(diff, "-<a/>") || !strings.Contains(diff, "+<b/>") {
				t.Errorf("Diff() = %q", diff)
			}
		})
	}
}

func TestEngine_BranchAndReset(t *testing.T) {
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base, err := e.Commit(ctx, testRepo, "trunk", "", File{Name: "s.xml", Data: []byte("base")}, "", "alice")
			if err != nil {
				t.Fatal(err)
			}
			if err := e.CreateBranch(ctx, testRepo, "review", base); err != nil {
				t.Fatalf("CreateBranch() failed: %v", err)
			}
			if err := e.CreateBranch(ctx, testRepo, "review", base); err != nil {
				t.Errorf("CreateBranch() at same base should be a no-op: %v", err)
			}

			next, err := e.Commit(ctx, testRepo, "review", base, File{Name: "s.xml", Data: []byte("next")}, "", "bob")
			if err != nil {
				t.Fatal(err)
			}
			if err := e.CreateBranch(ctx, testRepo, "review", base); !apperrors.Is(err, apperrors.ErrConflict) {
				t.Errorf("CreateBranch() over a moved ref error = %v", err)
			}

			// Compensation puts the ref back so the parent commits again.
			if err := e.ResetBranch(ctx, testRepo, "review", next, base); err != nil {
				t.Fatalf("ResetBranch() failed: %v", err)
			}
			if _, err := e.Commit(ctx, testRepo, "review", base, File{Name: "s.xml", Data: []byte("again")}, "", "bob"); err != nil {
				t.Errorf("Commit() after reset failed: %v", err)
			}

			// Resetting a root commit deletes the ref.
			root, err := e.Commit(ctx, testRepo, "solo", "", File{Name: "s.xml", Data: []byte("solo")}, "", "carol")
			if err != nil {
				t.Fatal(err)
			}
			if err := e.ResetBranch(ctx, testRepo, "solo", root, ""); err != nil {
				t.Fatalf("ResetBranch(delete) failed: %v", err)
			}
			if _, err := e.Commit(ctx, testRepo, "solo", "", File{Name: "s.xml", Data: []byte("solo2")}, "", "carol"); err != nil {
				t.Errorf("root Commit() after delete failed: %v", err)
			}
		})
	}
}

func TestMemoryEngine_FailWith(t *testing.T) {
	e := NewMemoryEngine()
	e.FailWith(context.DeadlineExceeded)
	_, err := e.Commit(context.Background(), testRepo, "trunk", "", File{Name: "x", Data: []byte("x")}, "", "a")
	if !apperrors.Is(err, apperrors.ErrEngine) {
		t.Errorf("Commit() error = %v, want ENGINE_ERROR", err)
	}
	if e.Commits(testRepo) != 0 {
		t.Error("failed commit must not be stored")
	}
}

func TestPayloadName(t *testing.T) {
	tests := map[string]string{
		"score.mxl":           "score.mxl",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\a.mscz`:  "a.mscz",
		"":                    "score",
		"..":                  "score",
		"tab\tname.xml":       "tabname.xml",
	}
	for in, want := range tests {
		if got := payloadName(in); got != want {
			t.Errorf("payloadName(%q) = %q, want %q", in, got, want)
		}
	}
}
