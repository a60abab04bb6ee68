// Package vcs adapts the embedded version-control engine. Each source is
// one repository; each branch is a ref; each committed revision is one
// engine commit whose id becomes the revision's artifact id.
package vcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ourtextscores/scorecore/internal/config"
)

// RepoRef names the repository of one source.
type RepoRef struct {
	WorkID   string
	SourceID string
}

func (r RepoRef) String() string {
	return r.WorkID + "/" + r.SourceID
}

// File is the single payload of a commit.
type File struct {
	Name string
	Data []byte
}

// Engine is the narrow interface the revision core needs from the engine.
type Engine interface {
	// Commit records payload on branch with parent as its only parent and
	// returns the new artifact id. An empty parent makes a root commit.
	// The branch ref moves from parent to the new commit atomically; a ref
	// that moved elsewhere meanwhile yields a CONFLICT.
	Commit(ctx context.Context, repo RepoRef, branch, parent string, payload File, message, author string) (string, error)
	// CreateBranch points a new ref at base. It succeeds without change if
	// the ref already points at base.
	CreateBranch(ctx context.Context, repo RepoRef, name, base string) error
	// Diff returns a unified diff between two artifacts.
	Diff(ctx context.Context, repo RepoRef, a, b string) (string, error)
	// ResetBranch moves branch back from from to to. An empty to deletes
	// the ref. It compensates a commit whose persistence failed.
	ResetBranch(ctx context.Context, repo RepoRef, branch, from, to string) error
}

// New builds the engine selected by cfg.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Backend {
	case "git":
		return NewGitEngine(cfg.Root, cfg.GitPath), nil
	case "memory":
		return NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

// payloadName reduces a client filename to a safe tree entry name.
func payloadName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "score"
	}
	return name
}

func refName(branch string) string {
	return "refs/heads/" + branch
}
