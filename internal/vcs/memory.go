package vcs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

type memCommit struct {
	parent  string
	file    File
	message string
	author  string
}

type memRepo struct {
	refs    map[string]string
	commits map[string]memCommit
}

// MemoryEngine is an in-process Engine with git's ref semantics.
type MemoryEngine struct {
	mu      sync.Mutex
	repos   map[RepoRef]*memRepo
	seq     int
	failing error
}

// NewMemoryEngine returns an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{repos: make(map[RepoRef]*memRepo)}
}

func (m *MemoryEngine) repo(ref RepoRef) *memRepo {
	r, ok := m.repos[ref]
	if !ok {
		r = &memRepo{refs: make(map[string]string), commits: make(map[string]memCommit)}
		m.repos[ref] = r
	}
	return r
}

// FailWith makes subsequent commits fail with an engine error; nil
// restores service.
func (m *MemoryEngine) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

// Commits returns the number of commits stored for repo.
func (m *MemoryEngine) Commits(ref RepoRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[ref]; ok {
		return len(r.commits)
	}
	return 0
}

// Head returns the commit a branch points at, or "".
func (m *MemoryEngine) Head(ref RepoRef, branch string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[ref]; ok {
		return r.refs[branch]
	}
	return ""
}

// Commit implements Engine.
func (m *MemoryEngine) Commit(ctx context.Context, ref RepoRef, branch, parent string, payload File, message, author string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return "", apperrors.Wrap(apperrors.ErrEngine, "commit failed", m.failing)
	}
	r := m.repo(ref)
	if parent != "" {
		if _, ok := r.commits[parent]; !ok {
			return "", apperrors.Newf(apperrors.ErrEngine, "unknown parent %s", parent)
		}
	}
	if r.refs[branch] != parent {
		return "", apperrors.Conflict("branch %s of %s moved during commit", branch, ref)
	}

	m.seq++
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", parent, payload.Name, m.seq)
	h.Write(payload.Data)
	id := hex.EncodeToString(h.Sum(nil))

	r.commits[id] = memCommit{
		parent:  parent,
		file:    File{Name: payloadName(payload.Name), Data: append([]byte(nil), payload.Data...)},
		message: message,
		author:  author,
	}
	r.refs[branch] = id
	return id, nil
}

// CreateBranch implements Engine.
func (m *MemoryEngine) CreateBranch(ctx context.Context, ref RepoRef, name, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repo(ref)
	if _, ok := r.commits[base]; !ok {
		return apperrors.Newf(apperrors.ErrEngine, "unknown base %s", base)
	}
	switch current := r.refs[name]; current {
	case base:
		return nil
	case "":
		r.refs[name] = base
		return nil
	default:
		return apperrors.Conflict("branch %s of %s already exists", name, ref)
	}
}

// Diff implements Engine with a unified diff of the two payloads.
func (m *MemoryEngine) Diff(ctx context.Context, ref RepoRef, a, b string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repo(ref)
	ca, okA := r.commits[a]
	cb, okB := r.commits[b]
	if !okA || !okB {
		return "", apperrors.Newf(apperrors.ErrEngine, "unknown commit in %s..%s", a, b)
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(ca.file.Data)),
		B:        difflib.SplitLines(string(cb.file.Data)),
		FromFile: "a/" + ca.file.Name,
		ToFile:   "b/" + cb.file.Name,
		Context:  3,
	})
}

// ResetBranch implements Engine.
func (m *MemoryEngine) ResetBranch(ctx context.Context, ref RepoRef, branch, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repo(ref)
	if r.refs[branch] != from {
		return apperrors.Conflict("branch %s of %s is not at %s", branch, ref, from)
	}
	if to == "" {
		delete(r.refs, branch)
	} else {
		r.refs[branch] = to
	}
	return nil
}
