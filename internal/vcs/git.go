package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

const zeroOID = "0000000000000000000000000000000000000000"

// GitEngine drives the git CLI against one bare repository per source at
// root/<workId>/<sourceId>.git. All commands target the repository via -C.
type GitEngine struct {
	root    string
	gitPath string

	mu    sync.Mutex
	ready map[string]bool
}

// NewGitEngine returns an engine rooted at root. gitPath defaults to "git".
func NewGitEngine(root, gitPath string) *GitEngine {
	if gitPath == "" {
		gitPath = "git"
	}
	return &GitEngine{root: root, gitPath: gitPath, ready: make(map[string]bool)}
}

func (g *GitEngine) dir(repo RepoRef) string {
	return filepath.Join(g.root, filepath.Base(repo.WorkID), filepath.Base(repo.SourceID)+".git")
}

// ensure initializes the bare repository on first use.
func (g *GitEngine) ensure(ctx context.Context, repo RepoRef) (string, error) {
	dir := g.dir(repo)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready[dir] {
		return dir, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", apperrors.Wrap(apperrors.ErrEngine, "failed to create repository directory", err)
		}
		if _, err := g.run(ctx, "", nil, nil, "init", "--bare", "-q", dir); err != nil {
			return "", err
		}
	}
	g.ready[dir] = true
	return dir, nil
}

// run executes git and returns trimmed stdout. Stderr is included in the
// error on failure.
func (g *GitEngine) run(ctx context.Context, dir string, env []string, stdin []byte, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.gitPath, fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1")
	cmd.Env = append(cmd.Env, env...)

	if err := cmd.Run(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrEngine,
			fmt.Sprintf("git %s in %s", args[0], dir),
			fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// resolve returns the commit a ref points at, or "" if it does not exist.
func (g *GitEngine) resolve(ctx context.Context, dir, ref string) (string, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", dir, "rev-parse", "--verify", "-q", ref+"^{commit}")
	cmd.Stdout = &stdout
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrEngine, "git rev-parse "+ref, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Commit writes the payload blob, a one-entry tree and a commit, then
// moves the branch ref with compare-and-swap.
func (g *GitEngine) Commit(ctx context.Context, repo RepoRef, branch, parent string, payload File, message, author string) (string, error) {
	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return "", err
	}

	blob, err := g.run(ctx, dir, nil, payload.Data, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	entry := fmt.Sprintf("100644 blob %s\t%s\n", blob, payloadName(payload.Name))
	tree, err := g.run(ctx, dir, nil, []byte(entry), "mktree")
	if err != nil {
		return "", err
	}

	if message == "" {
		message = "Upload " + payloadName(payload.Name)
	}
	if author == "" {
		author = "anonymous"
	}
	args := []string{"commit-tree", tree, "-m", message}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	identity := []string{
		"GIT_AUTHOR_NAME=" + author, "GIT_AUTHOR_EMAIL=" + author + "@scorecore",
		"GIT_COMMITTER_NAME=scorecore", "GIT_COMMITTER_EMAIL=scorecore@scorecore",
	}
	commit, err := g.run(ctx, dir, identity, nil, args...)
	if err != nil {
		return "", err
	}

	old := parent
	if old == "" {
		old = zeroOID
	}
	if _, err := g.run(ctx, dir, nil, nil, "update-ref", refName(branch), commit, old); err != nil {
		return "", apperrors.Wrap(apperrors.ErrConflict,
			fmt.Sprintf("branch %s of %s moved during commit", branch, repo), err)
	}
	return commit, nil
}

// CreateBranch creates refs/heads/<name> at base.
func (g *GitEngine) CreateBranch(ctx context.Context, repo RepoRef, name, base string) error {
	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return err
	}
	current, err := g.resolve(ctx, dir, refName(name))
	if err != nil {
		return err
	}
	if current == base {
		return nil
	}
	if current != "" {
		return apperrors.Conflict("branch %s of %s already exists", name, repo)
	}
	_, err = g.run(ctx, dir, nil, nil, "update-ref", refName(name), base, zeroOID)
	return err
}

// Diff returns `git diff` between two commits.
func (g *GitEngine) Diff(ctx context.Context, repo RepoRef, a, b string) (string, error) {
	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return "", err
	}
	return g.run(ctx, dir, nil, nil, "diff", "--no-color", "--no-ext-diff", a, b)
}

// ResetBranch moves the ref back, or deletes it when to is empty.
func (g *GitEngine) ResetBranch(ctx context.Context, repo RepoRef, branch, from, to string) error {
	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return err
	}
	if to == "" {
		_, err = g.run(ctx, dir, nil, nil, "update-ref", "-d", refName(branch), from)
		return err
	}
	_, err = g.run(ctx, dir, nil, nil, "update-ref", refName(branch), to, from)
	return err
}
