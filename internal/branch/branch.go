// Package branch manages the named, policy-governed lines of revisions
// within a source.
package branch

import (
	"context"
	"regexp"
	"strings"

	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/models"
)

// MaxNameLength bounds branch names after sanitizing.
const MaxNameLength = 64

var (
	invalidRun   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	separatorRun = regexp.MustCompile(`[._-]{2,}`)
)

// SanitizeName normalizes a requested branch name. Characters outside
// [A-Za-z0-9._-] become '-', separator runs collapse to their first
// character and leading or trailing separators are dropped. Empty names,
// names containing "..", names ending in ".lock" and names longer than
// MaxNameLength are rejected.
func SanitizeName(raw string) (string, error) {
	if strings.Contains(raw, "..") {
		return "", apperrors.Validation("branch name %q must not contain '..'", raw)
	}
	name := invalidRun.ReplaceAllString(strings.TrimSpace(raw), "-")
	name = separatorRun.ReplaceAllStringFunc(name, func(run string) string { return run[:1] })
	name = strings.Trim(name, "._-")

	switch {
	case name == "":
		return "", apperrors.Validation("branch name %q is empty after sanitizing", raw)
	case strings.HasSuffix(strings.ToLower(name), ".lock"):
		return "", apperrors.Validation("branch name %q must not end in .lock", raw)
	case len(name) > MaxNameLength:
		return "", apperrors.Validation("branch name is longer than %d characters", MaxNameLength)
	}
	return name, nil
}

// CreateInput describes a new branch.
type CreateInput struct {
	Name           string `json:"name"`
	Policy         string `json:"policy"`
	OwnerUserID    string `json:"ownerUserId,omitempty"`
	BaseRevisionID string `json:"baseRevisionId,omitempty"`
}

// UpdateInput carries the optional fields of a branch update.
type UpdateInput struct {
	Policy          *string `json:"policy,omitempty"`
	OwnerUserID     *string `json:"ownerUserId,omitempty"`
	ExpectedVersion *int    `json:"expectedVersion,omitempty"`
}

// Manager implements branch lifecycle operations.
type Manager struct {
	store db.Store
	log   *logging.Logger
}

// NewManager creates a branch manager over store.
func NewManager(store db.Store) *Manager {
	return &Manager{store: store, log: logging.Get().With("branch")}
}

// List returns the default branch first, declared or synthesized, then
// the other declared branches in creation order.
func (m *Manager) List(ctx context.Context, workID, sourceID string) ([]*models.Branch, error) {
	src, err := m.store.GetSource(ctx, workID, sourceID)
	if err != nil {
		return nil, err
	}
	declared, err := m.store.ListBranches(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	def := src.DefaultBranchOrTrunk()
	out := make([]*models.Branch, 1, len(declared)+1)
	out[0] = models.SynthesizedDefault(workID, sourceID, def)
	for _, b := range declared {
		if b.Name == def {
			out[0] = b
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Create declares a branch. No engine branch is created until the first
// commit lands on it.
func (m *Manager) Create(ctx context.Context, workID, sourceID string, in CreateInput, actor models.Actor) (*models.Branch, error) {
	return m.create(ctx, m.store, workID, sourceID, in, actor)
}

// CreateIn declares a branch using q, so the orchestrator can create the
// target branch inside its commit transaction.
func (m *Manager) CreateIn(ctx context.Context, q db.Queries, workID, sourceID string, in CreateInput, actor models.Actor) (*models.Branch, error) {
	return m.create(ctx, q, workID, sourceID, in, actor)
}

func (m *Manager) create(ctx context.Context, q db.Queries, workID, sourceID string, in CreateInput, actor models.Actor) (*models.Branch, error) {
	if actor.Anonymous() {
		return nil, apperrors.Forbidden("creating a branch requires an authenticated user")
	}
	src, err := q.GetSource(ctx, workID, sourceID)
	if err != nil {
		return nil, err
	}
	name, err := SanitizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if src.IsProtectedBranch(name) {
		return nil, apperrors.Validation("%q is the default branch of this source", name)
	}

	policy := models.PolicyOpen
	if in.Policy != "" {
		if policy, err = models.ParsePolicy(in.Policy); err != nil {
			return nil, apperrors.Validation("%s", err.Error())
		}
	}
	owner := in.OwnerUserID
	if policy == models.PolicyOwnerApproval && owner == "" {
		owner = actor.UserID
	}

	if in.BaseRevisionID != "" {
		base, err := q.GetRevision(ctx, in.BaseRevisionID)
		if apperrors.Is(err, apperrors.ErrNotFound) || (err == nil && base.SourceID != sourceID) {
			return nil, apperrors.Validation("base revision %s does not belong to source %s", in.BaseRevisionID, sourceID)
		}
		if err != nil {
			return nil, err
		}
	}

	b := &models.Branch{
		WorkID:         workID,
		SourceID:       sourceID,
		Name:           name,
		Policy:         policy,
		OwnerUserID:    owner,
		BaseRevisionID: in.BaseRevisionID,
		CreatedBy:      actor.UserID,
	}
	if err := q.CreateBranch(ctx, b); err != nil {
		return nil, err
	}
	m.log.Info("branch created", map[string]interface{}{
		"work_id": workID, "source_id": sourceID, "branch": name, "policy": policy.String(),
	})
	return b, nil
}

// Update changes a branch's policy or owner. The caller must be an
// admin, the source owner or a project lead. When ExpectedVersion is set
// the write only succeeds if the branch is still at that version.
func (m *Manager) Update(ctx context.Context, workID, sourceID, name string, in UpdateInput, actor models.Actor) (*models.Branch, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	src, err := m.store.GetSource(ctx, workID, sourceID)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, src) {
		return nil, apperrors.Forbidden("only an admin, the source owner or a project lead may change branches")
	}

	b, err := m.store.GetBranch(ctx, sourceID, name)
	synthesized := false
	if apperrors.Is(err, apperrors.ErrNotFound) && src.IsProtectedBranch(name) {
		b, err = models.SynthesizedDefault(workID, sourceID, name), nil
		synthesized = true
	}
	if err != nil {
		return nil, err
	}

	expected := b.Version
	if in.ExpectedVersion != nil {
		if *in.ExpectedVersion != b.Version {
			return nil, apperrors.Conflict("branch %q is at version %d, not %d", name, b.Version, *in.ExpectedVersion)
		}
		expected = *in.ExpectedVersion
	}
	if in.Policy != nil {
		p, err := models.ParsePolicy(*in.Policy)
		if err != nil {
			return nil, apperrors.Validation("%s", err.Error())
		}
		b.Policy = p
	}
	if in.OwnerUserID != nil {
		b.OwnerUserID = *in.OwnerUserID
	}
	if b.Policy == models.PolicyOwnerApproval && b.OwnerUserID == "" {
		b.OwnerUserID = actor.UserID
	}

	if synthesized {
		// First change to the implicit default branch declares it.
		b.CreatedBy = actor.UserID
		b.Synthesized = false
		err = m.store.CreateBranch(ctx, b)
	} else {
		err = m.store.UpdateBranch(ctx, b, expected)
	}
	if err != nil {
		return nil, err
	}
	m.log.Info("branch updated", map[string]interface{}{
		"work_id": workID, "source_id": sourceID, "branch": name, "policy": b.Policy.String(), "version": b.Version,
	})
	return b, nil
}

// Delete removes a declared branch. The default branch is never
// deletable and a branch holding committed revisions is kept.
func (m *Manager) Delete(ctx context.Context, workID, sourceID, name string, actor models.Actor) error {
	name, err := SanitizeName(name)
	if err != nil {
		return err
	}
	src, err := m.store.GetSource(ctx, workID, sourceID)
	if err != nil {
		return err
	}
	if src.IsProtectedBranch(name) {
		return apperrors.Validation("the default branch %q cannot be deleted", name)
	}
	if _, err := m.store.GetBranch(ctx, sourceID, name); err != nil {
		return err
	}
	n, err := m.store.CountRevisionsOnBranch(ctx, sourceID, name)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperrors.Conflict("branch %q has %d committed revisions", name, n)
	}
	if !canManage(actor, src) {
		return apperrors.Forbidden("only an admin, the source owner or a project lead may delete branches")
	}
	err = m.store.WithTx(ctx, func(q db.Queries) error {
		return q.DeleteBranch(ctx, sourceID, name)
	})
	if err != nil {
		return err
	}
	m.log.Info("branch deleted", map[string]interface{}{"work_id": workID, "source_id": sourceID, "branch": name})
	return nil
}

// ResolveForCommit returns the branch a commit targets: the declared
// record, or the synthesized default. An empty name means the default.
// Undeclared non-default names are NOT_FOUND.
func (m *Manager) ResolveForCommit(ctx context.Context, q db.Queries, src *models.Source, name string) (*models.Branch, error) {
	if name == "" {
		name = src.DefaultBranchOrTrunk()
	}
	name, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	b, err := q.GetBranch(ctx, src.ID, name)
	if err == nil {
		return b, nil
	}
	if apperrors.Is(err, apperrors.ErrNotFound) {
		if src.IsProtectedBranch(name) {
			return models.SynthesizedDefault(src.WorkID, src.ID, name), nil
		}
		return nil, apperrors.NotFound("branch %q does not exist in source %s", name, src.ID)
	}
	return nil, err
}

func canManage(actor models.Actor, src *models.Source) bool {
	if actor.IsAdmin() || actor.HasRole(models.RoleProjectLead) {
		return true
	}
	return actor.UserID != "" && actor.UserID == src.OwnerUserID
}
