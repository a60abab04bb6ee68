// Package revision commits uploaded scores as revisions of a source. A
// commit allocates the source's next sequence number, records the
// payload in the version-control engine and queues derivative
// generation, all inside one database transaction.
package revision

import (
	"context"
	"fmt"
	"time"

	"github.com/ourtextscores/scorecore/internal/branch"
	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/events"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/storage"
	"github.com/ourtextscores/scorecore/internal/uuid"
	"github.com/ourtextscores/scorecore/internal/vcs"
)

// maxSequenceAttempts bounds runs of a commit transaction that keeps
// losing to concurrent writers.
const maxSequenceAttempts = 5

// Commit outcomes reported in Result.Status.
const (
	StatusCommitted       = "committed"
	StatusPendingApproval = "pending_approval"
)

// Result is the handle returned for an upload.
type Result struct {
	WorkID         string `json:"workId"`
	SourceID       string `json:"sourceId"`
	RevisionID     string `json:"revisionId,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	Branch         string `json:"branchName"`
	ApprovalID     string `json:"approvalId,omitempty"`
	Status         string `json:"status"`
}

// Notifier wakes pipeline workers after a commit.
type Notifier interface {
	Notify()
}

// Candidate is a payload about to become a revision.
type Candidate struct {
	Filename   string
	Format     string
	Data       []byte
	Raw        *models.StorageLocator
	Message    string
	Author     string
	ApprovalID string
}

// Orchestrator runs the commit path.
type Orchestrator struct {
	store    db.Store
	blobs    storage.Gateway
	engine   vcs.Engine
	branches *branch.Manager
	notifier Notifier
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *logging.Logger

	maxBytes    int64
	maxAttempts int
}

// New wires an orchestrator. notifier, pub and m may be nil.
func New(store db.Store, blobs storage.Gateway, engine vcs.Engine, branches *branch.Manager, cfg *config.Config, notifier Notifier, pub events.Publisher, m *metrics.Metrics) *Orchestrator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		store:       store,
		blobs:       blobs,
		engine:      engine,
		branches:    branches,
		notifier:    notifier,
		events:      pub,
		metrics:     m,
		log:         logging.Get().With("revision"),
		maxBytes:    cfg.Upload.MaxBytes,
		maxAttempts: cfg.Pipeline.MaxAttempts,
	}
}

// Commit validates an upload and commits it to its target branch of an
// existing source. On an owner_approval branch a non-owner's upload is
// parked as an approval record instead, and no sequence is consumed.
func (o *Orchestrator) Commit(ctx context.Context, workID, sourceID string, up Upload, actor models.Actor) (*Result, error) {
	if actor.Anonymous() {
		return nil, apperrors.Forbidden("uploading a revision requires an authenticated user")
	}
	format, err := DetectFormat(up.Filename, up.SourceType, up.Data, o.maxBytes)
	if err != nil {
		return nil, err
	}
	src, err := o.store.GetSource(ctx, workID, sourceID)
	if err != nil {
		return nil, err
	}
	if up.CreateBranch && up.BranchName == "" {
		return nil, apperrors.Validation("createBranch requires branchName")
	}

	raw, err := o.storeRaw(ctx, src, format, up.Data)
	if err != nil {
		return nil, err
	}
	cand := Candidate{
		Filename: up.Filename,
		Format:   format,
		Data:     up.Data,
		Raw:      raw,
		Message:  up.CommitMessage,
		Author:   actor.UserID,
	}

	target := up.TargetBranch
	var create *branch.CreateInput
	if up.CreateBranch {
		create = &branch.CreateInput{Name: up.BranchName, Policy: up.BranchPolicy, OwnerUserID: up.BranchOwner}
	}

	var (
		pending *models.ApprovalRecord
		rev     *models.SourceRevision
	)
	err = o.inTx(ctx, src, func(q db.Queries, c *commitTx) error {
		pending, rev = nil, nil
		b, err := o.resolveBranch(ctx, q, src, target, create, actor)
		if err != nil {
			return err
		}
		if b.Policy.RequiresApproval(actor, b) {
			pending, err = o.park(ctx, q, src, b, cand, actor)
			return err
		}
		rev, err = c.commit(ctx, q, b, cand)
		return err
	})
	if err != nil {
		o.metrics.Commit("error")
		return nil, err
	}

	if pending != nil {
		o.metrics.Commit("pending_approval")
		o.log.Info("upload awaiting approval", map[string]interface{}{
			"approval_id": pending.ID, "source_id": src.ID, "branch": pending.Branch, "submitted_by": actor.UserID,
		})
		o.events.Publish(events.EventRevisionPending, map[string]interface{}{
			"work_id": src.WorkID, "source_id": src.ID, "approval_id": pending.ID,
			"branch": pending.Branch, "owner_user_id": pending.OwnerUserID,
		})
		return &Result{
			WorkID: src.WorkID, SourceID: src.ID, Branch: pending.Branch,
			ApprovalID: pending.ID, Status: StatusPendingApproval,
		}, nil
	}

	o.committed(rev)
	return resultOf(rev), nil
}

// CreateSource creates a source under workID, ensuring the work exists,
// and commits the upload as its first revision on the default branch.
// The uploader owns the new source.
func (o *Orchestrator) CreateSource(ctx context.Context, workID string, up Upload, actor models.Actor) (*Result, error) {
	if actor.Anonymous() {
		return nil, apperrors.Forbidden("creating a source requires an authenticated user")
	}
	if workID == "" {
		return nil, apperrors.Validation("work id is required")
	}
	format, err := DetectFormat(up.Filename, up.SourceType, up.Data, o.maxBytes)
	if err != nil {
		return nil, err
	}
	if err := o.store.EnsureWork(ctx, workID, ""); err != nil {
		return nil, err
	}

	label := up.Label
	if label == "" {
		label = up.Filename
	}
	src := &models.Source{
		ID:                 uuid.New(),
		WorkID:             workID,
		Label:              label,
		Format:             format,
		OwnerUserID:        actor.UserID,
		License:            up.License,
		LicenseURL:         up.LicenseURL,
		LicenseAttribution: up.LicenseAttribution,
	}
	if existing, err := o.store.ListSources(ctx, workID); err == nil && len(existing) == 0 {
		src.IsPrimary = true
	}
	if err := o.store.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	o.log.Info("source created", map[string]interface{}{"work_id": workID, "source_id": src.ID, "owner": actor.UserID})

	up.TargetBranch, up.CreateBranch = "", false
	res, err := o.Commit(ctx, workID, src.ID, up, actor)
	if err != nil {
		// The source has no revision to keep it; drop the empty shell.
		if derr := o.store.DeleteSource(ctx, workID, src.ID); derr != nil {
			o.log.Error("failed to remove empty source", derr, map[string]interface{}{"source_id": src.ID})
		}
		return nil, err
	}
	return res, nil
}

// CommitCandidate commits an already stored payload to branchName. hook
// runs in the same transaction after the revision is persisted; its
// error rolls the commit back. Approvals use it to mark the record
// committed atomically with the revision.
func (o *Orchestrator) CommitCandidate(ctx context.Context, src *models.Source, branchName string, cand Candidate, hook func(q db.Queries, rev *models.SourceRevision) error) (*models.SourceRevision, error) {
	var rev *models.SourceRevision
	err := o.inTx(ctx, src, func(q db.Queries, c *commitTx) error {
		b, err := o.branches.ResolveForCommit(ctx, q, src, branchName)
		if err != nil {
			return err
		}
		if rev, err = c.commit(ctx, q, b, cand); err != nil {
			return err
		}
		if hook != nil {
			return hook(q, rev)
		}
		return nil
	})
	if err != nil {
		o.metrics.Commit("error")
		return nil, err
	}
	o.committed(rev)
	return rev, nil
}

func (o *Orchestrator) resolveBranch(ctx context.Context, q db.Queries, src *models.Source, target string, create *branch.CreateInput, actor models.Actor) (*models.Branch, error) {
	if create != nil {
		return o.branches.CreateIn(ctx, q, src.WorkID, src.ID, *create, actor)
	}
	return o.branches.ResolveForCommit(ctx, q, src, target)
}

// park stores a candidate for the branch owner's decision.
func (o *Orchestrator) park(ctx context.Context, q db.Queries, src *models.Source, b *models.Branch, cand Candidate, actor models.Actor) (*models.ApprovalRecord, error) {
	rec := &models.ApprovalRecord{
		ID:            uuid.NewOrdered(),
		WorkID:        src.WorkID,
		SourceID:      src.ID,
		Branch:        b.Name,
		OwnerUserID:   b.OwnerUserID,
		SubmittedBy:   actor.UserID,
		Filename:      cand.Filename,
		Format:        cand.Format,
		CommitMessage: cand.Message,
		Payload:       cand.Raw,
	}
	if err := q.CreateApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) storeRaw(ctx context.Context, src *models.Source, format string, data []byte) (*models.StorageLocator, error) {
	key := storage.ContentKey("works/"+src.WorkID+"/"+src.ID+"/raw", data, extension(format))
	return o.blobs.Put(ctx, key, data, contentType(format))
}

// committed runs the after-commit effects of a new revision.
func (o *Orchestrator) committed(rev *models.SourceRevision) {
	o.metrics.Commit("committed")
	if o.notifier != nil {
		o.notifier.Notify()
	}
	o.log.Info("revision committed", map[string]interface{}{
		"work_id": rev.WorkID, "source_id": rev.SourceID, "revision_id": rev.ID,
		"sequence": rev.SequenceNumber, "branch": rev.Branch, "artifact_id": rev.ArtifactID,
	})
	o.events.Publish(events.EventRevisionCommitted, map[string]interface{}{
		"work_id": rev.WorkID, "source_id": rev.SourceID, "revision_id": rev.ID,
		"sequence_number": rev.SequenceNumber, "branch": rev.Branch,
	})
}

func resultOf(rev *models.SourceRevision) *Result {
	return &Result{
		WorkID:         rev.WorkID,
		SourceID:       rev.SourceID,
		RevisionID:     rev.ID,
		SequenceNumber: rev.SequenceNumber,
		Branch:         rev.Branch,
		Status:         StatusCommitted,
	}
}

// =====================================================
// Transactional commit
// =====================================================

// commitTx tracks the engine side effect of one transaction so it can be
// undone when persistence fails.
type commitTx struct {
	o    *Orchestrator
	repo vcs.RepoRef

	branch   string
	parent   string
	artifact string
}

// inTx runs fn in a transaction and resets the engine branch when the
// engine commit succeeded but the transaction did not. A transaction that
// lost to a concurrent writer is run again from the start, up to
// maxSequenceAttempts times.
func (o *Orchestrator) inTx(ctx context.Context, src *models.Source, fn func(q db.Queries, c *commitTx) error) error {
	var err error
	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {
		c := &commitTx{o: o, repo: vcs.RepoRef{WorkID: src.WorkID, SourceID: src.ID}}
		err = o.store.WithTx(ctx, func(q db.Queries) error {
			return fn(q, c)
		})
		if err != nil && c.artifact != "" {
			c.compensate()
		}
		if err == nil || !db.IsContention(err) || attempt == maxSequenceAttempts {
			return err
		}
		o.metrics.SequenceRetry()
		o.log.Warn("commit lost to a concurrent writer, retrying", map[string]interface{}{
			"source_id": src.ID, "attempt": attempt,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (c *commitTx) compensate() {
	o := c.o
	o.metrics.Compensation()
	// The request context may already be done; the reset must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.engine.ResetBranch(ctx, c.repo, c.branch, c.artifact, c.parent); err != nil {
		o.log.Error("failed to reset engine branch after a failed commit", err, map[string]interface{}{
			"repo": c.repo.String(), "branch": c.branch, "artifact_id": c.artifact, "parent": c.parent,
		})
		return
	}
	o.log.Warn("engine commit compensated", map[string]interface{}{
		"repo": c.repo.String(), "branch": c.branch, "artifact_id": c.artifact,
	})
}

// commit performs the write steps of the commit path on q.
func (c *commitTx) commit(ctx context.Context, q db.Queries, b *models.Branch, cand Candidate) (*models.SourceRevision, error) {
	o := c.o
	src, err := q.GetSource(ctx, b.WorkID, b.SourceID)
	if err != nil {
		return nil, err
	}

	seq, err := q.AllocateSequence(ctx, src.ID)
	if err != nil {
		return nil, err
	}

	parentRev, fresh, err := o.parentOf(ctx, q, src, b)
	if err != nil {
		return nil, err
	}
	parent := ""
	if parentRev != nil {
		parent = parentRev.ArtifactID
	}
	if fresh && parent != "" {
		if err := o.engine.CreateBranch(ctx, c.repo, b.Name, parent); err != nil {
			return nil, err
		}
	}

	artifact, err := o.engine.Commit(ctx, c.repo, b.Name, parent,
		vcs.File{Name: cand.Filename, Data: cand.Data}, commitMessage(cand, seq), cand.Author)
	if err != nil {
		return nil, err
	}
	c.branch, c.parent, c.artifact = b.Name, parent, artifact

	rev := &models.SourceRevision{
		ID:             uuid.NewOrdered(),
		WorkID:         src.WorkID,
		SourceID:       src.ID,
		SequenceNumber: seq,
		Branch:         b.Name,
		ArtifactID:     artifact,
		Filename:       cand.Filename,
		Format:         cand.Format,
		Raw:            cand.Raw,
		Commit: models.CommitInfo{
			Actor:     cand.Author,
			Message:   cand.Message,
			Timestamp: time.Now().UTC(),
		},
		ApprovalID: cand.ApprovalID,
	}
	if parentRev != nil {
		rev.ParentRevisionID = parentRev.ID
	}
	if err := q.InsertRevision(ctx, rev); err != nil {
		return nil, err
	}
	if err := q.SetLatestRevision(ctx, src.ID, rev.ID); err != nil {
		return nil, err
	}
	if _, _, err := q.EnqueueJob(ctx, rev.ID, o.maxAttempts); err != nil {
		return nil, err
	}
	return rev, nil
}

// parentOf returns the revision a new commit on b descends from: the
// branch head, else the branch's base revision, else the default
// branch's head. fresh reports that the branch has no commits yet.
func (o *Orchestrator) parentOf(ctx context.Context, q db.Queries, src *models.Source, b *models.Branch) (*models.SourceRevision, bool, error) {
	head, err := q.BranchHead(ctx, src.ID, b.Name)
	if err == nil {
		return head, false, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	if b.BaseRevisionID != "" {
		base, err := q.GetRevision(ctx, b.BaseRevisionID)
		if err != nil {
			return nil, false, err
		}
		return base, true, nil
	}
	def := src.DefaultBranchOrTrunk()
	if b.Name == def {
		return nil, true, nil
	}
	head, err = q.BranchHead(ctx, src.ID, def)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, true, nil
	}
	return head, true, err
}

func commitMessage(c Candidate, seq int64) string {
	if c.Message != "" {
		return c.Message
	}
	return fmt.Sprintf("Revision %d: %s", seq, c.Filename)
}
