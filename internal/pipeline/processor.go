// Package pipeline turns each committed revision into its derivative
// artifacts: canonical MusicXML, linearized text, a normalized archive,
// a rendered PDF with thumbnail, and the diff against the previous
// revision on the same branch.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/convert"
	"github.com/ourtextscores/scorecore/internal/db"
	"github.com/ourtextscores/scorecore/internal/diff"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/events"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/musicxml"
	"github.com/ourtextscores/scorecore/internal/storage"
)

// hardError marks failures of the storage gateway or the database. They
// abort the run so the job can be retried; everything else becomes a
// validation issue on the revision.
type hardError struct{ err error }

func (e *hardError) Error() string { return e.err.Error() }
func (e *hardError) Unwrap() error { return e.err }

func hard(err error) error {
	if err == nil {
		return nil
	}
	return &hardError{err: err}
}

// IsHard reports whether err aborted a run.
func IsHard(err error) bool {
	var h *hardError
	return stderrors.As(err, &h)
}

// ErrDeferred is returned by Process when the diff stages had to wait
// for the previous revision on the branch, which has not been processed
// yet. The revision's validation is recorded; the job runs again later.
var ErrDeferred = stderrors.New("previous revision on the branch is not processed yet")

// errAwaiting marks a diff stage that cannot run yet.
var errAwaiting = stderrors.New("awaiting previous revision")

// artifact is the output of one stage.
type artifact struct {
	data        []byte
	ext         string
	contentType string
}

// run carries the intermediate products of one revision's processing.
type run struct {
	rev       *models.SourceRevision
	doc       *musicxml.Document
	canonical []byte
	pdf       []byte
	prev      *models.SourceRevision
	prevDone  bool
	deferred  bool
	issues    []models.Issue
}

type stage struct {
	slot  models.Slot
	name  string
	build func(ctx context.Context, r *run) (*artifact, error)
}

// Processor runs the stages for one revision at a time.
type Processor struct {
	store      db.Store
	blobs      storage.Gateway
	runner     *convert.Runner
	converters config.ConvertersConfig
	thumbMax   int
	attempts   int
	events     events.Publisher
	metrics    *metrics.Metrics
	log        *logging.Logger

	stages []stage
}

// NewProcessor wires a processor. pub and m may be nil.
func NewProcessor(store db.Store, blobs storage.Gateway, runner *convert.Runner, cfg *config.Config, pub events.Publisher, m *metrics.Metrics) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	p := &Processor{
		store:      store,
		blobs:      blobs,
		runner:     runner,
		converters: cfg.Converters,
		thumbMax:   cfg.Thumbnail.MaxDimension,
		attempts:   cfg.Pipeline.MaxAttempts,
		events:     pub,
		metrics:    m,
		log:        logging.Get().With("pipeline"),
	}
	p.stages = []stage{
		{models.SlotLinearizedXML, "linearized", p.buildLinearized},
		{models.SlotNormalizedArchive, "archive", p.buildArchive},
		{models.SlotPDF, "pdf", p.buildPDF},
		{models.SlotThumbnail, "thumbnail", p.buildThumbnail},
		{models.SlotDiffReport, "diff_report", p.buildDiffReport},
		{models.SlotDiffPDF, "diff_pdf", p.buildDiffPDF},
	}
	return p
}

// Process generates every missing derivative of a revision and records
// its validation. Populated slots are skipped, so a fully processed
// revision causes no storage writes. A hard error leaves the validation
// untouched and the caller retries. ErrDeferred means the validation was
// recorded but the diff slots still wait for the previous revision.
func (p *Processor) Process(ctx context.Context, revisionID string) (*models.SourceRevision, error) {
	rev, err := p.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, hard(err)
	}
	r := &run{rev: rev, issues: []models.Issue{}}
	p.publish(events.EventPipelineStarted, rev, nil)

	canonical := stage{models.SlotCanonicalXML, "canonical", p.buildCanonical}
	if err := p.runStage(ctx, r, canonical); err != nil {
		return nil, err
	}
	if rev.Derivatives.Has(models.SlotCanonicalXML) {
		for _, s := range p.stages {
			if err := p.runStage(ctx, r, s); err != nil {
				return nil, err
			}
		}
	}

	status := models.ValidationFailed
	if rev.Derivatives.Has(models.SlotCanonicalXML) {
		status = models.ValidationPassed
	}
	v := models.Validation{Status: status, Issues: r.issues}
	if err := p.store.SetValidation(ctx, rev.ID, v); err != nil {
		return nil, hard(err)
	}
	rev.Validation = v

	p.log.Info("revision processed", map[string]interface{}{
		"revision_id": rev.ID, "sequence": rev.SequenceNumber, "status": string(status), "issues": len(r.issues),
	})
	p.publish(events.EventPipelineCompleted, rev, map[string]interface{}{
		"status": string(status), "issues": r.issues, "formats": rev.Derivatives.Populated(),
	})

	if err := p.requeueNext(ctx, rev); err != nil {
		return nil, hard(err)
	}
	if r.deferred {
		return rev, ErrDeferred
	}
	return rev, nil
}

// requeueNext queues the following revision on the branch when its diff
// report is still missing, so a successor processed before this revision
// gets its diff once this one is done.
func (p *Processor) requeueNext(ctx context.Context, rev *models.SourceRevision) error {
	next, err := p.store.NextOnBranch(ctx, rev.SourceID, rev.Branch, rev.SequenceNumber)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if next.Derivatives.Has(models.SlotDiffReport) {
		return nil
	}
	job, created, err := p.store.EnqueueJob(ctx, next.ID, p.attempts)
	if err != nil {
		return err
	}
	if created {
		p.log.Debug("successor queued for its diff", map[string]interface{}{
			"revision_id": next.ID, "job_id": job.ID, "after": rev.ID,
		})
	}
	return nil
}

func (p *Processor) runStage(ctx context.Context, r *run, s stage) error {
	if r.rev.Derivatives.Has(s.slot) {
		p.metrics.Stage(s.name, "skipped", 0)
		return nil
	}

	start := time.Now()
	art, err := s.build(ctx, r)
	elapsed := time.Since(start)
	switch {
	case err != nil && IsHard(err):
		p.metrics.Stage(s.name, "error", elapsed)
		return err
	case err != nil && ctx.Err() != nil:
		// The job was cancelled, not the stage at fault.
		p.metrics.Stage(s.name, "error", elapsed)
		return hard(err)
	case stderrors.Is(err, errAwaiting):
		p.metrics.Stage(s.name, "deferred", elapsed)
		r.deferred = true
		return nil
	case err != nil && s.slot != models.SlotCanonicalXML && stderrors.Is(err, convert.ErrDisabled):
		// An unconfigured tool leaves its slot empty without an issue.
		p.metrics.Stage(s.name, "disabled", elapsed)
		return nil
	case err != nil:
		if apperrors.Is(err, apperrors.ErrConverterTimeout) {
			p.metrics.ConverterTimeout(s.name)
		}
		p.metrics.Stage(s.name, "failed", elapsed)
		r.issues = append(r.issues, models.Issue{
			Stage:   s.name,
			Message: err.Error(),
			Hard:    s.slot == models.SlotCanonicalXML,
		})
		p.log.Warn("pipeline stage failed", map[string]interface{}{
			"revision_id": r.rev.ID, "stage": s.name, "error": err.Error(),
		})
		p.publish(events.EventPipelineStage, r.rev, map[string]interface{}{"stage": s.name, "outcome": "failed", "error": err.Error()})
		return nil
	case art == nil:
		p.metrics.Stage(s.name, "not_applicable", elapsed)
		return nil
	}

	key := storage.ContentKey(path(r.rev), art.data, art.ext)
	loc, err := p.blobs.Put(ctx, key, art.data, art.contentType)
	if err != nil {
		p.metrics.Stage(s.name, "error", elapsed)
		return hard(err)
	}
	filled, err := p.store.FillDerivative(ctx, r.rev.ID, s.slot, loc)
	if err != nil {
		return hard(err)
	}
	if !filled {
		// Another worker populated the slot first; adopt its locator.
		fresh, err := p.store.GetRevision(ctx, r.rev.ID)
		if err != nil {
			return hard(err)
		}
		loc = fresh.Derivatives.Get(s.slot)
	}
	_ = r.rev.Derivatives.Set(s.slot, loc)

	p.metrics.Stage(s.name, "ok", time.Since(start))
	p.publish(events.EventPipelineStage, r.rev, map[string]interface{}{"stage": s.name, "outcome": "ok"})
	return nil
}

func path(rev *models.SourceRevision) string {
	return "works/" + rev.WorkID + "/" + rev.SourceID + "/derivatives"
}

func (p *Processor) publish(eventType string, rev *models.SourceRevision, extra map[string]interface{}) {
	data := map[string]interface{}{
		"work_id":         rev.WorkID,
		"source_id":       rev.SourceID,
		"revision_id":     rev.ID,
		"sequence_number": rev.SequenceNumber,
	}
	for k, v := range extra {
		data[k] = v
	}
	p.events.Publish(eventType, data)
}

func (p *Processor) read(ctx context.Context, loc *models.StorageLocator) ([]byte, error) {
	if loc.Empty() {
		return nil, fmt.Errorf("artifact is missing")
	}
	data, err := p.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
	return data, hard(err)
}

// =====================================================
// Stages
// =====================================================

func isMuseScore(format string) bool {
	return format == "mscz" || format == "mscx"
}

func (p *Processor) buildCanonical(ctx context.Context, r *run) (*artifact, error) {
	raw, err := p.read(ctx, r.rev.Raw)
	if err != nil {
		return nil, err
	}
	name := r.rev.Filename
	if isMuseScore(r.rev.Format) {
		raw, err = p.runner.Convert(ctx, "importer", p.converters.Importer,
			[]convert.Input{{Placeholder: "in", Data: raw, Ext: "." + r.rev.Format}}, ".musicxml")
		if err != nil {
			return nil, fmt.Errorf("importing %s: %w", r.rev.Format, err)
		}
		name = "import.musicxml"
	}
	doc, err := musicxml.Parse(raw, name)
	if err != nil {
		return nil, err
	}
	r.doc = doc
	r.canonical = doc.Canonical()
	return &artifact{data: r.canonical, ext: ".musicxml", contentType: "application/vnd.recordare.musicxml+xml"}, nil
}

// document returns the parsed canonical score, loading it when an
// earlier run produced it.
func (p *Processor) document(ctx context.Context, r *run) (*musicxml.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	data, err := p.canonicalBytes(ctx, r)
	if err != nil {
		return nil, err
	}
	doc, err := musicxml.ParseXML(data)
	if err != nil {
		return nil, fmt.Errorf("stored canonical score is unreadable: %w", err)
	}
	r.doc = doc
	return doc, nil
}

func (p *Processor) canonicalBytes(ctx context.Context, r *run) ([]byte, error) {
	if r.canonical == nil {
		data, err := p.read(ctx, r.rev.Derivatives.Get(models.SlotCanonicalXML))
		if err != nil {
			return nil, err
		}
		r.canonical = data
	}
	return r.canonical, nil
}

func (p *Processor) buildLinearized(ctx context.Context, r *run) (*artifact, error) {
	doc, err := p.document(ctx, r)
	if err != nil {
		return nil, err
	}
	return &artifact{data: doc.Linearize(), ext: ".txt", contentType: "text/plain; charset=utf-8"}, nil
}

func (p *Processor) buildArchive(ctx context.Context, r *run) (*artifact, error) {
	doc, err := p.document(ctx, r)
	if err != nil {
		return nil, err
	}
	data, err := doc.Archive()
	if err != nil {
		return nil, err
	}
	return &artifact{data: data, ext: ".mxl", contentType: musicxml.ArchiveMediaType}, nil
}

func (p *Processor) buildPDF(ctx context.Context, r *run) (*artifact, error) {
	canonical, err := p.canonicalBytes(ctx, r)
	if err != nil {
		return nil, err
	}
	pdf, err := p.runner.Convert(ctx, "renderer", p.converters.Renderer,
		[]convert.Input{{Placeholder: "in", Data: canonical, Ext: ".musicxml"}}, ".pdf")
	if err != nil {
		return nil, err
	}
	if _, err := pageCount(pdf); err != nil {
		return nil, err
	}
	r.pdf = pdf
	return &artifact{data: pdf, ext: ".pdf", contentType: "application/pdf"}, nil
}

// buildThumbnail runs only once the PDF exists; a failed PDF stage has
// already recorded its issue.
func (p *Processor) buildThumbnail(ctx context.Context, r *run) (*artifact, error) {
	if r.pdf == nil {
		if !r.rev.Derivatives.Has(models.SlotPDF) {
			return nil, nil
		}
		data, err := p.read(ctx, r.rev.Derivatives.Get(models.SlotPDF))
		if err != nil {
			return nil, err
		}
		r.pdf = data
	}
	page, err := p.runner.Convert(ctx, "rasterizer", p.converters.Rasterizer,
		[]convert.Input{{Placeholder: "in", Data: r.pdf, Ext: ".pdf"}}, ".png")
	if err != nil {
		return nil, err
	}
	png, err := thumbnail(page, p.thumbMax)
	if err != nil {
		return nil, err
	}
	return &artifact{data: png, ext: ".png", contentType: "image/png"}, nil
}

// previous finds the revision directly before this one on its branch.
func (p *Processor) previous(ctx context.Context, r *run) (*models.SourceRevision, error) {
	if r.prevDone {
		return r.prev, nil
	}
	prev, err := p.store.PreviousOnBranch(ctx, r.rev.SourceID, r.rev.Branch, r.rev.SequenceNumber)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, hard(err)
	}
	r.prev, r.prevDone = prev, true
	return prev, nil
}

func (p *Processor) previousCanonical(ctx context.Context, r *run) ([]byte, *models.SourceRevision, error) {
	prev, err := p.previous(ctx, r)
	if err != nil || prev == nil {
		return nil, nil, err
	}
	loc := prev.Derivatives.Get(models.SlotCanonicalXML)
	if loc.Empty() {
		if prev.Validation.Status == models.ValidationPending {
			return nil, nil, errAwaiting
		}
		return nil, nil, fmt.Errorf("previous revision %d has no canonical score", prev.SequenceNumber)
	}
	data, err := p.read(ctx, loc)
	return data, prev, err
}

func (p *Processor) buildDiffReport(ctx context.Context, r *run) (*artifact, error) {
	before, prev, err := p.previousCanonical(ctx, r)
	if err != nil || prev == nil {
		return nil, err
	}
	after, err := p.canonicalBytes(ctx, r)
	if err != nil {
		return nil, err
	}
	report, err := diff.Build(ctx, before, after,
		fmt.Sprintf("r%d", prev.SequenceNumber), fmt.Sprintf("r%d", r.rev.SequenceNumber))
	if err != nil {
		return nil, err
	}
	data, err := report.Encode()
	if err != nil {
		return nil, err
	}
	return &artifact{data: data, ext: ".json", contentType: "application/json"}, nil
}

// buildDiffPDF is skipped without an issue when no visual diff tool is
// configured.
func (p *Processor) buildDiffPDF(ctx context.Context, r *run) (*artifact, error) {
	if len(p.converters.VisualDiff) == 0 {
		return nil, nil
	}
	before, prev, err := p.previousCanonical(ctx, r)
	if err != nil || prev == nil {
		return nil, err
	}
	after, err := p.canonicalBytes(ctx, r)
	if err != nil {
		return nil, err
	}
	pdf, err := p.runner.Convert(ctx, "visual-diff", p.converters.VisualDiff, []convert.Input{
		{Placeholder: "in_a", Data: before, Ext: ".musicxml"},
		{Placeholder: "in_b", Data: after, Ext: ".musicxml"},
	}, ".pdf")
	if err != nil {
		return nil, err
	}
	if _, err := pageCount(pdf); err != nil {
		return nil, err
	}
	return &artifact{data: pdf, ext: ".pdf", contentType: "application/pdf"}, nil
}
