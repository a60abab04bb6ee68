package diff

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/convert"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/storage"
	"github.com/ourtextscores/scorecore/internal/vcs"
)

// File selects the artifact compared by TextDiff.
type File string

const (
	FileLinearized File = "linearized"
	FileCanonical  File = "canonical"
	FileManifest   File = "manifest"
	// FileRaw diffs the committed payloads through the engine.
	FileRaw File = "raw"
)

// ParseFile validates a textdiff file selector.
func ParseFile(s string) (File, error) {
	switch f := File(s); f {
	case FileLinearized, FileCanonical, FileManifest, FileRaw:
		return f, nil
	}
	return "", apperrors.Validation("unknown diff file %q", s)
}

// Format selects the rendering of a semantic diff.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat validates a musicdiff format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText, FormatHTML, FormatPDF:
		return f, nil
	}
	return "", apperrors.Validation("unknown diff format %q", s)
}

// RevisionReader is the persistence the diff service reads from.
type RevisionReader interface {
	GetRevision(ctx context.Context, id string) (*models.SourceRevision, error)
	GetRevisionBySequence(ctx context.Context, sourceID string, seq int64) (*models.SourceRevision, error)
	PreviousOnBranch(ctx context.Context, sourceID, branch string, seq int64) (*models.SourceRevision, error)
}

// Result is a rendered semantic diff.
type Result struct {
	Report      *Report
	Body        []byte
	ContentType string
	// Cached is set when the stored sequential derivative was served.
	Cached bool
}

// Service answers diff requests between revisions of one source.
type Service struct {
	revisions RevisionReader
	blobs     storage.Gateway
	engine    vcs.Engine
	runner    *convert.Runner
	visual    []string
	cfg       config.DiffConfig
	log       *logging.Logger
}

// NewService creates a diff service. visual is the visual diff command
// template; empty disables PDF output for ad hoc pairs.
func NewService(revisions RevisionReader, blobs storage.Gateway, engine vcs.Engine, runner *convert.Runner, visual []string, cfg config.DiffConfig) *Service {
	return &Service{
		revisions: revisions,
		blobs:     blobs,
		engine:    engine,
		runner:    runner,
		visual:    visual,
		cfg:       cfg,
		log:       logging.Get().With("diff"),
	}
}

// Resolve finds a revision of the source by id or by sequence number.
func (s *Service) Resolve(ctx context.Context, workID, sourceID, ref string) (*models.SourceRevision, error) {
	if ref == "" {
		return nil, apperrors.Validation("revision reference is required")
	}
	var (
		rev *models.SourceRevision
		err error
	)
	if seq, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		rev, err = s.revisions.GetRevisionBySequence(ctx, sourceID, seq)
	} else {
		rev, err = s.revisions.GetRevision(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if rev.WorkID != workID || rev.SourceID != sourceID {
		return nil, apperrors.NotFound("revision %s not found in source %s", ref, sourceID)
	}
	return rev, nil
}

// TextDiff returns a unified diff of one text artifact of two revisions.
func (s *Service) TextDiff(ctx context.Context, workID, sourceID, refA, refB string, file File) (string, error) {
	a, b, err := s.pair(ctx, workID, sourceID, refA, refB)
	if err != nil {
		return "", err
	}
	labelA, labelB := label(a), label(b)

	switch file {
	case FileRaw:
		out, err := s.engine.Diff(ctx, vcs.RepoRef{WorkID: workID, SourceID: sourceID}, a.ArtifactID, b.ArtifactID)
		if err != nil {
			return "", err
		}
		return out, nil
	case FileManifest:
		ma, err := Manifest(a)
		if err != nil {
			return "", err
		}
		mb, err := Manifest(b)
		if err != nil {
			return "", err
		}
		return Unified(ma, mb, labelA+"/manifest.json", labelB+"/manifest.json")
	}

	slot := models.SlotLinearizedXML
	if file == FileCanonical {
		slot = models.SlotCanonicalXML
	}
	da, err := s.derivative(ctx, a, slot)
	if err != nil {
		return "", err
	}
	db, err := s.derivative(ctx, b, slot)
	if err != nil {
		return "", err
	}
	return Unified(da, db, labelA+"/"+string(file), labelB+"/"+string(file))
}

// SemanticDiff compares two revisions structurally. A sequential pair
// (b directly follows a on one branch) is served from b's stored
// derivatives when they exist; other pairs are computed on demand within
// diff.timeout and are never persisted.
func (s *Service) SemanticDiff(ctx context.Context, workID, sourceID, refA, refB string, format Format) (*Result, error) {
	a, b, err := s.pair(ctx, workID, sourceID, refA, refB)
	if err != nil {
		return nil, err
	}

	if s.sequential(ctx, a, b) {
		res, err := s.cached(ctx, b, format)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	distance := a.SequenceNumber - b.SequenceNumber
	if distance < 0 {
		distance = -distance
	}
	if distance > int64(s.cfg.MaxDistance) {
		return nil, apperrors.Validation("revisions %d and %d are %d apart; at most %d allowed",
			a.SequenceNumber, b.SequenceNumber, distance, s.cfg.MaxDistance)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ca, err := s.derivative(ctx, a, models.SlotCanonicalXML)
	if err != nil {
		return nil, err
	}
	cb, err := s.derivative(ctx, b, models.SlotCanonicalXML)
	if err != nil {
		return nil, err
	}

	if format == FormatPDF {
		pdf, err := s.Visual(ctx, ca, cb)
		if err != nil {
			return nil, err
		}
		return &Result{Body: pdf, ContentType: "application/pdf"}, nil
	}

	report, err := s.compareWithin(ctx, ca, cb, label(a), label(b))
	if err != nil {
		return nil, err
	}
	return render(report, format, false)
}

// Visual renders the marked-up PDF of two canonical documents with the
// configured visual diff tool.
func (s *Service) Visual(ctx context.Context, a, b []byte) ([]byte, error) {
	pdf, err := s.runner.Convert(ctx, "visual-diff", s.visual, []convert.Input{
		{Placeholder: "in_a", Data: a, Ext: ".musicxml"},
		{Placeholder: "in_b", Data: b, Ext: ".musicxml"},
	}, ".pdf")
	if stderrors.Is(err, convert.ErrDisabled) {
		return nil, apperrors.Validation("pdf diff output is not available: no visual diff tool configured")
	}
	return pdf, err
}

// compareWithin builds the structural report, stopping when ctx ends.
func (s *Service) compareWithin(ctx context.Context, a, b []byte, from, to string) (*Report, error) {
	r, err := Build(ctx, a, b, from, to)
	switch {
	case err == nil:
		return r, nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return nil, apperrors.Newf(apperrors.ErrConverterTimeout, "diff exceeded %s", s.cfg.Timeout)
	case stderrors.Is(err, context.Canceled):
		return nil, err
	default:
		return nil, apperrors.Wrap(apperrors.ErrPipelineStage, "structural diff failed", err)
	}
}

func (s *Service) pair(ctx context.Context, workID, sourceID, refA, refB string) (*models.SourceRevision, *models.SourceRevision, error) {
	a, err := s.Resolve(ctx, workID, sourceID, refA)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.Resolve(ctx, workID, sourceID, refB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (s *Service) sequential(ctx context.Context, a, b *models.SourceRevision) bool {
	if a.Branch != b.Branch {
		return false
	}
	prev, err := s.revisions.PreviousOnBranch(ctx, b.SourceID, b.Branch, b.SequenceNumber)
	if err != nil {
		return false
	}
	return prev.ID == a.ID
}

// cached serves a sequential pair from stored derivatives. It returns nil
// when the needed slot is still empty.
func (s *Service) cached(ctx context.Context, b *models.SourceRevision, format Format) (*Result, error) {
	if format == FormatPDF {
		loc := b.Derivatives.Get(models.SlotDiffPDF)
		if loc.Empty() {
			return nil, nil
		}
		data, err := s.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
		if err != nil {
			return nil, err
		}
		return &Result{Body: data, ContentType: "application/pdf", Cached: true}, nil
	}

	loc := b.Derivatives.Get(models.SlotDiffReport)
	if loc.Empty() {
		return nil, nil
	}
	data, err := s.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
	if err != nil {
		return nil, err
	}
	report, err := DecodeReport(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "stored diff report is unreadable", err)
	}
	return render(report, format, true)
}

func render(report *Report, format Format, cached bool) (*Result, error) {
	res := &Result{Report: report, Cached: cached}
	switch format {
	case FormatText:
		res.Body, res.ContentType = report.Text(), "text/markdown; charset=utf-8"
	case FormatHTML:
		html, err := report.HTML()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "rendering diff report", err)
		}
		res.Body, res.ContentType = html, "text/html; charset=utf-8"
	default:
		body, err := report.Encode()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "encoding diff report", err)
		}
		res.Body, res.ContentType = body, "application/json"
	}
	return res, nil
}

func (s *Service) derivative(ctx context.Context, rev *models.SourceRevision, slot models.Slot) ([]byte, error) {
	loc := rev.Derivatives.Get(slot)
	if loc.Empty() {
		return nil, apperrors.Conflict("revision %d has no %s yet (validation %s)",
			rev.SequenceNumber, slot, rev.Validation.Status)
	}
	return s.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
}

func label(rev *models.SourceRevision) string {
	return fmt.Sprintf("r%d", rev.SequenceNumber)
}

type manifestEntry struct {
	Slot        models.Slot `json:"slot"`
	Checksum    string      `json:"checksum"`
	SizeBytes   int64       `json:"sizeBytes"`
	ContentType string      `json:"contentType"`
}

// Manifest lists a revision's stored artifacts deterministically, one
// field per line.
func Manifest(rev *models.SourceRevision) ([]byte, error) {
	m := struct {
		SequenceNumber int64           `json:"sequenceNumber"`
		Branch         string          `json:"branch"`
		Filename       string          `json:"filename"`
		Validation     string          `json:"validation"`
		CommittedAt    string          `json:"committedAt"`
		Raw            *manifestEntry  `json:"raw,omitempty"`
		Derivatives    []manifestEntry `json:"derivatives"`
	}{
		SequenceNumber: rev.SequenceNumber,
		Branch:         rev.Branch,
		Filename:       rev.Filename,
		Validation:     string(rev.Validation.Status),
		CommittedAt:    rev.Commit.Timestamp.UTC().Format(time.RFC3339),
		Derivatives:    []manifestEntry{},
	}
	if !rev.Raw.Empty() {
		m.Raw = &manifestEntry{Slot: "raw", Checksum: rev.Raw.Checksum, SizeBytes: rev.Raw.SizeBytes, ContentType: rev.Raw.ContentType}
	}
	for _, slot := range rev.Derivatives.Populated() {
		loc := rev.Derivatives.Get(slot)
		m.Derivatives = append(m.Derivatives, manifestEntry{
			Slot: slot, Checksum: loc.Checksum, SizeBytes: loc.SizeBytes, ContentType: loc.ContentType,
		})
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encoding manifest", err)
	}
	return append(out, '\n'), nil
}
