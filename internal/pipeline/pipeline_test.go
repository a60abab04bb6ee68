//go:build !windows

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/convert"
	"github.com/ourtextscores/scorecore/internal/db"
	"github.com/ourtextscores/scorecore/internal/diff"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/musicxml/fixture"
	"github.com/ourtextscores/scorecore/internal/storage"
	"github.com/ourtextscores/scorecore/internal/uuid"
)

// onePagePDF builds a minimal PDF with a correct cross-reference table.
func onePagePDF() []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func pagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type env struct {
	repo  *db.Repository
	blobs *storage.MemoryStore
	cfg   *config.Config
	src   *models.Source
	proc  *Processor
}

// newEnv wires a processor whose converters copy prepared files.
func newEnv(t *testing.T, mutate func(*config.Config, string)) *env {
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

	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "render.pdf")
	pngPath := filepath.Join(dir, "page.png")
	if err := os.WriteFile(pdfPath, onePagePDF(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pngPath, pagePNG(t, 800, 600), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Converters.Importer = []string{"cp", "{in}", "{out}"}
	cfg.Converters.Renderer = []string{"cp", pdfPath, "{out}"}
	cfg.Converters.Rasterizer = []string{"cp", pngPath, "{out}"}
	cfg.Converters.VisualDiff = nil
	cfg.Pipeline.MaxAttempts = 2
	if mutate != nil {
		mutate(cfg, dir)
	}

	ctx := context.Background()
	if err := repo.EnsureWork(ctx, "work-1", "Prelude"); err != nil {
		t.Fatal(err)
	}
	src := &models.Source{ID: uuid.New(), WorkID: "work-1", Label: "Full score", Format: "musicxml", OwnerUserID: "owner"}
	if err := repo.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	blobs := storage.NewMemoryStore("scores")
	runner := convert.NewRunner(10*time.Second, t.TempDir())
	return &env{
		repo:  repo,
		blobs: blobs,
		cfg:   cfg,
		src:   src,
		proc:  NewProcessor(repo, blobs, runner, cfg, nil, nil),
	}
}

// commit stores raw and records a revision with a queued job.
func (e *env) commit(t *testing.T, branch, filename, format string, raw []byte) *models.SourceRevision {
	t.Helper()
	ctx := context.Background()
	loc, err := e.blobs.Put(ctx, storage.ContentKey("raw", raw, filepath.Ext(filename)), raw, "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	var rev *models.SourceRevision
	err = e.repo.WithTx(ctx, func(q db.Queries) error {
		seq, err := q.AllocateSequence(ctx, e.src.ID)
		if err != nil {
			return err
		}
		rev = &models.SourceRevision{
			ID: uuid.NewOrdered(), WorkID: e.src.WorkID, SourceID: e.src.ID, SequenceNumber: seq,
			Branch: branch, ArtifactID: fmt.Sprintf("c%d", seq), Filename: filename, Format: format,
			Raw:    loc,
			Commit: models.CommitInfo{Actor: "owner", Timestamp: time.Now()},
		}
		if err := q.InsertRevision(ctx, rev); err != nil {
			return err
		}
		_, _, err = q.EnqueueJob(ctx, rev.ID, e.cfg.Pipeline.MaxAttempts)
		return err
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return rev
}

func (e *env) reload(t *testing.T, id string) *models.SourceRevision {
	t.Helper()
	rev, err := e.repo.GetRevision(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rev
}

// =====================================================
// Processor Tests
// =====================================================

func TestProcess_GeneratesDerivatives(t *testing.T) {
	e := newEnv(t, nil)
	rev := e.commit(t, "trunk", "prelude.musicxml", "musicxml", fixture.Score("Prelude", "C4", "D4", "E4", "F4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if got.Validation.Status != models.ValidationPassed {
		t.Fatalf("status = %s, issues %v", got.Validation.Status, got.Validation.Issues)
	}
	if len(got.Validation.Issues) != 0 {
		t.Errorf("unexpected issues: %v", got.Validation.Issues)
	}

	stored := e.reload(t, rev.ID)
	for _, slot := range []models.Slot{models.SlotCanonicalXML, models.SlotLinearizedXML,
		models.SlotNormalizedArchive, models.SlotPDF, models.SlotThumbnail} {
		if !stored.Derivatives.Has(slot) {
			t.Errorf("slot %s not populated", slot)
		}
	}
	if stored.Derivatives.Has(models.SlotDiffReport) {
		t.Error("the first revision on a branch has nothing to diff against")
	}
	if stored.Validation.Status != models.ValidationPassed {
		t.Errorf("persisted status = %s", stored.Validation.Status)
	}

	loc := stored.Derivatives.Get(models.SlotThumbnail)
	data, err := e.blobs.Get(context.Background(), loc.Bucket, loc.ObjectKey)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("thumbnail is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("thumbnail is %dx%d, want 400x300", b.Dx(), b.Dy())
	}

	lin := stored.Derivatives.Get(models.SlotLinearizedXML)
	text, _ := e.blobs.Get(context.Background(), lin.Bucket, lin.ObjectKey)
	if !bytes.Contains(text, []byte("m1 s1 v1: C4/quarter D4/quarter E4/quarter F4/quarter")) {
		t.Errorf("linearized text missing events:\n%s", text)
	}
}

func TestProcess_SecondRunWritesNothing(t *testing.T) {
	e := newEnv(t, nil)
	rev := e.commit(t, "trunk", "prelude.musicxml", "musicxml", fixture.Score("Prelude", "C4", "D4", "E4", "F4"))
	ctx := context.Background()

	if _, err := e.proc.Process(ctx, rev.ID); err != nil {
		t.Fatal(err)
	}
	before := e.blobs.Writes()
	first := e.reload(t, rev.ID)

	if _, err := e.proc.Process(ctx, rev.ID); err != nil {
		t.Fatal(err)
	}
	if after := e.blobs.Writes(); after != before {
		t.Errorf("second run wrote %d blobs", after-before)
	}
	second := e.reload(t, rev.ID)
	if first.Derivatives.Get(models.SlotPDF).ObjectKey != second.Derivatives.Get(models.SlotPDF).ObjectKey {
		t.Error("pdf locator changed on rerun")
	}
}

func TestProcess_DiffAgainstPreviousOnBranch(t *testing.T) {
	e := newEnv(t, func(c *config.Config, dir string) {
		c.Converters.VisualDiff = []string{"cp", filepath.Join(dir, "render.pdf"), "{out}"}
	})
	ctx := context.Background()

	r1 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4", "D4", "E4", "F4"))
	other := e.commit(t, "edits", "p.musicxml", "musicxml", fixture.Score("Prelude", "A4", "A4", "A4", "A4"))
	r2 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4", "D4", "E4", "G4"))
	for _, id := range []string{r1.ID, other.ID, r2.ID} {
		if _, err := e.proc.Process(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	stored := e.reload(t, r2.ID)
	if !stored.Derivatives.Has(models.SlotDiffPDF) {
		t.Error("visual diff not produced")
	}
	loc := stored.Derivatives.Get(models.SlotDiffReport)
	if loc.Empty() {
		t.Fatal("diff report not produced")
	}
	data, _ := e.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
	report, err := diff.DecodeReport(data)
	if err != nil {
		t.Fatal(err)
	}
	// The diff skips revision 2, which is on another branch.
	if report.From != "r1" || report.To != "r3" {
		t.Errorf("report compares %s to %s", report.From, report.To)
	}
	if report.DeltaCount != 1 || report.Deltas[0].Kind != diff.Modify {
		t.Errorf("deltas = %+v", report.Deltas)
	}
}

func TestProcess_DiffWaitsForUnprocessedPredecessor(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	r1 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4", "D4"))
	r2 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4", "E4"))

	got, err := e.proc.Process(ctx, r2.ID)
	if !errors.Is(err, ErrDeferred) || IsHard(err) {
		t.Fatalf("Process(r2) error = %v, want ErrDeferred", err)
	}
	if got.Validation.Status != models.ValidationPassed || len(got.Validation.Issues) != 0 {
		t.Errorf("validation = %+v", got.Validation)
	}
	if e.reload(t, r2.ID).Derivatives.Has(models.SlotDiffReport) {
		t.Fatal("diff report built before the previous revision was processed")
	}

	if _, err := e.proc.Process(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.proc.Process(ctx, r2.ID); err != nil {
		t.Fatalf("Process(r2) after r1 = %v", err)
	}

	stored := e.reload(t, r2.ID)
	loc := stored.Derivatives.Get(models.SlotDiffReport)
	if loc.Empty() {
		t.Fatal("diff report not produced on rerun")
	}
	data, _ := e.blobs.Get(ctx, loc.Bucket, loc.ObjectKey)
	report, err := diff.DecodeReport(data)
	if err != nil {
		t.Fatal(err)
	}
	if report.From != "r1" || report.To != "r2" || report.DeltaCount != 1 {
		t.Errorf("report = %s..%s with %d deltas", report.From, report.To, report.DeltaCount)
	}
	if len(stored.Validation.Issues) != 0 {
		t.Errorf("issues = %+v", stored.Validation.Issues)
	}
}

func TestProcess_UnparseableScoreFailsValidation(t *testing.T) {
	e := newEnv(t, nil)
	rev := e.commit(t, "trunk", "broken.musicxml", "musicxml", []byte("<score-partwise><part>"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("a bad score is not a hard error: %v", err)
	}
	if got.Validation.Status != models.ValidationFailed {
		t.Errorf("status = %s", got.Validation.Status)
	}
	if len(got.Validation.Issues) != 1 || got.Validation.Issues[0].Stage != "canonical" || !got.Validation.Issues[0].Hard {
		t.Errorf("issues = %+v", got.Validation.Issues)
	}
	if n := len(e.reload(t, rev.ID).Derivatives.Populated()); n != 0 {
		t.Errorf("%d derivatives populated for an invalid score", n)
	}
}

func TestProcess_RendererFailureIsSoft(t *testing.T) {
	e := newEnv(t, func(c *config.Config, _ string) {
		c.Converters.Renderer = []string{"sh", "-c", "echo engraving failed >&2; exit 3"}
	})
	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Validation.Status != models.ValidationPassed {
		t.Errorf("status = %s", got.Validation.Status)
	}
	if len(got.Validation.Issues) != 1 {
		t.Fatalf("issues = %+v", got.Validation.Issues)
	}
	issue := got.Validation.Issues[0]
	if issue.Stage != "pdf" || issue.Hard {
		t.Errorf("issue = %+v", issue)
	}
	stored := e.reload(t, rev.ID)
	if stored.Derivatives.Has(models.SlotPDF) || stored.Derivatives.Has(models.SlotThumbnail) {
		t.Error("pdf and thumbnail must stay empty")
	}
	if !stored.Derivatives.Has(models.SlotLinearizedXML) {
		t.Error("text derivatives should not depend on the renderer")
	}
}

func TestProcess_RejectsPDFWithoutPages(t *testing.T) {
	e := newEnv(t, func(c *config.Config, _ string) {
		c.Converters.Renderer = []string{"sh", "-c", "echo not a pdf > \"$0\"", "{out}"}
	})
	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Validation.Issues) != 1 || got.Validation.Issues[0].Stage != "pdf" {
		t.Errorf("issues = %+v", got.Validation.Issues)
	}
}

func TestProcess_ImportsMuseScore(t *testing.T) {
	e := newEnv(t, nil)
	// The fake importer copies its input, so the payload is MusicXML.
	rev := e.commit(t, "trunk", "prelude.mscz", "mscz", fixture.Score("Prelude", "C4", "D4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Validation.Status != models.ValidationPassed {
		t.Errorf("status = %s, issues %v", got.Validation.Status, got.Validation.Issues)
	}
}

func TestProcess_StorageFailureIsHard(t *testing.T) {
	e := newEnv(t, nil)
	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))
	e.blobs.FailWith(errors.New("bucket offline"))

	_, err := e.proc.Process(context.Background(), rev.ID)
	if !IsHard(err) {
		t.Fatalf("expected a hard error, got %v", err)
	}
	if got := e.reload(t, rev.ID).Validation.Status; got != models.ValidationPending {
		t.Errorf("status = %s, want pending until the retry", got)
	}
}

// =====================================================
// Pool Tests
// =====================================================

func jobOf(t *testing.T, e *env, revisionID string) *models.PipelineJob {
	t.Helper()
	jobs, err := e.repo.ListJobs(context.Background(), revisionID)
	if err != nil || len(jobs) == 0 {
		t.Fatalf("ListJobs() = %v, %v", jobs, err)
	}
	return jobs[len(jobs)-1]
}

func TestPool_DrainCompletesJobs(t *testing.T) {
	e := newEnv(t, nil)
	r1 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))
	r2 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "D4"))
	pool := NewPool(e.repo, e.proc, e.cfg.Pipeline, nil, nil)

	n, err := pool.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Drain() ran %d jobs, want 2", n)
	}
	for _, id := range []string{r1.ID, r2.ID} {
		if job := jobOf(t, e, id); job.Status != models.JobSucceeded {
			t.Errorf("job for %s is %s", id, job.Status)
		}
	}
	if s := pool.Stats(); s.Completed != 2 || s.Busy != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPool_RetriesThenFails(t *testing.T) {
	e := newEnv(t, nil)
	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))
	e.blobs.FailWith(errors.New("bucket offline"))

	pool := NewPool(e.repo, e.proc, e.cfg.Pipeline, nil, nil)
	pool.SetBackoff(func(int) time.Duration { return 0 })

	n, err := pool.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Drain() ran %d attempts, want 2", n)
	}
	job := jobOf(t, e, rev.ID)
	if job.Status != models.JobFailed || job.Attempts != 2 {
		t.Errorf("job = %+v", job)
	}
	stored := e.reload(t, rev.ID)
	if stored.Validation.Status != models.ValidationFailed {
		t.Errorf("status = %s", stored.Validation.Status)
	}
	last := stored.Validation.Issues[len(stored.Validation.Issues)-1]
	if last.Stage != "pipeline" || !last.Hard {
		t.Errorf("issue = %+v", last)
	}
	if s := pool.Stats(); s.Retried != 1 || s.Failed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPool_DeferredDiffCompletesAfterPredecessor(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	r1 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))
	// Another process holds the first revision's job.
	held, err := e.repo.ClaimJob(ctx, "elsewhere", time.Hour)
	if err != nil || held == nil || held.RevisionID != r1.ID {
		t.Fatalf("ClaimJob() = %+v, %v", held, err)
	}
	r2 := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "D4"))

	pool := NewPool(e.repo, e.proc, e.cfg.Pipeline, nil, nil)
	pool.SetBackoff(func(int) time.Duration { return 0 })

	n, err := pool.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Drain() ran %d attempts, want 2", n)
	}
	job := jobOf(t, e, r2.ID)
	if job.Status != models.JobSucceeded || job.Attempts != 2 {
		t.Errorf("deferred job = %+v", job)
	}
	stored := e.reload(t, r2.ID)
	if stored.Validation.Status != models.ValidationPassed || stored.Derivatives.Has(models.SlotDiffReport) {
		t.Fatalf("after deferral: status %s, diff %v", stored.Validation.Status, stored.Derivatives.Has(models.SlotDiffReport))
	}
	if s := pool.Stats(); s.Failed != 0 || s.Retried != 1 || s.Completed != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	// The holder finishes the first revision, which queues its successor.
	if _, err := e.proc.Process(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.repo.CompleteJob(ctx, held.ID, "elsewhere"); err != nil {
		t.Fatal(err)
	}
	if n, err := pool.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v", n, err)
	}
	if !e.reload(t, r2.ID).Derivatives.Has(models.SlotDiffReport) {
		t.Error("diff report missing after the predecessor finished")
	}
	if job := jobOf(t, e, r2.ID); job.Status != models.JobSucceeded {
		t.Errorf("requeued job is %s", job.Status)
	}
}

func TestPool_WorkersPickUpNotifiedJobs(t *testing.T) {
	e := newEnv(t, nil)
	cfg := e.cfg.Pipeline
	cfg.PollInterval = time.Hour
	pool := NewPool(e.repo, e.proc, cfg, nil, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))
	pool.Notify()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if jobOf(t, e, rev.ID).Status == models.JobSucceeded {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job not completed, status %s", jobOf(t, e, rev.ID).Status)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProcess_UnconfiguredToolsLeaveSlotsEmpty(t *testing.T) {
	e := newEnv(t, func(c *config.Config, _ string) {
		c.Converters.Renderer = nil
		c.Converters.Rasterizer = nil
	})
	rev := e.commit(t, "trunk", "p.musicxml", "musicxml", fixture.Score("Prelude", "C4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Validation.Status != models.ValidationPassed || len(got.Validation.Issues) != 0 {
		t.Errorf("validation = %+v", got.Validation)
	}
	if got.Derivatives.Has(models.SlotPDF) {
		t.Error("pdf produced without a renderer")
	}
}

func TestProcess_MuseScoreWithoutImporterFails(t *testing.T) {
	e := newEnv(t, func(c *config.Config, _ string) { c.Converters.Importer = nil })
	rev := e.commit(t, "trunk", "prelude.mscx", "mscx", fixture.Score("Prelude", "C4"))

	got, err := e.proc.Process(context.Background(), rev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Validation.Status != models.ValidationFailed {
		t.Errorf("status = %s", got.Validation.Status)
	}
}
