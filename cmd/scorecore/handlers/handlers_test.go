package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ourtextscores/scorecore/internal/approval"
	"github.com/ourtextscores/scorecore/internal/branch"
	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/convert"
	"github.com/ourtextscores/scorecore/internal/db"
	"github.com/ourtextscores/scorecore/internal/diff"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/musicxml/fixture"
	"github.com/ourtextscores/scorecore/internal/pipeline"
	"github.com/ourtextscores/scorecore/internal/revision"
	"github.com/ourtextscores/scorecore/internal/storage"
	"github.com/ourtextscores/scorecore/internal/vcs"
)

type testServer struct {
	*httptest.Server
	pool *pipeline.Pool
}

// newTestServer wires the full API over in-memory collaborators. The
// pipeline runs without external converters.
func newTestServer(t *testing.T) *testServer {
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

	cfg := config.Default()
	cfg.Converters = config.ConvertersConfig{Timeout: 5 * time.Second}
	cfg.Upload.MaxBytes = 1 << 20

	m := metrics.New()
	blobs := storage.NewMemoryStore("scores")
	engine := vcs.NewMemoryEngine()
	runner := convert.NewRunner(cfg.Converters.Timeout, t.TempDir())
	branches := branch.NewManager(repo)

	proc := pipeline.NewProcessor(repo, blobs, runner, cfg, nil, m)
	pool := pipeline.NewPool(repo, proc, cfg.Pipeline, nil, m)
	orch := revision.New(repo, blobs, engine, branches, cfg, pool, nil, m)

	router := NewRouter(API{
		Branches:  NewBranchHandler(branches),
		Revisions: NewRevisionHandler(orch, cfg.Upload.MaxBytes),
		Diffs:     NewDiffHandler(diff.NewService(repo, blobs, engine, runner, nil, cfg.Diff)),
		Approvals: NewApprovalHandler(approval.NewQueue(repo, blobs, orch, nil, m)),
	}, m)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, pool: pool}
}

func (s *testServer) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) json(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return s.do(t, method, path, user, r, "application/json")
}

func (s *testServer) upload(t *testing.T, path, user string, data []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", "aria.musicxml")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return s.do(t, http.MethodPost, path, user, &buf, mw.FormDataContentType())
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s = %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// createSource uploads the first revision and returns the source path.
func (s *testServer) createSource(t *testing.T) string {
	t.Helper()
	resp := s.upload(t, "/works/w1/sources", "owner", fixture.Score("Aria", "C4", "D4", "E4", "F4"), nil)
	expectStatus(t, resp, http.StatusOK)
	var res revision.Result
	decode(t, resp, &res)
	if res.SequenceNumber != 1 || res.RevisionID == "" {
		t.Fatalf("create source = %+v", res)
	}
	return "/works/w1/sources/" + res.SourceID
}

func TestBranchEndpoints(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)

	resp := s.json(t, http.MethodPost, src+"/branches", "owner", `{"name":"review","policy":"owner_approval"}`)
	expectStatus(t, resp, http.StatusCreated)
	var created struct {
		Branch struct {
			Name        string `json:"name"`
			Policy      string `json:"policy"`
			OwnerUserID string `json:"ownerUserId"`
		} `json:"branch"`
	}
	decode(t, resp, &created)
	if created.Branch.Name != "review" || created.Branch.Policy != "owner_approval" || created.Branch.OwnerUserID != "owner" {
		t.Errorf("created = %+v", created)
	}

	expectStatus(t, s.json(t, http.MethodPost, src+"/branches", "owner", `{"name":"review"}`), http.StatusConflict)
	expectStatus(t, s.json(t, http.MethodPost, src+"/branches", "", `{"name":"x"}`), http.StatusForbidden)
	expectStatus(t, s.json(t, http.MethodPatch, src+"/branches/review", "visitor", `{"policy":"public"}`), http.StatusForbidden)
	expectStatus(t, s.json(t, http.MethodPatch, src+"/branches/review", "owner", `{"policy":"public","expectedVersion":1}`), http.StatusOK)
	expectStatus(t, s.json(t, http.MethodPatch, src+"/branches/review", "owner", `{"policy":"public","expectedVersion":1}`), http.StatusConflict)

	resp = s.json(t, http.MethodDelete, src+"/branches/trunk", "owner", "")
	expectStatus(t, resp, http.StatusBadRequest)
	var body errorBody
	decode(t, resp, &body)
	if body.Error.Code != "VALIDATION_ERROR" || body.Error.Message == "" {
		t.Errorf("error body = %+v", body)
	}

	resp = s.json(t, http.MethodGet, src+"/branches", "", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Branches []struct {
			Name string `json:"name"`
		} `json:"branches"`
	}
	decode(t, resp, &list)
	if len(list.Branches) != 2 || list.Branches[0].Name != "trunk" || list.Branches[1].Name != "review" {
		t.Errorf("branches = %+v", list)
	}

	expectStatus(t, s.json(t, http.MethodDelete, src+"/branches/review", "owner", ""), http.StatusOK)
}

func TestDeleteBranchWithRevisions(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)

	resp := s.upload(t, src+"/revisions", "owner", fixture.Score("Aria", "G4"), map[string]string{
		"createBranch": "true", "branchName": "edits",
	})
	expectStatus(t, resp, http.StatusOK)
	expectStatus(t, s.json(t, http.MethodDelete, src+"/branches/edits", "owner", ""), http.StatusConflict)
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)

	resp := s.upload(t, src+"/revisions", "owner", nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = s.do(t, http.MethodPost, src+"/revisions", "owner", strings.NewReader("not multipart"), "text/plain")
	expectStatus(t, resp, http.StatusBadRequest)

	resp = s.upload(t, "/works/w1/sources/missing/revisions", "owner", fixture.Score("Aria", "C4"), nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)
	expectStatus(t, s.json(t, http.MethodPost, src+"/branches", "owner", `{"name":"review","policy":"owner_approval"}`), http.StatusCreated)

	resp := s.upload(t, src+"/revisions", "guest", fixture.Score("Aria", "C4", "D4", "E4", "G4"), map[string]string{"targetBranch": "review"})
	expectStatus(t, resp, http.StatusAccepted)
	var pending revision.Result
	decode(t, resp, &pending)
	if pending.Status != revision.StatusPendingApproval || pending.ApprovalID == "" {
		t.Fatalf("pending = %+v", pending)
	}

	resp = s.json(t, http.MethodGet, "/approvals/inbox?limit=10", "owner", "")
	expectStatus(t, resp, http.StatusOK)
	var inbox struct {
		Items []struct {
			ApprovalID string `json:"approvalId"`
		} `json:"items"`
	}
	decode(t, resp, &inbox)
	if len(inbox.Items) != 1 || inbox.Items[0].ApprovalID != pending.ApprovalID {
		t.Fatalf("inbox = %+v", inbox)
	}
	expectStatus(t, s.json(t, http.MethodGet, "/approvals/inbox?limit=500", "owner", ""), http.StatusBadRequest)

	expectStatus(t, s.json(t, http.MethodPost, "/approvals/"+pending.ApprovalID+"/approve", "guest", ""), http.StatusForbidden)
	resp = s.json(t, http.MethodPost, "/approvals/"+pending.ApprovalID+"/approve", "owner", "")
	expectStatus(t, resp, http.StatusOK)
	var rec struct {
		Status         string `json:"status"`
		SequenceNumber int64  `json:"sequenceNumber"`
	}
	decode(t, resp, &rec)
	if rec.Status != "committed" || rec.SequenceNumber != 2 {
		t.Errorf("record = %+v", rec)
	}

	expectStatus(t, s.json(t, http.MethodPost, "/approvals/"+pending.ApprovalID+"/reject", "owner", `{"reason":"late"}`), http.StatusConflict)
}

func TestUploadBranchNameTargetsExistingBranch(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)
	expectStatus(t, s.json(t, http.MethodPost, src+"/branches", "owner", `{"name":"review","policy":"owner_approval"}`), http.StatusCreated)

	resp := s.upload(t, src+"/revisions", "guest", fixture.Score("Aria", "C4", "D4", "E4", "G4"), map[string]string{"branchName": "review"})
	expectStatus(t, resp, http.StatusAccepted)
	var pending revision.Result
	decode(t, resp, &pending)
	if pending.Status != revision.StatusPendingApproval || pending.ApprovalID == "" {
		t.Fatalf("pending = %+v", pending)
	}

	resp = s.json(t, http.MethodGet, "/approvals/inbox", "owner", "")
	expectStatus(t, resp, http.StatusOK)
	var inbox struct {
		Items []struct {
			ApprovalID string `json:"approvalId"`
		} `json:"items"`
	}
	decode(t, resp, &inbox)
	if len(inbox.Items) != 1 || inbox.Items[0].ApprovalID != pending.ApprovalID {
		t.Fatalf("inbox = %+v", inbox)
	}

	resp = s.json(t, http.MethodGet, src+"/revisions?branch=trunk", "", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Revisions []json.RawMessage `json:"revisions"`
	}
	decode(t, resp, &list)
	if len(list.Revisions) != 1 {
		t.Errorf("trunk has %d revisions, want 1", len(list.Revisions))
	}
}

func TestDiffEndpoints(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)
	resp := s.upload(t, src+"/revisions", "owner", fixture.Score("Aria", "C4", "D4", "E4", "G4"), nil)
	expectStatus(t, resp, http.StatusOK)

	if _, err := s.pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp = s.json(t, http.MethodGet, src+"/musicdiff?revA=1&revB=2", "", "")
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Diff-Cached") != "true" {
		t.Error("a sequential pair should be served from the stored report")
	}
	var report diff.Report
	decode(t, resp, &report)
	if report.DeltaCount != 1 {
		t.Errorf("delta count = %d, want 1", report.DeltaCount)
	}

	resp = s.json(t, http.MethodGet, src+"/musicdiff?revA=1&revB=2&format=html", "", "")
	expectStatus(t, resp, http.StatusOK)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("content type = %s", resp.Header.Get("Content-Type"))
	}

	resp = s.json(t, http.MethodGet, src+"/textdiff?revA=1&revB=2&file=linearized", "", "")
	expectStatus(t, resp, http.StatusOK)
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), "-m1 s1 v1: C4/quarter D4/quarter E4/quarter F4/quarter") ||
		!strings.Contains(string(text), "+m1 s1 v1: C4/quarter D4/quarter E4/quarter G4/quarter") {
		t.Errorf("unified diff:\n%s", text)
	}

	expectStatus(t, s.json(t, http.MethodGet, src+"/textdiff?revA=1&revB=2&file=midi", "", ""), http.StatusBadRequest)
	expectStatus(t, s.json(t, http.MethodGet, src+"/musicdiff?revA=1&revB=9", "", ""), http.StatusNotFound)
	// No visual diff tool is configured.
	expectStatus(t, s.json(t, http.MethodGet, src+"/musicdiff?revA=1&revB=2&format=pdf", "", ""), http.StatusBadRequest)
}

func TestRevisionEndpoints(t *testing.T) {
	s := newTestServer(t)
	src := s.createSource(t)
	if _, err := s.pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp := s.json(t, http.MethodGet, src+"/revisions?branch=trunk", "", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Revisions []struct {
			ID         string `json:"revisionId"`
			Validation struct {
				Status string `json:"status"`
			} `json:"validation"`
		} `json:"revisions"`
	}
	decode(t, resp, &list)
	if len(list.Revisions) != 1 {
		t.Fatalf("revisions = %+v", list)
	}
	rev := list.Revisions[0]
	if rev.Validation.Status != "passed" {
		t.Errorf("validation = %s", rev.Validation.Status)
	}

	resp = s.json(t, http.MethodGet, "/works/w1", "", "")
	expectStatus(t, resp, http.StatusOK)
	var work struct {
		SourceCount      int      `json:"sourceCount"`
		AvailableFormats []string `json:"availableFormats"`
		Sources          []struct {
			ID string `json:"sourceId"`
		} `json:"sources"`
	}
	decode(t, resp, &work)
	if work.SourceCount != 1 || len(work.Sources) != 1 {
		t.Errorf("work = %+v", work)
	}
	if len(work.AvailableFormats) == 0 || work.AvailableFormats[0] != "canonicalXml" {
		t.Errorf("availableFormats = %v", work.AvailableFormats)
	}
	expectStatus(t, s.json(t, http.MethodGet, "/works/absent", "", ""), http.StatusNotFound)

	base := src + "/revisions/" + rev.ID
	expectStatus(t, s.json(t, http.MethodGet, base, "", ""), http.StatusOK)

	resp = s.json(t, http.MethodGet, base+"/derivatives/canonicalXml", "", "")
	expectStatus(t, resp, http.StatusOK)
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Error("derivative served without an ETag")
	}
	req, _ := http.NewRequest(http.MethodGet, s.URL+base+"/derivatives/canonicalXml", nil)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Errorf("conditional get = %d", cached.StatusCode)
	}

	expectStatus(t, s.json(t, http.MethodGet, base+"/derivatives/pdf", "", ""), http.StatusNotFound)
	expectStatus(t, s.json(t, http.MethodGet, base+"/derivatives/midi", "", ""), http.StatusBadRequest)
	expectStatus(t, s.json(t, http.MethodPost, base+"/reprocess", "owner", ""), http.StatusAccepted)

	expectStatus(t, s.json(t, http.MethodDelete, src, "owner", ""), http.StatusForbidden)
	req, _ = http.NewRequest(http.MethodDelete, s.URL+src, nil)
	req.Header.Set(HeaderUserID, "root")
	req.Header.Set(HeaderUserRoles, "admin")
	deleted, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	deleted.Body.Close()
	if deleted.StatusCode != http.StatusOK {
		t.Errorf("admin delete = %d", deleted.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.json(t, http.MethodGet, "/healthz", "", ""), http.StatusOK)
	s.json(t, http.MethodGet, "/works/w1/sources/none/branches", "", "")

	resp := s.json(t, http.MethodGet, "/metrics", "", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `scorecore_http_requests_total{method="GET",route="GET /works/{workId}/sources/{sourceId}/branches",status="404"} 1`) {
		t.Errorf("request metric missing:\n%s", body)
	}
}
