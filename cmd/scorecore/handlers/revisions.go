package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/revision"
)

// multipartOverhead allows for form fields and part headers on top of
// the file itself.
const multipartOverhead = 1 << 20

// RevisionHandler handles sources and their revisions.
type RevisionHandler struct {
	revisions *revision.Orchestrator
	maxBytes  int64
}

// NewRevisionHandler creates a new RevisionHandler.
func NewRevisionHandler(revisions *revision.Orchestrator, maxBytes int64) *RevisionHandler {
	return &RevisionHandler{revisions: revisions, maxBytes: maxBytes}
}

// readUpload parses the multipart upload form.
func (h *RevisionHandler) readUpload(w http.ResponseWriter, r *http.Request) (revision.Upload, error) {
	var up revision.Upload
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return up, apperrors.Validation("upload exceeds %d bytes", h.maxBytes)
		}
		return up, apperrors.Validation("invalid multipart body: %s", err.Error())
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return up, apperrors.Validation("multipart field \"file\" is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return up, apperrors.Validation("failed to read upload: %s", err.Error())
	}

	createBranch, _ := strconv.ParseBool(r.FormValue("createBranch"))
	target := r.FormValue("targetBranch")
	if target == "" {
		target = r.FormValue("branch")
	}
	// Without createBranch, branchName names an existing target.
	if target == "" && !createBranch {
		target = r.FormValue("branchName")
	}
	up = revision.Upload{
		Filename:           header.Filename,
		Data:               data,
		SourceType:         r.FormValue("sourceType"),
		Label:              r.FormValue("label"),
		License:            r.FormValue("license"),
		LicenseURL:         r.FormValue("licenseUrl"),
		LicenseAttribution: r.FormValue("licenseAttribution"),
		CommitMessage:      r.FormValue("commitMessage"),
		TargetBranch:       target,
		CreateBranch:       createBranch,
		BranchName:         r.FormValue("branchName"),
		BranchPolicy:       r.FormValue("branchPolicy"),
		BranchOwner:        r.FormValue("branchOwner"),
	}
	return up, nil
}

func writeResult(w http.ResponseWriter, res *revision.Result) {
	status := http.StatusOK
	if res.Status == revision.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// CreateSource handles POST /works/{workId}/sources
func (h *RevisionHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.revisions.CreateSource(r.Context(), r.PathValue("workId"), up, actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

// Work handles GET /works/{workId}
func (h *RevisionHandler) Work(w http.ResponseWriter, r *http.Request) {
	work, err := h.revisions.GetWork(r.Context(), r.PathValue("workId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, work)
}

// DeleteSource handles DELETE /works/{workId}/sources/{sourceId}
func (h *RevisionHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.revisions.DeleteSource(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), actorFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Upload handles POST /works/{workId}/sources/{sourceId}/revisions
func (h *RevisionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.revisions.Commit(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), up, actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

// List handles GET /works/{workId}/sources/{sourceId}/revisions
func (h *RevisionHandler) List(w http.ResponseWriter, r *http.Request) {
	revs, err := h.revisions.ListRevisions(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.URL.Query().Get("branch"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revisions": revs})
}

// Get handles GET /works/{workId}/sources/{sourceId}/revisions/{revisionId}
func (h *RevisionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rev, err := h.revisions.GetRevision(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.PathValue("revisionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// Derivative handles GET .../revisions/{revisionId}/derivatives/{slot}
func (h *RevisionHandler) Derivative(w http.ResponseWriter, r *http.Request) {
	slot, err := models.ParseSlot(r.PathValue("slot"))
	if err != nil {
		writeError(w, r, apperrors.Validation("%s", err.Error()))
		return
	}
	data, loc, err := h.revisions.Derivative(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.PathValue("revisionId"), slot)
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := `"` + loc.Checksum + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", loc.ContentType)
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Reprocess handles POST .../revisions/{revisionId}/reprocess
func (h *RevisionHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	job, err := h.revisions.Reprocess(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.PathValue("revisionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}
