package handlers

import (
	"net/http"

	"github.com/ourtextscores/scorecore/internal/diff"
)

// DiffHandler serves comparisons between revisions of a source.
type DiffHandler struct {
	diffs *diff.Service
}

// NewDiffHandler creates a new DiffHandler.
func NewDiffHandler(diffs *diff.Service) *DiffHandler {
	return &DiffHandler{diffs: diffs}
}

// MusicDiff handles GET /works/{workId}/sources/{sourceId}/musicdiff
func (h *DiffHandler) MusicDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := diff.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.diffs.SemanticDiff(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), q.Get("revA"), q.Get("revB"), format)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Cached {
		w.Header().Set("X-Diff-Cached", "true")
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

// TextDiff handles GET /works/{workId}/sources/{sourceId}/textdiff
func (h *DiffHandler) TextDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("file")
	if name == "" {
		name = string(diff.FileLinearized)
	}
	file, err := diff.ParseFile(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	text, err := h.diffs.TextDiff(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), q.Get("revA"), q.Get("revB"), file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}
