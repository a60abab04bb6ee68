package handlers

import (
	"net/http"

	"github.com/ourtextscores/scorecore/internal/branch"
)

// BranchHandler handles branch operations of a source.
type BranchHandler struct {
	branches *branch.Manager
}

// NewBranchHandler creates a new BranchHandler.
func NewBranchHandler(branches *branch.Manager) *BranchHandler {
	return &BranchHandler{branches: branches}
}

// List handles GET /works/{workId}/sources/{sourceId}/branches
func (h *BranchHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.branches.List(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": items})
}

// Create handles POST /works/{workId}/sources/{sourceId}/branches
func (h *BranchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in branch.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.branches.Create(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), in, actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"branch": b})
}

// Update handles PATCH /works/{workId}/sources/{sourceId}/branches/{name}
func (h *BranchHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in branch.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.branches.Update(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.PathValue("name"), in, actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branch": b})
}

// Delete handles DELETE /works/{workId}/sources/{sourceId}/branches/{name}
func (h *BranchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.branches.Delete(r.Context(), r.PathValue("workId"), r.PathValue("sourceId"), r.PathValue("name"), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
