package handlers

import (
	"net/http"
	"strconv"

	"github.com/ourtextscores/scorecore/internal/approval"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

// ApprovalHandler handles the owner inbox and approval decisions.
type ApprovalHandler struct {
	queue *approval.Queue
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(queue *approval.Queue) *ApprovalHandler {
	return &ApprovalHandler{queue: queue}
}

// Inbox handles GET /approvals/inbox
func (h *ApprovalHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, apperrors.Validation("limit must be a number"))
			return
		}
		limit = n
	}
	items, err := h.queue.Inbox(r.Context(), actorFrom(r).UserID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Get handles GET /approvals/{approvalId}
func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Get(r.Context(), r.PathValue("approvalId"), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Approve handles POST /approvals/{approvalId}/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Approve(r.Context(), r.PathValue("approvalId"), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Reject handles POST /approvals/{approvalId}/reject
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.queue.Reject(r.Context(), r.PathValue("approvalId"), actorFrom(r), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
