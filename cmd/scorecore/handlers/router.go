package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
)

// API groups the handlers mounted by NewRouter.
type API struct {
	Branches  *BranchHandler
	Revisions *RevisionHandler
	Diffs     *DiffHandler
	Approvals *ApprovalHandler

	// Events serves the WebSocket progress channel; nil leaves /events
	// unmounted.
	Events http.Handler
	// Health reports readiness; nil always answers ok.
	Health func(r *http.Request) error
}

// NewRouter mounts the API on a ServeMux and wraps it with request
// metrics. m may be nil.
func NewRouter(api API, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	const source = "/works/{workId}/sources/{sourceId}"

	mux.HandleFunc("GET /works/{workId}", api.Revisions.Work)
	mux.HandleFunc("POST /works/{workId}/sources", api.Revisions.CreateSource)
	mux.HandleFunc("DELETE "+source, api.Revisions.DeleteSource)

	mux.HandleFunc("GET "+source+"/branches", api.Branches.List)
	mux.HandleFunc("POST "+source+"/branches", api.Branches.Create)
	mux.HandleFunc("PATCH "+source+"/branches/{name}", api.Branches.Update)
	mux.HandleFunc("DELETE "+source+"/branches/{name}", api.Branches.Delete)

	mux.HandleFunc("POST "+source+"/revisions", api.Revisions.Upload)
	mux.HandleFunc("GET "+source+"/revisions", api.Revisions.List)
	mux.HandleFunc("GET "+source+"/revisions/{revisionId}", api.Revisions.Get)
	mux.HandleFunc("GET "+source+"/revisions/{revisionId}/derivatives/{slot}", api.Revisions.Derivative)
	mux.HandleFunc("POST "+source+"/revisions/{revisionId}/reprocess", api.Revisions.Reprocess)

	mux.HandleFunc("GET "+source+"/musicdiff", api.Diffs.MusicDiff)
	mux.HandleFunc("GET "+source+"/textdiff", api.Diffs.TextDiff)

	mux.HandleFunc("GET /approvals/inbox", api.Approvals.Inbox)
	mux.HandleFunc("GET /approvals/{approvalId}", api.Approvals.Get)
	mux.HandleFunc("POST /approvals/{approvalId}/approve", api.Approvals.Approve)
	mux.HandleFunc("POST /approvals/{approvalId}/reject", api.Approvals.Reject)

	if api.Events != nil {
		mux.Handle("GET /events", api.Events)
	}
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if api.Health != nil {
			if err := api.Health(r); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return instrument(mux, m)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func instrument(next http.Handler, m *metrics.Metrics) http.Handler {
	log := logging.Get().With("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		m.HTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed)
		log.Debug("request", map[string]interface{}{
			"method": r.Method, "path": r.URL.Path, "status": rec.status, "duration_ms": elapsed.Milliseconds(),
		})
	})
}
