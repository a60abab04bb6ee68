// Package handlers provides the REST API of the score revision core.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/models"
)

// Identity headers set by the upstream gateway.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRoles = "X-User-Roles"
)

// actorFrom reads the caller's identity. Missing headers yield the
// anonymous actor.
func actorFrom(r *http.Request) models.Actor {
	return models.Actor{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Roles:  models.ParseRoles(r.Header.Get(HeaderUserRoles)),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

type errorBody struct {
	Error struct {
		Code    apperrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
	} `json:"error"`
}

// writeError maps err onto its status code and the error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	var body errorBody
	body.Error.Code = apperrors.CodeOf(err)
	body.Error.Message = err.Error()
	if appErr, ok := apperrors.As(err); ok {
		body.Error.Message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logging.Error("request failed", err, map[string]interface{}{
			"method": r.Method, "path": r.URL.Path, "status": status,
		})
	}
	writeJSON(w, status, body)
}

// decodeJSON reads an optional JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("invalid request body: %s", err.Error())
	}
	return nil
}
