package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case wf.IsNotFound(err), errors.Is(err, output.ErrArtifactNotFound):
		return http.StatusNotFound
	case wf.IsAlreadyRunning(err), wf.IsInvalidState(err), wf.IsConflict(err), wf.IsDuplicateSession(err):
		return http.StatusConflict
	case wf.IsInvalidDecision(err), wf.IsValidation(err), wf.IsInvalidStage(err):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrRunnerBusy), errors.Is(err, workflow.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var wfErr wf.Error
	if errors.As(err, &wfErr) {
		body.Error = wfErr.Message
		body.Code = wfErr.Code
		body.Details = wfErr.Details
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"request_id", r.Header.Get("X-Request-ID"))
		body = errorBody{Error: "internal error", Code: "INTERNAL"}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
