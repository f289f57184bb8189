package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

type errorBody struct {
	Error     string `json:"error"`
	Phase     string `json:"phase,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, msg: msg}
}

// classify maps an error to its HTTP status and, for failed turns, the
// phase that failed.
func classify(err error) (int, string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, ""
	}
	if phase, ok := session.FailedPhase(err); ok {
		return http.StatusInternalServerError, string(phase)
	}
	switch {
	case errors.Is(err, session.ErrInvalidInput), errors.Is(err, memory.ErrInvalidMemory):
		return http.StatusBadRequest, ""
	case errors.Is(err, session.ErrTurnOutOfOrder):
		return http.StatusConflict, ""
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, ""
	}
	return http.StatusInternalServerError, ""
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, phase := classify(err)
	l := logger.FromCtx(r.Context())
	if status >= http.StatusInternalServerError {
		l.Error().Err(err).Str("phase", phase).Str("path", r.URL.Path).Msg("request failed")
	} else {
		l.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Phase:     phase,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
