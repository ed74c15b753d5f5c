package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/psantana5/sandboxd/pkg/supervisor"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CodeTimeout is returned when the caller gave up waiting, e.g. for a
// serial lane
const CodeTimeout = "timeout"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeSupervisorError maps supervisor errors onto HTTP statuses
func writeSupervisorError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, CodeTimeout
	}
	code := supervisor.Code(err)
	switch code {
	case supervisor.CodeRejectedShuttingDown:
		return http.StatusServiceUnavailable, code
	case supervisor.CodeResourceLimitExceeded:
		return http.StatusUnprocessableEntity, code
	case supervisor.CodeInvalidRequest:
		return http.StatusBadRequest, code
	case supervisor.CodeNotFound:
		return http.StatusNotFound, code
	default:
		// spawn errors and anything unexpected
		return http.StatusInternalServerError, code
	}
}
