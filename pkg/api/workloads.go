package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/sandboxd/pkg/supervisor"
	"github.com/psantana5/sandboxd/pkg/tracing"
	"github.com/psantana5/sandboxd/pkg/workload"
)

// maxRequestBytes bounds an inject body, stdin included
const maxRequestBytes = 8 << 20

// InjectResponse is returned for an accepted workload
type InjectResponse struct {
	ID        string         `json:"id"`
	PID       int            `json:"pid"`
	State     workload.State `json:"state"`
	StartedAt time.Time      `json:"started_at"`
}

// ListResponse wraps the live workloads
type ListResponse struct {
	Workloads []workload.Result `json:"workloads"`
	Count     int               `json:"count"`
}

// CancelResponse acknowledges a cancellation
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Inject handles POST /v1/workloads. With ?wait=true the reply is the
// terminal Result instead of the started acknowledgement.
func (s *Server) Inject(w http.ResponseWriter, r *http.Request) {
	var req workload.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, supervisor.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx := r.Context()
	tracing.SetAttributes(ctx, attribute.String("workload.command", req.Command))

	h, err := s.sb.Inject(ctx, req)
	if err != nil {
		tracing.SetError(ctx, err)
		s.log.Warn("inject rejected", map[string]interface{}{
			"command": req.Command,
			"owner":   req.Owner,
			"code":    supervisor.Code(err),
			"error":   err.Error(),
		})
		writeSupervisorError(w, err)
		return
	}
	tracing.SetAttributes(ctx,
		attribute.String("workload.id", h.ID()),
		attribute.Int("workload.pid", h.PID()),
	)

	if r.URL.Query().Get("wait") == "true" {
		res, err := h.Wait(ctx)
		if err != nil {
			writeSupervisorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	w.Header().Set("Location", "/v1/workloads/"+h.ID())
	writeJSON(w, http.StatusCreated, InjectResponse{
		ID:        h.ID(),
		PID:       h.PID(),
		State:     workload.StateRunning,
		StartedAt: h.StartedAt(),
	})
}

// List handles GET /v1/workloads
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	live := s.sb.List()
	writeJSON(w, http.StatusOK, ListResponse{Workloads: live, Count: len(live)})
}

// Get handles GET /v1/workloads/{id}
func (s *Server) Get(w http.ResponseWriter, r *http.Request) {
	res, err := s.sb.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Wait handles GET /v1/workloads/{id}/wait. An optional ?timeout= bounds
// the wait.
func (s *Server) Wait(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, supervisor.CodeInvalidRequest, fmt.Sprintf("invalid timeout %q", t))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res, err := s.sb.Wait(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /v1/workloads/{id}/cancel. Cancelling a finished
// workload succeeds.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sb.Cancel(id); err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{ID: id, Status: "cancelling"})
}
