package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/sandboxd/pkg/lifecycle"
	"github.com/psantana5/sandboxd/pkg/supervisor"
)

// ShutdownRequest is the optional body of POST /v1/shutdown
type ShutdownRequest struct {
	GracePeriod string `json:"grace_period,omitempty"`
}

// ShutdownResponse acknowledges a drain
type ShutdownResponse struct {
	State       lifecycle.State `json:"state"`
	GracePeriod string          `json:"grace_period"`
}

// Healthz reports liveness: 200 while running or draining
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	h := s.sb.Health()
	status := http.StatusOK
	if h.State == lifecycle.StateStopped {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// Readyz reports readiness: 200 only while accepting workloads
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	h := s.sb.Health()
	status := http.StatusOK
	if !s.sb.Monitor().Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// Shutdown handles POST /v1/shutdown. The drain continues after the reply.
func (s *Server) Shutdown(w http.ResponseWriter, r *http.Request) {
	grace := s.opts.DrainGrace

	var req ShutdownRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, supervisor.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.GracePeriod != "" {
		d, err := time.ParseDuration(req.GracePeriod)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, supervisor.CodeInvalidRequest, fmt.Sprintf("invalid grace_period %q", req.GracePeriod))
			return
		}
		grace = d
	}

	s.log.Info("shutdown requested over API", map[string]interface{}{
		"grace_period": grace.String(),
		"remote":       r.RemoteAddr,
	})
	go func() {
		if err := s.sb.Shutdown(context.Background(), grace); err != nil {
			s.log.Error("shutdown finished with error", map[string]interface{}{"error": err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, ShutdownResponse{
		State:       lifecycle.StateDraining,
		GracePeriod: grace.String(),
	})
}
