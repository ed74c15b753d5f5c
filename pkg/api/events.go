package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/sandboxd/pkg/supervisor"
)

// eventBuffer is per stream; a client that falls further behind loses events
const eventBuffer = 256

// Events handles GET /v1/events as a server-sent event stream. Each status
// event is written as "event: <type>" and "data: <json>". ?workload=<id>
// limits the stream to one workload. The stream ends when the client goes
// away or the supervisor stops.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, supervisor.CodeInternal, "streaming unsupported")
		return
	}
	only := r.URL.Query().Get("workload")

	events, unsubscribe := s.sb.Subscribe(eventBuffer)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	stopped := s.sb.Monitor().Stopped()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != "" && ev.WorkloadID != only {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-stopped:
			fmt.Fprint(w, "event: stopped\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}
