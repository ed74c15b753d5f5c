package supervisor

import (
	"context"
	"time"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// Handle is the caller's view of one injected workload
type Handle struct {
	id        string
	pid       int
	startedAt time.Time
	events    chan workload.Event
	done      chan struct{}
	result    workload.Result
}

func newHandle(id string, pid int, startedAt time.Time) *Handle {
	return &Handle{
		id:        id,
		pid:       pid,
		startedAt: startedAt,
		// started + one terminal; sends never block
		events: make(chan workload.Event, 2),
		done:   make(chan struct{}),
	}
}

// ID returns the workload id
func (h *Handle) ID() string {
	return h.id
}

// PID returns the workload's process id, which is also its process group id
func (h *Handle) PID() int {
	return h.pid
}

// StartedAt returns when the process was spawned
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Events yields started, then exactly one exited or killed event, then
// closes.
func (h *Handle) Events() <-chan workload.Event {
	return h.events
}

// Done is closed once the terminal result is available
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the workload terminated or ctx is done
func (h *Handle) Wait(ctx context.Context) (workload.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return workload.Result{}, ctx.Err()
	}
}

func (h *Handle) started(ev workload.Event) {
	h.events <- ev
}

func (h *Handle) finish(res workload.Result, ev workload.Event) {
	h.result = res
	h.events <- ev
	close(h.events)
	close(h.done)
}
