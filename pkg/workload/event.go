package workload

import (
	"fmt"
	"syscall"
	"time"
)

// EventType is the kind of a status event
type EventType string

const (
	EventStarted EventType = "started"
	EventExited  EventType = "exited"
	EventKilled  EventType = "killed"
)

// ExitReason describes why a workload terminated
type ExitReason string

const (
	ExitReasonSuccess   ExitReason = "success"   // exit code 0
	ExitReasonError     ExitReason = "error"     // exit code != 0
	ExitReasonSignal    ExitReason = "signal"    // killed by a signal nobody here sent
	ExitReasonTimeout   ExitReason = "timeout"   // wall time expired
	ExitReasonCancelled ExitReason = "cancelled" // Cancel was called
	ExitReasonShutdown  ExitReason = "shutdown"  // drain grace expired
)

// Event is one entry of a workload's status stream: started, then exactly
// one of exited or killed.
type Event struct {
	Type       EventType  `json:"type"`
	WorkloadID string     `json:"workload_id"`
	PID        int        `json:"pid"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Signal     string     `json:"signal,omitempty"`
	Reason     ExitReason `json:"reason,omitempty"`
	Time       time.Time  `json:"time"`
}

// Terminal reports whether the event ends the workload's stream
func (e Event) Terminal() bool {
	return e.Type == EventExited || e.Type == EventKilled
}

func (e Event) String() string {
	switch e.Type {
	case EventExited:
		return fmt.Sprintf("%s exited(%d)", e.WorkloadID, e.ExitCode)
	case EventKilled:
		return fmt.Sprintf("%s killed(%s)", e.WorkloadID, e.Signal)
	default:
		return fmt.Sprintf("%s %s pid=%d", e.WorkloadID, e.Type, e.PID)
	}
}

// ReasonFor determines the exit reason from a wait status. pending is the
// reason recorded when the supervisor itself signalled the process group;
// it wins only if the process actually died from a signal.
func ReasonFor(ws syscall.WaitStatus, pending ExitReason) ExitReason {
	switch {
	case ws.Exited():
		if ws.ExitStatus() == 0 {
			return ExitReasonSuccess
		}
		return ExitReasonError
	case ws.Signaled():
		if pending != "" {
			return pending
		}
		return ExitReasonSignal
	default:
		return ExitReasonError
	}
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	case syscall.SIGXFSZ:
		return "SIGXFSZ"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
