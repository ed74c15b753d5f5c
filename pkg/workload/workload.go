package workload

import (
	"errors"
	"fmt"
	"time"
)

// State is the externally visible state of a workload
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
	// StateEvicted marks a workload that finished but whose result was
	// dropped from history; how it ended is no longer known
	StateEvicted State = "evicted"
)

// Terminal reports whether no further transitions follow s
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateEvicted
}

// Request describes a command the orchestrator wants executed inside the
// sandbox. Command is resolved against PATH of the supervisor.
type Request struct {
	Owner     string   `json:"owner,omitempty"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Env       []string `json:"env,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Stdin     []byte   `json:"stdin,omitempty"`
	Limits    Limits   `json:"limits"`
	SerialKey string   `json:"serial_key,omitempty"`
}

// ErrEmptyCommand is returned for a request without a command
var ErrEmptyCommand = errors.New("command is required")

// Validate checks the request shape. Limit ceilings are checked separately
// because the ceiling belongs to the host, not the request.
func (r Request) Validate() error {
	if r.Command == "" {
		return ErrEmptyCommand
	}
	return r.Limits.Validate()
}

// Result is the status of a workload, live or finished. Output fields are
// populated only once the workload is terminal.
type Result struct {
	ID              string        `json:"id"`
	Owner           string        `json:"owner,omitempty"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	PID             int           `json:"pid"`
	State           State         `json:"state"`
	Limits          Limits        `json:"limits"`
	ExitCode        int           `json:"exit_code"`
	Signal          string        `json:"signal,omitempty"`
	Reason          ExitReason    `json:"reason,omitempty"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	Duration        time.Duration `json:"duration_ns,omitempty"`
}

// Summary returns a one-line description used in logs and CLI output
func (r Result) Summary() string {
	switch r.State {
	case StateExited:
		return fmt.Sprintf("exited(%d)", r.ExitCode)
	case StateKilled:
		return fmt.Sprintf("killed(%s) reason=%s", r.Signal, r.Reason)
	case StateEvicted:
		return "finished, result evicted from history"
	default:
		return string(r.State)
	}
}
