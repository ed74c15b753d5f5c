package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrRejectedShuttingDown is returned by Inject once draining started
	ErrRejectedShuttingDown = errors.New("rejected: supervisor is shutting down")

	// ErrResourceLimitExceeded is returned when a requested limit is above
	// the host ceiling
	ErrResourceLimitExceeded = errors.New("resource limit exceeds ceiling")

	// ErrInvalidRequest is returned for malformed requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrWorkloadNotFound is returned for ids this supervisor never issued
	ErrWorkloadNotFound = errors.New("workload not found")

	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("supervisor loop already running")
)

// SpawnError wraps the OS error from starting a workload
type SpawnError struct {
	ID      string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Command, e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Error codes shared by the HTTP surface and metrics
const (
	CodeRejectedShuttingDown  = "rejected_shutting_down"
	CodeResourceLimitExceeded = "resource_limit_exceeded"
	CodeSpawnError            = "spawn_error"
	CodeInvalidRequest        = "invalid_request"
	CodeNotFound              = "not_found"
	CodeInternal              = "internal"
)

// Code classifies an error returned by the supervisor
func Code(err error) string {
	var spawnErr *SpawnError
	switch {
	case errors.Is(err, ErrRejectedShuttingDown):
		return CodeRejectedShuttingDown
	case errors.Is(err, ErrResourceLimitExceeded):
		return CodeResourceLimitExceeded
	case errors.As(err, &spawnErr):
		return CodeSpawnError
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrWorkloadNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
