package supervisor

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// Cancel sends SIGTERM to the workload's process group and SIGKILL after
// the kill grace period. Cancelling a finished workload returns nil;
// ErrWorkloadNotFound is returned only for ids never issued.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		if _, seen := s.seen[id]; seen {
			return nil
		}
		return ErrWorkloadNotFound
	}
	s.terminateLocked(e, workload.ExitReasonCancelled)
	return nil
}

// terminateLocked starts the SIGTERM then SIGKILL sequence once per
// workload. The first recorded reason wins.
func (s *Supervisor) terminateLocked(e *entry, reason workload.ExitReason) {
	if e.pending == "" {
		e.pending = reason
	}
	if e.termSent {
		return
	}
	e.termSent = true

	s.signalLocked(e, unix.SIGTERM)
	id := e.id
	e.killTimer = time.AfterFunc(s.opts.KillGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.entries[id]; ok {
			s.log.Warn("workload ignored SIGTERM, killing", map[string]interface{}{
				"workload_id": id,
				"grace":       s.opts.KillGrace.String(),
			})
			s.signalLocked(e, unix.SIGKILL)
		}
	})
}

// expire enforces the wall-time limit. It races harmlessly with a normal
// exit: once reaped the entry is gone and nothing is signalled.
func (s *Supervisor) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.pending == "" {
		e.pending = workload.ExitReasonTimeout
	}
	s.log.Info("wall time exceeded, killing workload", map[string]interface{}{
		"workload_id": id,
		"wall_time":   e.limits.WallTime.String(),
	})
	s.signalLocked(e, unix.SIGKILL)
}

// killAllLocked SIGKILLs every live process group
func (s *Supervisor) killAllLocked(reason workload.ExitReason) int {
	for _, e := range s.entries {
		if e.pending == "" {
			e.pending = reason
		}
		s.signalLocked(e, unix.SIGKILL)
	}
	return len(s.entries)
}

// signalLocked signals the workload's process group. Called with mu held
// and only for registered entries, so the group id is still ours.
func (s *Supervisor) signalLocked(e *entry, sig syscall.Signal) {
	if err := unix.Kill(-e.pid, sig); err != nil && err != unix.ESRCH {
		s.log.Warn("failed to signal workload", map[string]interface{}{
			"workload_id": e.id,
			"signal":      workload.SignalName(sig),
			"error":       err.Error(),
		})
	}
}
