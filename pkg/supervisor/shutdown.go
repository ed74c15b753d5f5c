package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/sandboxd/pkg/lifecycle"
	"github.com/psantana5/sandboxd/pkg/workload"
)

// Shutdown drains the supervisor: new injects are rejected, live workloads
// get grace to finish, survivors are SIGKILLed and reaped (bounded by the
// reap timeout), then the lifecycle moves to stopped. Concurrent and
// repeated calls wait for the first drain to complete. Run must be active
// for workloads to be reaped.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	drained, first := s.beginDrain()
	if !first {
		select {
		case <-s.monitor.Stopped():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.log.Info("draining", map[string]interface{}{
		"grace_period": grace.String(),
		"running":      len(s.List()),
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = s.forceStop(drained)
	case <-ctx.Done():
		err = s.forceStop(drained)
	}

	if terr := s.monitor.Transition(lifecycle.StateStopped); terr != nil {
		s.log.Warn("lifecycle transition failed", map[string]interface{}{"error": terr.Error()})
	}
	s.metrics.SetState(string(lifecycle.StateStopped))
	s.log.Info("drain complete, supervisor stopped")
	return err
}

// beginDrain sets the monotonic shutdown flag. It returns the channel that
// closes when no workload remains and whether this call started the drain.
func (s *Supervisor) beginDrain() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return s.drained, false
	}
	s.shutdown = true
	s.drained = make(chan struct{})
	s.checkDrainedLocked()

	// lane waiters watch the monitor's draining channel
	s.monitor.BeginDrain()
	s.metrics.SetState(string(lifecycle.StateDraining))
	return s.drained, true
}

// checkDrainedLocked closes drained once shutdown started and neither live
// nor finishing workloads remain.
func (s *Supervisor) checkDrainedLocked() {
	if !s.shutdown || s.drained == nil {
		return
	}
	if len(s.entries) > 0 || len(s.finishing) > 0 {
		return
	}
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

func (s *Supervisor) forceStop(drained <-chan struct{}) error {
	s.mu.Lock()
	n := s.killAllLocked(workload.ExitReasonShutdown)
	s.mu.Unlock()

	if n > 0 {
		s.log.Warn("grace period expired, killed remaining workloads", map[string]interface{}{"killed": n})
	}

	select {
	case <-drained:
		return nil
	case <-time.After(s.opts.ReapTimeout):
		s.mu.Lock()
		left := len(s.entries) + len(s.finishing)
		s.mu.Unlock()
		return fmt.Errorf("%d workloads not reaped within %s", left, s.opts.ReapTimeout)
	}
}
