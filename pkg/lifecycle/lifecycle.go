package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is the supervisor lifecycle state
type State string

const (
	StateRunning  State = "running"  // accepting work
	StateDraining State = "draining" // rejecting work, waiting for workloads
	StateStopped  State = "stopped"  // terminal
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateRunning: {
		StateDraining: true, // signal or explicit shutdown
	},
	StateDraining: {
		StateStopped: true, // all workloads gone or grace expired
	},
	// Terminal state (no transitions allowed)
	StateStopped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target state: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Monitor tracks the lifecycle state. Draining and Stopped return channels
// that close when the respective state is entered, so waiters need no
// polling.
type Monitor struct {
	mu       sync.Mutex
	state    State
	since    time.Time
	draining chan struct{}
	stopped  chan struct{}
	notifier Notifier
}

// NewMonitor returns a monitor in the running state. A nil notifier
// disables host notifications.
func NewMonitor(notifier Notifier) *Monitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Monitor{
		state:    StateRunning,
		since:    time.Now(),
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
		notifier: notifier,
	}
}

// State returns the current state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Transition moves to the given state or returns an error for a
// transition outside the table.
func (m *Monitor) Transition(to State) error {
	m.mu.Lock()
	if err := ValidateTransition(m.state, to); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	m.since = time.Now()
	switch to {
	case StateDraining:
		close(m.draining)
	case StateStopped:
		close(m.stopped)
	}
	m.mu.Unlock()

	switch to {
	case StateDraining:
		m.notifier.Stopping()
	case StateStopped:
		m.notifier.Status("stopped")
	}
	return nil
}

// BeginDrain moves running to draining. It returns true only for the call
// that performed the transition; later calls are no-ops.
func (m *Monitor) BeginDrain() bool {
	return m.Transition(StateDraining) == nil
}

// Draining is closed once the monitor leaves the running state
func (m *Monitor) Draining() <-chan struct{} {
	return m.draining
}

// Stopped is closed once the monitor is stopped
func (m *Monitor) Stopped() <-chan struct{} {
	return m.stopped
}

// Live reports supervisor liveness. Workload failures never affect it.
func (m *Monitor) Live() bool {
	return m.State() != StateStopped
}

// Ready reports whether new work is accepted
func (m *Monitor) Ready() bool {
	return m.State() == StateRunning
}

// NotifyReady tells the host supervisor that startup finished
func (m *Monitor) NotifyReady() {
	m.notifier.Ready()
}
