// Package supervisor is the long-lived root of the sandbox process tree. It
// spawns injected workloads under the sandbox identity, reaps every child,
// enforces cancellation and wall-time limits, and drives graceful drain.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psantana5/sandboxd/internal/cgroups"
	"github.com/psantana5/sandboxd/pkg/lifecycle"
	"github.com/psantana5/sandboxd/pkg/logging"
	"github.com/psantana5/sandboxd/pkg/metrics"
	"github.com/psantana5/sandboxd/pkg/privilege"
	"github.com/psantana5/sandboxd/pkg/store"
	"github.com/psantana5/sandboxd/pkg/workload"
)

const (
	defaultKillGrace   = 5 * time.Second
	defaultDrainGrace  = 10 * time.Second
	defaultOutputDrain = 2 * time.Second
	defaultReapTimeout = 5 * time.Second
)

// Options configures a Supervisor. Identity is required; everything else
// has a usable default.
type Options struct {
	Identity       privilege.Identity
	Ceiling        workload.Limits
	KillGrace      time.Duration
	DrainGrace     time.Duration
	MaxOutputBytes int64
	WorkDir        string

	// OutputDrain bounds how long a reaped workload's pipes are read after
	// exit. Grandchildren that keep stdout open cannot hold the result back
	// longer than this.
	OutputDrain time.Duration

	// ReapTimeout bounds the wait for force-killed workloads on shutdown.
	ReapTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Recorder
	History store.Store
	Cgroups *cgroups.Manager
	Monitor *lifecycle.Monitor

	// Notify and StopNotify default to signal.Notify and signal.Stop.
	Notify     func(c chan<- os.Signal, sig ...os.Signal)
	StopNotify func(c chan<- os.Signal)

	// VerifyIdentity defaults to privilege.Verify and runs before each spawn.
	VerifyIdentity func(privilege.Identity) error
}

// entry is a registered, not yet reaped workload
type entry struct {
	id        string
	req       workload.Request
	limits    workload.Limits
	pid       int
	startedAt time.Time
	handle    *Handle
	cgroup    string

	stdout, stderr *boundedBuffer
	pipes          []*os.File
	outputDone     chan struct{}

	wallTimer *time.Timer
	killTimer *time.Timer
	pending   workload.ExitReason
	termSent  bool

	releaseLane func()
}

func (e *entry) snapshot(state workload.State) workload.Result {
	return workload.Result{
		ID:        e.id,
		Owner:     e.req.Owner,
		Command:   e.req.Command,
		Args:      e.req.Args,
		PID:       e.pid,
		State:     state,
		Limits:    e.limits,
		StartedAt: e.startedAt,
	}
}

// Supervisor owns the SupervisorState: every live workload, the monotonic
// shutdown flag and the serial lanes, all guarded by mu. The reaper holds
// mu across wait4 and Inject holds it across start+register, so an exit is
// never reaped before its workload is registered.
type Supervisor struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.Recorder
	history store.Store
	monitor *lifecycle.Monitor
	broker  *broker

	mu        sync.Mutex
	entries   map[string]*entry
	byPID     map[int]*entry
	finishing map[string]*entry
	// seen holds every id ever issued so Cancel stays idempotent and Get
	// can tell evicted from unknown after history eviction. It grows by one
	// short key per workload for the container's lifetime.
	seen      map[string]struct{}
	lanes     map[string]chan struct{}
	shutdown  bool
	drained   chan struct{}

	running atomic.Bool
}

// New creates a supervisor. It does not start reaping until Run is called.
func New(opts Options) (*Supervisor, error) {
	if opts.Identity.IsRoot() {
		return nil, &privilege.PrivilegeError{Op: "supervise", Err: privilege.ErrRootTarget}
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}
	if opts.OutputDrain <= 0 {
		opts.OutputDrain = defaultOutputDrain
	}
	if opts.ReapTimeout <= 0 {
		opts.ReapTimeout = defaultReapTimeout
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.History == nil {
		opts.History = store.NewMemoryStore(1024)
	}
	if opts.Monitor == nil {
		opts.Monitor = lifecycle.NewMonitor(nil)
	}
	if opts.Notify == nil {
		opts.Notify = signal.Notify
	}
	if opts.StopNotify == nil {
		opts.StopNotify = signal.Stop
	}
	if opts.VerifyIdentity == nil {
		opts.VerifyIdentity = privilege.Verify
	}

	return &Supervisor{
		opts:      opts,
		log:       opts.Logger.WithField("component", "supervisor"),
		metrics:   opts.Metrics,
		history:   opts.History,
		monitor:   opts.Monitor,
		broker:    newBroker(),
		entries:   make(map[string]*entry),
		byPID:     make(map[int]*entry),
		finishing: make(map[string]*entry),
		seen:      make(map[string]struct{}),
		lanes:     make(map[string]chan struct{}),
	}, nil
}

// Run is the idle loop. It blocks on child exits and termination signals
// without polling. SIGTERM, SIGINT or ctx cancellation start a drain with
// the configured grace period; Run keeps reaping until the lifecycle is
// stopped and then returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	chld := make(chan os.Signal, 1)
	term := make(chan os.Signal, 1)
	s.opts.Notify(chld, syscall.SIGCHLD)
	s.opts.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	defer s.opts.StopNotify(chld)
	defer s.opts.StopNotify(term)

	s.log.Info("supervisor idle loop started", map[string]interface{}{
		"identity": s.opts.Identity.String(),
		"pid":      os.Getpid(),
	})

	// children that exited before Notify was installed
	s.reap()

	done := ctx.Done()
	for {
		select {
		case <-chld:
			s.reap()
		case sig := <-term:
			s.log.Info("termination signal received, draining", map[string]interface{}{
				"signal":       sig.String(),
				"grace_period": s.opts.DrainGrace.String(),
			})
			go s.Shutdown(context.Background(), s.opts.DrainGrace)
		case <-done:
			done = nil
			s.log.Info("context cancelled, draining", map[string]interface{}{
				"grace_period": s.opts.DrainGrace.String(),
			})
			go s.Shutdown(context.Background(), s.opts.DrainGrace)
		case <-s.monitor.Stopped():
			s.reap()
			s.log.Info("supervisor stopped")
			return nil
		}
	}
}

// reap collects every exited child. Registered workloads are finished;
// anything else is an orphan and is logged and discarded.
func (s *Supervisor) reap() {
	type reaped struct {
		e  *entry
		ws unix.WaitStatus
	}
	var done []reaped

	s.mu.Lock()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			break
		}

		e, ok := s.byPID[pid]
		if !ok {
			s.metrics.Orphan()
			s.log.Debug("reaped orphan", map[string]interface{}{
				"pid":    pid,
				"status": int(ws),
			})
			continue
		}

		delete(s.byPID, pid)
		delete(s.entries, e.id)
		s.finishing[e.id] = e
		stopTimer(e.wallTimer)
		stopTimer(e.killTimer)
		// leftovers of the group still hold pipes open; the group id cannot
		// be reused while members remain
		unix.Kill(-e.pid, unix.SIGKILL)
		done = append(done, reaped{e: e, ws: ws})
	}
	s.mu.Unlock()

	for _, r := range done {
		go s.finish(r.e, syscall.WaitStatus(r.ws))
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// finish turns a reaped workload into its terminal result and event.
func (s *Supervisor) finish(e *entry, ws syscall.WaitStatus) {
	select {
	case <-e.outputDone:
	case <-time.After(s.opts.OutputDrain):
		s.log.Warn("output still open after exit, closing pipes", map[string]interface{}{
			"workload_id": e.id,
		})
		for _, f := range e.pipes {
			f.Close()
		}
		<-e.outputDone
	}

	s.mu.Lock()
	pending := e.pending
	s.mu.Unlock()

	finishedAt := time.Now()
	res := e.snapshot(workload.StateExited)
	res.FinishedAt = finishedAt
	res.Duration = finishedAt.Sub(e.startedAt)
	res.Reason = workload.ReasonFor(ws, pending)
	res.Stdout, res.StdoutTruncated = e.stdout.snapshot()
	res.Stderr, res.StderrTruncated = e.stderr.snapshot()

	ev := workload.Event{
		WorkloadID: e.id,
		PID:        e.pid,
		Reason:     res.Reason,
		Time:       finishedAt,
	}
	if ws.Signaled() {
		res.State = workload.StateKilled
		res.ExitCode = -1
		res.Signal = workload.SignalName(ws.Signal())
		ev.Type = workload.EventKilled
		ev.Signal = res.Signal
		ev.ExitCode = -1
	} else {
		res.ExitCode = ws.ExitStatus()
		ev.Type = workload.EventExited
		ev.ExitCode = res.ExitCode
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.history.Put(ctx, res); err != nil {
		s.log.Error("failed to record result", map[string]interface{}{
			"workload_id": e.id,
			"error":       err.Error(),
		})
	}
	cancel()

	if s.opts.Cgroups != nil {
		if err := s.opts.Cgroups.Delete(e.cgroup); err != nil {
			s.log.Debug("cgroup cleanup failed", map[string]interface{}{"workload_id": e.id, "error": err.Error()})
		}
	}

	e.handle.finish(res, ev)
	s.publish(ev)
	s.metrics.Terminated(string(ev.Type), string(res.Reason), res.Duration.Seconds())

	s.log.Info("workload finished", map[string]interface{}{
		"workload_id": e.id,
		"pid":         e.pid,
		"result":      res.Summary(),
		"duration_ms": res.Duration.Milliseconds(),
	})

	if e.releaseLane != nil {
		e.releaseLane()
	}

	s.mu.Lock()
	delete(s.finishing, e.id)
	s.checkDrainedLocked()
	s.mu.Unlock()
}

// publish fans an event out. With nobody listening the event is logged and
// discarded.
func (s *Supervisor) publish(ev workload.Event) {
	delivered, dropped := s.broker.publish(ev)
	if dropped > 0 {
		s.log.Warn("slow subscriber dropped event", map[string]interface{}{
			"event":   ev.String(),
			"dropped": dropped,
		})
	}
	if delivered == 0 && dropped == 0 {
		s.log.Debug("no subscriber for event, discarded", map[string]interface{}{"event": ev.String()})
	}
}

// Subscribe returns a stream of every workload's events and a function
// that ends the subscription. Events are dropped for subscribers whose
// buffer is full.
func (s *Supervisor) Subscribe(buffer int) (<-chan workload.Event, func()) {
	return s.broker.subscribe(buffer)
}

// List returns the live workloads ordered by start time
func (s *Supervisor) List() []workload.Result {
	s.mu.Lock()
	out := make([]workload.Result, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot(workload.StateRunning))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns the status of a live or finished workload
func (s *Supervisor) Get(ctx context.Context, id string) (workload.Result, error) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		res := e.snapshot(workload.StateRunning)
		s.mu.Unlock()
		return res, nil
	}
	if e, ok := s.finishing[id]; ok {
		s.mu.Unlock()
		// the result is moments away; the output drain bounds this
		return e.handle.Wait(ctx)
	}
	_, seen := s.seen[id]
	s.mu.Unlock()

	res, err := s.history.Get(ctx, id)
	if err == nil {
		return res, nil
	}
	if seen {
		return workload.Result{ID: id, State: workload.StateEvicted}, nil
	}
	return workload.Result{}, ErrWorkloadNotFound
}

// Wait blocks until the workload with the given id is terminal
func (s *Supervisor) Wait(ctx context.Context, id string) (workload.Result, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e, ok = s.finishing[id]
	}
	s.mu.Unlock()
	if ok {
		return e.handle.Wait(ctx)
	}
	return s.Get(ctx, id)
}

// Health summarizes supervisor state for liveness probes
type Health struct {
	State    lifecycle.State `json:"state"`
	Since    time.Time       `json:"since"`
	Running  int             `json:"running"`
	Identity string          `json:"identity"`
}

// Health reports the lifecycle state and the number of live workloads
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	return Health{
		State:    s.monitor.State(),
		Since:    s.monitor.Since(),
		Running:  n,
		Identity: s.opts.Identity.String(),
	}
}

// Monitor returns the lifecycle monitor driven by this supervisor
func (s *Supervisor) Monitor() *lifecycle.Monitor {
	return s.monitor
}

// Identity returns the identity workloads run as
func (s *Supervisor) Identity() privilege.Identity {
	return s.opts.Identity
}

// Ceiling returns the host resource ceiling
func (s *Supervisor) Ceiling() workload.Limits {
	return s.opts.Ceiling
}
