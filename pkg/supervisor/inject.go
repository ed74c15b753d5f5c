package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/psantana5/sandboxd/internal/cgroups"
	"github.com/psantana5/sandboxd/pkg/workload"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Inject starts a workload under the sandbox identity. The returned handle
// delivers started and then exactly one terminal event.
//
// A request with a SerialKey waits until the previous workload with the
// same key has terminated; ctx bounds that wait. Requests without a key
// run concurrently.
func (s *Supervisor) Inject(ctx context.Context, req workload.Request) (*Handle, error) {
	h, err := s.inject(ctx, req)
	if err != nil {
		s.metrics.Injected(Code(err))
		return nil, err
	}
	s.metrics.Injected("accepted")
	return h, nil
}

func (s *Supervisor) inject(ctx context.Context, req workload.Request) (*Handle, error) {
	// draining rejects every request, valid or not
	if s.ShuttingDown() {
		return nil, ErrRejectedShuttingDown
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Limits.Within(s.opts.Ceiling); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceLimitExceeded, err)
	}
	limits := req.Limits.Inherit(s.opts.Ceiling)

	id := uuid.NewString()

	path, err := exec.LookPath(req.Command)
	if err != nil {
		return nil, &SpawnError{ID: id, Command: req.Command, Err: err}
	}

	var release func()
	if req.SerialKey != "" {
		release, err = s.acquireLane(ctx, req.SerialKey)
		if err != nil {
			return nil, err
		}
	}

	h, err := s.spawn(id, path, req, limits, release)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	return h, nil
}

// acquireLane blocks until no workload holds key. The returned function
// hands the lane to the next waiter.
func (s *Supervisor) acquireLane(ctx context.Context, key string) (func(), error) {
	for {
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			return nil, ErrRejectedShuttingDown
		}
		busy, held := s.lanes[key]
		if !held {
			ch := make(chan struct{})
			s.lanes[key] = ch
			s.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					s.mu.Lock()
					if s.lanes[key] == ch {
						delete(s.lanes, key)
					}
					s.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-busy:
		case <-s.monitor.Draining():
			return nil, ErrRejectedShuttingDown
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Supervisor) environ(req workload.Request) []string {
	id := s.opts.Identity
	env := []string{
		"PATH=" + defaultPath,
		"HOME=" + id.Home,
		"USER=" + id.Username,
		"LOGNAME=" + id.Username,
	}
	if id.Home == "" {
		env[1] = "HOME=" + s.opts.WorkDir
	}
	return append(env, req.Env...)
}

// spawn starts the process and registers it while holding mu, so the
// reaper cannot observe its exit before the entry exists.
func (s *Supervisor) spawn(id, path string, req workload.Request, limits workload.Limits, release func()) (*Handle, error) {
	if err := s.opts.VerifyIdentity(s.opts.Identity); err != nil {
		return nil, &SpawnError{ID: id, Command: req.Command, Err: err}
	}

	spawnErr := func(err error) error {
		return &SpawnError{ID: id, Command: req.Command, Err: err}
	}

	stdin, stdinW, err := stdinPipe(req.Stdin)
	if err != nil {
		return nil, spawnErr(err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdin, stdinW)
		return nil, spawnErr(err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdin, stdinW, stdoutR, stdoutW)
		return nil, spawnErr(err)
	}

	dir := req.Dir
	if dir == "" {
		dir = s.opts.WorkDir
	}

	attr := &os.ProcAttr{
		Dir:   dir,
		Env:   s.environ(req),
		Files: []*os.File{stdin, stdoutW, stderrW},
		Sys: &syscall.SysProcAttr{
			Setpgid:   true,
			Pdeathsig: syscall.SIGKILL,
			Credential: &syscall.Credential{
				Uid: uint32(s.opts.Identity.UID),
				Gid: uint32(s.opts.Identity.GID),
				// a dropped supervisor has no supplementary groups to pass
				// on and may not call setgroups
				NoSetGroups: os.Geteuid() != 0,
			},
		},
	}
	argv := append([]string{req.Command}, req.Args...)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		closeAll(stdin, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, ErrRejectedShuttingDown
	}

	proc, err := os.StartProcess(path, argv, attr)
	closeAll(stdin, stdoutW, stderrW)
	if err != nil {
		s.mu.Unlock()
		closeAll(stdinW, stdoutR, stderrR)
		return nil, spawnErr(err)
	}
	pid := proc.Pid
	// exit status is collected by the reaper, never through proc
	proc.Release()

	startedAt := time.Now()
	e := &entry{
		id:          id,
		req:         req,
		limits:      limits,
		pid:         pid,
		startedAt:   startedAt,
		handle:      newHandle(id, pid, startedAt),
		stdout:      newBoundedBuffer(s.opts.MaxOutputBytes),
		stderr:      newBoundedBuffer(s.opts.MaxOutputBytes),
		pipes:       []*os.File{stdoutR, stderrR},
		outputDone:  make(chan struct{}),
		releaseLane: release,
	}
	s.entries[id] = e
	s.byPID[pid] = e
	s.seen[id] = struct{}{}

	s.applyLimitsLocked(e, req.Limits)
	if limits.WallTime > 0 {
		e.wallTimer = time.AfterFunc(limits.WallTime, func() { s.expire(id) })
	}

	// started is emitted before mu is released so it always precedes the
	// terminal event
	ev := workload.Event{
		Type:       workload.EventStarted,
		WorkloadID: id,
		PID:        pid,
		Time:       e.startedAt,
	}
	e.handle.started(ev)
	s.publish(ev)
	s.metrics.Started()
	s.mu.Unlock()

	s.capture(e, stdinW, req.Stdin)

	s.log.Info("workload started", map[string]interface{}{
		"workload_id": id,
		"pid":         pid,
		"command":     req.Command,
		"owner":       req.Owner,
		"wall_time":   limits.WallTime.String(),
	})
	return e.handle, nil
}

// applyLimitsLocked places the process into its cgroup and caps its address
// space. Both are best effort: a sandbox without a delegated cgroup tree
// still runs workloads, bounded by wall time only. Runs under mu so the pid
// cannot have been reaped and reused.
func (s *Supervisor) applyLimitsLocked(e *entry, requested workload.Limits) {
	if s.opts.Cgroups != nil {
		path, err := s.opts.Cgroups.Create(e.id)
		if err != nil {
			s.log.Debug("cgroup not created", map[string]interface{}{
				"workload_id": e.id,
				"error":       err.Error(),
			})
		} else if path != "" {
			e.cgroup = path
			// join even when a limit could not be written so the
			// workload is still accounted and killable as a group
			if err := s.opts.Cgroups.Apply(path, cgroups.Limits{
				CPUPercent:  e.limits.CPUPercent,
				MemoryBytes: e.limits.MemoryMB << 20,
			}); err != nil {
				s.log.Warn("cgroup limits not applied", map[string]interface{}{
					"workload_id": e.id,
					"error":       err.Error(),
				})
			}
			if err := s.opts.Cgroups.Join(path, e.pid); err != nil {
				s.log.Warn("failed to join workload cgroup", map[string]interface{}{
					"workload_id": e.id,
					"error":       err.Error(),
				})
			}
		}
	}

	// address-space limits are only set when asked for; a host-sized
	// default breaks runtimes that reserve large virtual ranges
	if requested.MemoryMB > 0 {
		bytes := uint64(requested.MemoryMB) << 20
		rl := &unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(e.pid, unix.RLIMIT_AS, rl, nil); err != nil {
			s.log.Debug("address space limit not applied", map[string]interface{}{
				"workload_id": e.id,
				"error":       err.Error(),
			})
		}
	}
}

// capture copies the workload's output into bounded buffers and feeds
// stdin. outputDone closes once both output pipes reach EOF.
func (s *Supervisor) capture(e *entry, stdinW *os.File, input []byte) {
	var wg sync.WaitGroup
	copyOut := func(dst io.Writer, src *os.File) {
		defer wg.Done()
		io.Copy(dst, src)
		src.Close()
	}
	wg.Add(2)
	go copyOut(e.stdout, e.pipes[0])
	go copyOut(e.stderr, e.pipes[1])
	go func() {
		wg.Wait()
		close(e.outputDone)
	}()

	if stdinW != nil {
		go func() {
			if _, err := stdinW.Write(input); err != nil {
				s.log.Debug("stdin write stopped", map[string]interface{}{
					"workload_id": e.id,
					"error":       err.Error(),
				})
			}
			stdinW.Close()
		}()
	}
}

// stdinPipe returns the child's stdin and, when input is given, the write
// end the supervisor feeds it through.
func stdinPipe(input []byte) (*os.File, *os.File, error) {
	if len(input) == 0 {
		f, err := os.Open(os.DevNull)
		return f, nil, err
	}
	return os.Pipe()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// ShuttingDown reports whether the monotonic shutdown flag is set
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
