package cgroups

// Cgroup placement is best effort. A workload must run even when the
// hierarchy is read-only or not delegated to the sandbox user.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// DefaultRoot is the cgroup filesystem mount point
const DefaultRoot = "/sys/fs/cgroup"

// Parent is the directory under the root that holds one cgroup per workload
const Parent = "sandboxd"

// SupervisorLeaf is the leaf under Parent the supervisor runs in on v2.
// It also receives the root cgroup's processes when the root must be
// emptied before it can delegate controllers.
const SupervisorLeaf = "supervisor"

// controllers are the v2 controllers workload limits are written through
var controllers = []string{"cpu", "memory"}

var (
	// ErrNoControllers is returned when the root offers none of the
	// controllers workload limits need
	ErrNoControllers = errors.New("cgroup v2 root offers neither cpu nor memory controller")

	// ErrControllerUnavailable is returned by Apply when a limit file is
	// missing because its controller is not enabled for the cgroup
	ErrControllerUnavailable = errors.New("cgroup controller not enabled")
)

// Manager handles cgroup lifecycle only.
// Create. Apply. Join. Delete.
type Manager struct {
	root    string
	version int

	mu       sync.Mutex
	prepared bool
	prepErr  error
	enabled  []string
}

// New creates a cgroup manager rooted at root (DefaultRoot when empty)
func New(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{
		root:    root,
		version: Version(root),
	}
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Version returns the detected cgroup version
func (m *Manager) Version() int {
	return m.version
}

// Prepare enables the cpu and memory controllers for the root's children
// and for Parent's children on cgroup v2. It runs once and later calls
// return the first outcome. A no-op on v1.
func (m *Manager) Prepare() error {
	if m.version != 2 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.prepared {
		m.prepared = true
		m.enabled, m.prepErr = m.enableControllers()
	}
	return m.prepErr
}

// Controllers returns the v2 controllers Prepare enabled
func (m *Manager) Controllers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.enabled)
}

func (m *Manager) enableControllers() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.root, "cgroup.controllers"))
	if err != nil {
		return nil, err
	}
	available := strings.Fields(string(data))
	var enabled []string
	for _, c := range controllers {
		if slices.Contains(available, c) {
			enabled = append(enabled, c)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoControllers
	}

	parent := filepath.Join(m.root, Parent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	if err := m.writeSubtreeControl(m.root, enabled); err != nil {
		if !errors.Is(err, syscall.EBUSY) {
			return nil, err
		}
		// a namespace root holding processes cannot delegate; move them
		// into a leaf and retry
		if err := m.evacuateRoot(); err != nil {
			return nil, fmt.Errorf("moving root processes to %s: %w", SupervisorLeaf, err)
		}
		if err := m.writeSubtreeControl(m.root, enabled); err != nil {
			return nil, err
		}
	}
	if err := m.writeSubtreeControl(parent, enabled); err != nil {
		return nil, err
	}
	return enabled, nil
}

func (m *Manager) writeSubtreeControl(dir string, enabled []string) error {
	tokens := make([]string, len(enabled))
	for i, c := range enabled {
		tokens[i] = "+" + c
	}
	path := filepath.Join(dir, "cgroup.subtree_control")
	if err := os.WriteFile(path, []byte(strings.Join(tokens, " ")), 0o644); err != nil {
		return fmt.Errorf("enabling %s in %s: %w", strings.Join(tokens, " "), dir, err)
	}
	return nil
}

// evacuateRoot moves every process of the root cgroup into the
// supervisor leaf
func (m *Manager) evacuateRoot() error {
	data, err := os.ReadFile(filepath.Join(m.root, "cgroup.procs"))
	if err != nil {
		return err
	}
	return m.moveToLeaf(strings.Fields(string(data))...)
}

// moveToLeaf writes pids into the supervisor leaf. The kernel moves one
// pid per write; pids that exited meanwhile are skipped.
func (m *Manager) moveToLeaf(pids ...string) error {
	leaf := filepath.Join(m.root, Parent, SupervisorLeaf)
	if err := os.MkdirAll(leaf, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(leaf, "cgroup.procs"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, pid := range pids {
		if _, err := f.WriteString(pid + "\n"); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("pid %s: %w", pid, err)
		}
	}
	return nil
}

// Delegate hands the workload subtree to uid:gid so a supervisor that has
// dropped root can still create, limit and join workload cgroups. On v2
// it enables the controllers, moves this process into the supervisor leaf
// (so Parent is the common ancestor of every move) and chowns Parent with
// its procs and subtree_control files. On v1 it chowns the cpu and memory
// parents. Must run while still privileged.
func (m *Manager) Delegate(uid, gid int) error {
	if m.version == 2 {
		if err := m.Prepare(); err != nil {
			return err
		}
		if err := m.moveToLeaf(strconv.Itoa(os.Getpid())); err != nil {
			return fmt.Errorf("joining %s: %w", SupervisorLeaf, err)
		}
		parent := filepath.Join(m.root, Parent)
		return chownAll(uid, gid,
			parent,
			filepath.Join(parent, "cgroup.procs"),
			filepath.Join(parent, "cgroup.subtree_control"),
			filepath.Join(parent, SupervisorLeaf),
			filepath.Join(parent, SupervisorLeaf, "cgroup.procs"),
		)
	}

	var paths []string
	for _, ctrl := range []string{"cpu", "memory"} {
		dir := filepath.Join(m.root, ctrl, Parent)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		paths = append(paths, dir)
	}
	return chownAll(uid, gid, paths...)
}

func chownAll(uid, gid int, paths ...string) error {
	for _, p := range paths {
		if err := os.Chown(p, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

// Create creates the cgroup for a workload.
// Returns an empty path and no error when the hierarchy is not writable.
func (m *Manager) Create(workloadID string) (string, error) {
	if workloadID == "" {
		return "", fmt.Errorf("workload id is required")
	}
	name := filepath.Join(Parent, workloadID)

	if m.version == 2 {
		if err := m.Prepare(); err != nil {
			if isUnwritable(err) {
				return "", nil
			}
			return "", err
		}
		path := filepath.Join(m.root, name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			if isUnwritable(err) {
				return "", nil
			}
			return "", err
		}
		return path, nil
	}

	cpuPath := filepath.Join(m.root, "cpu", name)
	if err := os.MkdirAll(cpuPath, 0o755); err != nil {
		if isUnwritable(err) {
			return "", nil
		}
		return "", err
	}
	os.MkdirAll(m.memoryPath(cpuPath), 0o755) // best effort
	return cpuPath, nil
}

// Apply writes limits into the cgroup at path. Each limit is attempted
// even when the other fails.
func (m *Manager) Apply(path string, limits Limits) error {
	if path == "" {
		return nil
	}
	var errs []error
	if limits.CPUPercent > 0 {
		if err := m.writeCPUMax(path, limits.CPUPercent); err != nil {
			errs = append(errs, fmt.Errorf("cpu limit: %w", err))
		}
	}
	if limits.MemoryBytes > 0 {
		if err := m.writeMemoryMax(path, limits.MemoryBytes); err != nil {
			errs = append(errs, fmt.Errorf("memory limit: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Join moves a PID into the cgroup
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	value := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), value, 0o644); err != nil {
		return err
	}
	if m.version == 1 {
		os.WriteFile(filepath.Join(m.memoryPath(path), "cgroup.procs"), value, 0o644) // best effort
	}
	return nil
}

// Delete removes the cgroup directory. The kernel refuses while processes
// remain, so callers delete only after the workload was reaped.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if m.version == 1 {
		os.Remove(m.memoryPath(path))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) memoryPath(cpuPath string) string {
	return strings.Replace(cpuPath, string(filepath.Separator)+"cpu"+string(filepath.Separator), string(filepath.Separator)+"memory"+string(filepath.Separator), 1)
}

// writeControl writes a kernel-provided control file. It never creates
// the file: a missing file means the controller is not enabled.
func writeControl(path string, value []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrControllerUnavailable, filepath.Base(path))
		}
		return err
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func isUnwritable(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	// read-only sysfs mounts report EROFS
	return strings.Contains(err.Error(), "read-only file system")
}
