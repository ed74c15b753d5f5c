package cgroups

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
)

func fakeV2Root(t *testing.T) string {
	t.Helper()
	return fakeV2RootWith(t, "cpuset cpu io memory pids")
}

func fakeV2RootWith(t *testing.T, controllers string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte(controllers+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

// kernelFiles creates the control files cgroupfs would add once the
// parent delegates cpu and memory.
func kernelFiles(t *testing.T, path string) {
	t.Helper()
	for _, f := range []string{"cpu.max", "memory.max"} {
		if err := os.WriteFile(filepath.Join(path, f), []byte("max"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestVersionDetection(t *testing.T) {
	if v := Version(fakeV2Root(t)); v != 2 {
		t.Errorf("Version() = %d, want 2", v)
	}
	if v := Version(t.TempDir()); v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
}

func TestV2Lifecycle(t *testing.T) {
	m := New(fakeV2Root(t))

	path, err := m.Create("wl-1")
	if err != nil || path == "" {
		t.Fatalf("Create() = %q, %v", path, err)
	}
	kernelFiles(t, path)
	if err := m.Apply(path, Limits{CPUPercent: 50, MemoryBytes: 64 << 20}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := readFile(t, filepath.Join(path, "cpu.max")); got != "50000 100000" {
		t.Errorf("cpu.max = %q", got)
	}
	if got := readFile(t, filepath.Join(path, "memory.max")); got != "67108864" {
		t.Errorf("memory.max = %q", got)
	}
	if err := m.Join(path, 1234); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := readFile(t, filepath.Join(path, "cgroup.procs")); got != "1234" {
		t.Errorf("cgroup.procs = %q", got)
	}

	// a real cgroupfs drops these on rmdir, a tmpfs does not
	for _, f := range []string{"cpu.max", "memory.max", "cgroup.procs"} {
		os.Remove(filepath.Join(path, f))
	}
	if err := m.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("cgroup dir still present: %v", err)
	}
}

func TestV1WritesQuotaAndMemory(t *testing.T) {
	m := New(t.TempDir())
	path, err := m.Create("wl-2")
	if err != nil || path == "" {
		t.Fatalf("Create() = %q, %v", path, err)
	}
	if err := m.Apply(path, Limits{CPUPercent: 200, MemoryBytes: 1 << 20}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := readFile(t, filepath.Join(path, "cpu.cfs_quota_us")); got != "200000" {
		t.Errorf("cpu.cfs_quota_us = %q", got)
	}
	memPath := m.memoryPath(path)
	if got := readFile(t, filepath.Join(memPath, "memory.limit_in_bytes")); got != "1048576" {
		t.Errorf("memory.limit_in_bytes = %q", got)
	}
}

func TestEmptyPathIsNoop(t *testing.T) {
	m := New(t.TempDir())
	if err := m.Apply("", Limits{CPUPercent: 10}); err != nil {
		t.Errorf("Apply: %v", err)
	}
	if err := m.Join("", 1); err != nil {
		t.Errorf("Join: %v", err)
	}
	if err := m.Delete(""); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestCPUQuotaFloor(t *testing.T) {
	if q := CPUQuota(0.1); q != 1000 {
		t.Errorf("CPUQuota(0.1) = %d, want 1000", q)
	}
	if q := CPUQuota(150); q != 150000 {
		t.Errorf("CPUQuota(150) = %d, want 150000", q)
	}
}

func TestV2EnablesControllersOnParentChain(t *testing.T) {
	tests := []struct {
		name      string
		available string
		want      string
	}{
		{"cpu and memory", "cpuset cpu io memory pids", "+cpu +memory"},
		{"memory only", "io memory", "+memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := fakeV2RootWith(t, tt.available)
			m := New(root)
			if _, err := m.Create("wl-1"); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if got := readFile(t, filepath.Join(root, "cgroup.subtree_control")); got != tt.want {
				t.Errorf("root subtree_control = %q, want %q", got, tt.want)
			}
			if got := readFile(t, filepath.Join(root, Parent, "cgroup.subtree_control")); got != tt.want {
				t.Errorf("%s subtree_control = %q, want %q", Parent, got, tt.want)
			}
		})
	}
}

func TestV2WithoutUsableControllers(t *testing.T) {
	m := New(fakeV2RootWith(t, "io pids"))
	if _, err := m.Create("wl-1"); !errors.Is(err, ErrNoControllers) {
		t.Fatalf("Create() error = %v, want ErrNoControllers", err)
	}
	// the outcome is remembered
	if err := m.Prepare(); !errors.Is(err, ErrNoControllers) {
		t.Errorf("Prepare() = %v, want ErrNoControllers", err)
	}
}

func TestV2MissingControlFilesAreReported(t *testing.T) {
	m := New(fakeV2Root(t))
	path, err := m.Create("wl-1")
	if err != nil || path == "" {
		t.Fatalf("Create() = %q, %v", path, err)
	}

	err = m.Apply(path, Limits{CPUPercent: 50, MemoryBytes: 1 << 20})
	if !errors.Is(err, ErrControllerUnavailable) {
		t.Fatalf("Apply() = %v, want ErrControllerUnavailable", err)
	}
	if _, statErr := os.Stat(filepath.Join(path, "cpu.max")); !os.IsNotExist(statErr) {
		t.Errorf("Apply created cpu.max: %v", statErr)
	}

	// joining does not depend on the limits
	if err := m.Join(path, 4321); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestEvacuateRootMovesEveryProcess(t *testing.T) {
	root := fakeV2Root(t)
	if err := os.WriteFile(filepath.Join(root, "cgroup.procs"), []byte("1\n42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(root)
	if err := m.evacuateRoot(); err != nil {
		t.Fatalf("evacuateRoot: %v", err)
	}
	if got := readFile(t, filepath.Join(root, Parent, SupervisorLeaf, "cgroup.procs")); got != "1\n42\n" {
		t.Errorf("leaf cgroup.procs = %q", got)
	}
}

func TestV2Delegate(t *testing.T) {
	root := fakeV2Root(t)
	parent := filepath.Join(root, Parent)
	// present on a real cgroupfs once the directory exists
	if err := os.MkdirAll(parent, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "cgroup.procs"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(root)
	uid, gid := os.Getuid(), os.Getgid()
	if err := m.Delegate(uid, gid); err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	self := strconv.Itoa(os.Getpid()) + "\n"
	if got := readFile(t, filepath.Join(parent, SupervisorLeaf, "cgroup.procs")); got != self {
		t.Errorf("leaf cgroup.procs = %q, want %q", got, self)
	}
	for _, p := range []string{parent, filepath.Join(parent, "cgroup.procs"), filepath.Join(parent, SupervisorLeaf)} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		st := info.Sys().(*syscall.Stat_t)
		if int(st.Uid) != uid || int(st.Gid) != gid {
			t.Errorf("%s owned by %d:%d, want %d:%d", p, st.Uid, st.Gid, uid, gid)
		}
	}
}
