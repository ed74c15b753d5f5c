package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

func systemOps() ops {
	return ops{
		getresuid: func() (int, int, int) {
			return unix.Getresuid()
		},
		getresgid: func() (int, int, int) {
			return unix.Getresgid()
		},
		// syscall.Setgroups applies to every thread; unix.Setgroups only
		// to the calling one
		setgroups:    syscall.Setgroups,
		setresgid:    unix.Setresgid,
		setresuid:    unix.Setresuid,
		clearCaps:    clearCaps,
		noNewPrivs:   noNewPrivs,
		setuid:       unix.Setuid,
		lookupUser:   user.Lookup,
		lookupID:     user.LookupId,
		threadGroups: threadGroups,
	}
}

// clearCaps empties the effective, permitted and inheritable sets on every
// thread and drops all ambient capabilities.
func clearCaps() error {
	if err := cap.NewSet().SetProc(); err != nil {
		return fmt.Errorf("clearing capability sets: %w", err)
	}
	if err := cap.ResetAmbient(); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	return nil
}

// noNewPrivs sets PR_SET_NO_NEW_PRIVS on all threads so setuid binaries
// cannot raise a workload's privileges. cgo binaries cannot use
// AllThreadsSyscall; they fall back to the calling thread, which is the
// thread that forks workloads only if callers lock it. Release builds are
// CGO_ENABLED=0.
func noNewPrivs() error {
	_, _, errno := syscall.AllThreadsSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0)
	if errno == 0 {
		return nil
	}
	if errors.Is(errno, syscall.ENOTSUP) {
		return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
	}
	return errno
}

// threadGroups reads the supplementary groups of every thread from
// /proc/self/task/*/status, keyed by thread id.
func threadGroups() (map[string][]int, error) {
	tasks, err := filepath.Glob("/proc/self/task/*/status")
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("no threads listed under /proc/self/task")
	}
	out := make(map[string][]int, len(tasks))
	for _, path := range tasks {
		data, err := os.ReadFile(path)
		if err != nil {
			// thread exited between glob and read
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
				continue
			}
			return nil, err
		}
		groups, err := parseStatusGroups(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[filepath.Base(filepath.Dir(path))] = groups
	}
	return out, nil
}
