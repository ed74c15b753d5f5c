package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// Identity is the non-root principal the supervisor and every workload run
// as. It is established once at startup and never changes afterwards.
type Identity struct {
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Username string `json:"username,omitempty"`
	Home     string `json:"home,omitempty"`
}

func (id Identity) String() string {
	if id.Username != "" {
		return fmt.Sprintf("%s(%d:%d)", id.Username, id.UID, id.GID)
	}
	return fmt.Sprintf("%d:%d", id.UID, id.GID)
}

// IsRoot reports whether either id is 0
func (id Identity) IsRoot() bool {
	return id.UID == 0 || id.GID == 0
}

// Config is the requested target identity
type Config struct {
	UID  int
	GID  int
	User string
}

// PrivilegeError is fatal: the host must not accept work after it.
type PrivilegeError struct {
	Op  string
	Err error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("privilege %s: %v", e.Op, e.Err)
}

func (e *PrivilegeError) Unwrap() error {
	return e.Err
}

var (
	// ErrRootTarget is returned when the configured identity is uid or gid 0
	ErrRootTarget = errors.New("target identity must not be root")

	// ErrIdentityMismatch is returned when a non-root process is asked to
	// assume an identity other than its own
	ErrIdentityMismatch = errors.New("process identity differs from target and cannot be changed")

	// ErrGroupsRetained is returned when a thread kept supplementary
	// groups the drop should have cleared
	ErrGroupsRetained = errors.New("supplementary groups retained")

	// ErrEscalation is returned when setuid(0) still succeeds after the drop
	ErrEscalation = errors.New("privilege escalation still possible")
)

// ops is the set of process-credential calls Establish makes. Tests
// replace it to exercise the root path without being root.
type ops struct {
	getresuid    func() (int, int, int)
	getresgid    func() (int, int, int)
	setgroups    func([]int) error
	setresgid    func(r, e, s int) error
	setresuid    func(r, e, s int) error
	clearCaps    func() error
	noNewPrivs   func() error
	setuid       func(int) error
	lookupUser   func(string) (*user.User, error)
	lookupID     func(string) (*user.User, error)
	threadGroups func() (map[string][]int, error)
}

// Establish drops the process to the configured identity, clears all
// capabilities and sets no_new_privs. On success nothing in this process or
// its descendants can regain root.
func Establish(cfg Config) (Identity, error) {
	return establish(cfg, systemOps())
}

func establish(cfg Config, sys ops) (Identity, error) {
	target, err := resolve(cfg, sys)
	if err != nil {
		return Identity{}, err
	}

	ruid, euid, suid := sys.getresuid()
	rgid, egid, sgid := sys.getresgid()

	dropped := euid == 0
	if dropped {
		if err := sys.setgroups(nil); err != nil {
			return Identity{}, &PrivilegeError{Op: "setgroups", Err: err}
		}
		if err := sys.setresgid(target.GID, target.GID, target.GID); err != nil {
			return Identity{}, &PrivilegeError{Op: "setresgid", Err: err}
		}
		if err := sys.setresuid(target.UID, target.UID, target.UID); err != nil {
			return Identity{}, &PrivilegeError{Op: "setresuid", Err: err}
		}
	} else {
		for _, id := range []int{ruid, euid, suid} {
			if id != target.UID {
				return Identity{}, &PrivilegeError{
					Op:  "assume",
					Err: fmt.Errorf("%w: running as uid %d, want %d", ErrIdentityMismatch, id, target.UID),
				}
			}
		}
		for _, id := range []int{rgid, egid, sgid} {
			if id != target.GID {
				return Identity{}, &PrivilegeError{
					Op:  "assume",
					Err: fmt.Errorf("%w: running as gid %d, want %d", ErrIdentityMismatch, id, target.GID),
				}
			}
		}
	}

	if err := sys.clearCaps(); err != nil {
		return Identity{}, &PrivilegeError{Op: "clear capabilities", Err: err}
	}
	if err := sys.noNewPrivs(); err != nil {
		return Identity{}, &PrivilegeError{Op: "no_new_privs", Err: err}
	}

	if err := sys.setuid(0); err == nil {
		return Identity{}, &PrivilegeError{Op: "verify", Err: ErrEscalation}
	}

	ruid, euid, suid = sys.getresuid()
	rgid, egid, sgid = sys.getresgid()
	if ruid != target.UID || euid != target.UID || suid != target.UID ||
		rgid != target.GID || egid != target.GID || sgid != target.GID {
		return Identity{}, &PrivilegeError{
			Op:  "verify",
			Err: fmt.Errorf("credentials are %d/%d/%d:%d/%d/%d after drop", ruid, euid, suid, rgid, egid, sgid),
		}
	}
	if err := verifyGroups(target, dropped, sys); err != nil {
		return Identity{}, &PrivilegeError{Op: "verify", Err: err}
	}

	return target, nil
}

// verifyGroups checks the supplementary groups of every thread, since any
// thread may fork a workload. After a drop from root only the target gid
// may remain; a process started unprivileged keeps its own groups but
// must not hold the root group.
func verifyGroups(target Identity, dropped bool, sys ops) error {
	threads, err := sys.threadGroups()
	if err != nil {
		return fmt.Errorf("reading thread groups: %w", err)
	}
	for tid, groups := range threads {
		for _, g := range groups {
			if g == 0 || (dropped && g != target.GID) {
				return fmt.Errorf("%w: thread %s still has supplementary groups %v", ErrGroupsRetained, tid, groups)
			}
		}
	}
	return nil
}

// parseStatusGroups extracts the Groups: line of a /proc status file
func parseStatusGroups(status string) ([]int, error) {
	for _, line := range strings.Split(status, "\n") {
		rest, ok := strings.CutPrefix(line, "Groups:")
		if !ok {
			continue
		}
		var groups []int
		for _, f := range strings.Fields(rest) {
			g, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("bad group %q", f)
			}
			groups = append(groups, g)
		}
		return groups, nil
	}
	return nil, errors.New("no Groups line")
}

// resolve turns the configured uid/gid/user into an Identity. A named user
// must exist and agree with any explicitly configured ids.
func resolve(cfg Config, sys ops) (Identity, error) {
	target := Identity{UID: cfg.UID, GID: cfg.GID, Username: cfg.User}

	if cfg.User != "" {
		u, err := sys.lookupUser(cfg.User)
		if err != nil {
			return Identity{}, &PrivilegeError{Op: "lookup", Err: err}
		}
		uid, gid, err := parseIDs(u)
		if err != nil {
			return Identity{}, &PrivilegeError{Op: "lookup", Err: err}
		}
		if target.UID != 0 && target.UID != uid {
			return Identity{}, &PrivilegeError{
				Op:  "lookup",
				Err: fmt.Errorf("user %s has uid %d, configured uid is %d", cfg.User, uid, target.UID),
			}
		}
		if target.GID != 0 && target.GID != gid {
			return Identity{}, &PrivilegeError{
				Op:  "lookup",
				Err: fmt.Errorf("user %s has gid %d, configured gid is %d", cfg.User, gid, target.GID),
			}
		}
		target.UID, target.GID, target.Home = uid, gid, u.HomeDir
	} else if u, err := sys.lookupID(strconv.Itoa(cfg.UID)); err == nil {
		target.Username, target.Home = u.Username, u.HomeDir
	}

	if target.IsRoot() {
		return Identity{}, &PrivilegeError{Op: "resolve", Err: ErrRootTarget}
	}
	return target, nil
}

func parseIDs(u *user.User) (int, int, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s: bad uid %q", u.Username, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s: bad gid %q", u.Username, u.Gid)
	}
	return uid, gid, nil
}

// Current reports the effective identity of this process
func Current() Identity {
	id := Identity{UID: os.Geteuid(), GID: os.Getegid()}
	if u, err := user.LookupId(strconv.Itoa(id.UID)); err == nil {
		id.Username, id.Home = u.Username, u.HomeDir
	}
	return id
}

// Verify checks that the process still runs as id
func Verify(id Identity) error {
	if euid, egid := os.Geteuid(), os.Getegid(); euid != id.UID || egid != id.GID {
		return &PrivilegeError{
			Op:  "verify",
			Err: fmt.Errorf("process runs as %d:%d, want %s", euid, egid, id),
		}
	}
	return nil
}
