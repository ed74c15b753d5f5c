package privilege

import (
	"errors"
	"os"
	"os/user"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCreds models a process's credentials for the root path. threads
// holds the supplementary groups per thread id; thread "1" calls setgroups.
type fakeCreds struct {
	uid, gid     int
	threads      map[string][]int
	perThread    bool
	capsCleared  bool
	noNewPrivs   bool
	failSetresid error
	allowRoot    bool
}

func (f *fakeCreds) ops() ops {
	return ops{
		getresuid: func() (int, int, int) { return f.uid, f.uid, f.uid },
		getresgid: func() (int, int, int) { return f.gid, f.gid, f.gid },
		setgroups: func(g []int) error {
			if f.uid != 0 {
				return syscall.EPERM
			}
			if f.threads == nil {
				f.threads = map[string][]int{}
			}
			if f.perThread {
				f.threads["1"] = g
				return nil
			}
			for tid := range f.threads {
				f.threads[tid] = g
			}
			f.threads["1"] = g
			return nil
		},
		setresgid: func(r, e, s int) error {
			if f.uid != 0 {
				return syscall.EPERM
			}
			f.gid = e
			return nil
		},
		setresuid: func(r, e, s int) error {
			if f.failSetresid != nil {
				return f.failSetresid
			}
			if f.uid != 0 {
				return syscall.EPERM
			}
			f.uid = e
			return nil
		},
		clearCaps: func() error {
			f.capsCleared = true
			return nil
		},
		noNewPrivs: func() error {
			f.noNewPrivs = true
			return nil
		},
		setuid: func(uid int) error {
			if f.uid == 0 || f.allowRoot {
				f.uid = uid
				return nil
			}
			return syscall.EPERM
		},
		lookupUser: func(name string) (*user.User, error) {
			if name == "runner" {
				return &user.User{Uid: "1000", Gid: "1000", Username: "runner", HomeDir: "/home/runner"}, nil
			}
			return nil, user.UnknownUserError(name)
		},
		lookupID: func(uid string) (*user.User, error) {
			return nil, user.UnknownUserIdError(0)
		},
		threadGroups: func() (map[string][]int, error) {
			out := make(map[string][]int, len(f.threads))
			for tid, g := range f.threads {
				out[tid] = append([]int(nil), g...)
			}
			return out, nil
		},
	}
}

func TestEstablishFromRoot(t *testing.T) {
	f := &fakeCreds{uid: 0, gid: 0, threads: map[string][]int{"1": {0, 4}, "2": {0, 4}, "3": {0, 4, 27}}}
	id, err := establish(Config{UID: 1000, GID: 1000, User: "runner"}, f.ops())
	require.NoError(t, err)

	assert.Equal(t, Identity{UID: 1000, GID: 1000, Username: "runner", Home: "/home/runner"}, id)
	assert.Equal(t, 1000, f.uid)
	assert.Equal(t, 1000, f.gid)
	for tid, groups := range f.threads {
		assert.Empty(t, groups, "thread %s", tid)
	}
	assert.True(t, f.capsCleared)
	assert.True(t, f.noNewPrivs)
}

func TestEstablishRejectsGroupsLeftOnOtherThreads(t *testing.T) {
	f := &fakeCreds{
		uid:       0,
		gid:       0,
		perThread: true,
		threads:   map[string][]int{"1": {0, 4}, "2": {0, 4}},
	}
	_, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
	var perr *PrivilegeError
	require.True(t, errors.As(err, &perr), "want *PrivilegeError, got %v", err)
	assert.Equal(t, "verify", perr.Op)
	assert.ErrorIs(t, err, ErrGroupsRetained)
	assert.Contains(t, err.Error(), "thread 2")
}

func TestEstablishUnprivilegedGroups(t *testing.T) {
	tests := []struct {
		name    string
		groups  []int
		wantErr bool
	}{
		{"none", nil, false},
		{"own groups", []int{1000, 27}, false},
		{"root group", []int{1000, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCreds{uid: 1000, gid: 1000, threads: map[string][]int{"1": tt.groups}}
			_, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrGroupsRetained)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseStatusGroups(t *testing.T) {
	status := "Name:\tsandboxd\nUid:\t0\t0\t0\t0\nGroups:\t0 4 27 \nNgid:\t0\n"
	groups, err := parseStatusGroups(status)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 27}, groups)

	groups, err = parseStatusGroups("Name:\tsandboxd\nGroups:\t\n")
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = parseStatusGroups("Name:\tsandboxd\n")
	assert.Error(t, err)
}

func TestThreadGroupsReadsProc(t *testing.T) {
	threads, err := threadGroups()
	require.NoError(t, err)
	assert.NotEmpty(t, threads)
}

func TestEstablishRejectsRootTarget(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"uid zero", Config{UID: 0, GID: 1000}},
		{"gid zero", Config{UID: 1000, GID: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCreds{}
			_, err := establish(tt.cfg, f.ops())
			var perr *PrivilegeError
			require.True(t, errors.As(err, &perr), "want *PrivilegeError, got %v", err)
			assert.ErrorIs(t, err, ErrRootTarget)
			assert.False(t, f.capsCleared, "must fail before touching credentials")
		})
	}
}

func TestEstablishUnknownUser(t *testing.T) {
	f := &fakeCreds{}
	_, err := establish(Config{UID: 1000, GID: 1000, User: "ghost"}, f.ops())
	var perr *PrivilegeError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "lookup", perr.Op)
}

func TestEstablishUserIDCollision(t *testing.T) {
	f := &fakeCreds{}
	_, err := establish(Config{UID: 2000, GID: 1000, User: "runner"}, f.ops())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid 1000")
}

func TestEstablishNonRootMustMatch(t *testing.T) {
	f := &fakeCreds{uid: 1001, gid: 1001}
	_, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	f = &fakeCreds{uid: 1000, gid: 1000}
	id, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.True(t, f.noNewPrivs)
}

func TestEstablishDetectsEscalation(t *testing.T) {
	f := &fakeCreds{uid: 1000, gid: 1000, allowRoot: true}
	_, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
	assert.ErrorIs(t, err, ErrEscalation)
}

func TestEstablishSetresuidFailure(t *testing.T) {
	f := &fakeCreds{failSetresid: syscall.EPERM}
	_, err := establish(Config{UID: 1000, GID: 1000}, f.ops())
	var perr *PrivilegeError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "setresuid", perr.Op)
	assert.ErrorIs(t, err, syscall.EPERM)
}

func TestEstablishAsCurrentUser(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("dropping privileges would affect the rest of the test binary")
	}
	cur := Current()
	id, err := Establish(Config{UID: cur.UID, GID: cur.GID})
	require.NoError(t, err)
	assert.Equal(t, cur.UID, id.UID)
	assert.NoError(t, Verify(id))
}

func TestVerify(t *testing.T) {
	cur := Current()
	assert.NoError(t, Verify(cur))

	err := Verify(Identity{UID: cur.UID + 1, GID: cur.GID})
	var perr *PrivilegeError
	assert.True(t, errors.As(err, &perr))
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "runner(1000:1000)", Identity{UID: 1000, GID: 1000, Username: "runner"}.String())
	assert.Equal(t, "7:8", Identity{UID: 7, GID: 8}.String())
}
