package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const unixPrefix = "unix://"

// Listen opens the API listener. "unix:///path" binds a socket, replacing a
// stale one; anything else is a TCP address, optionally "tcp://" prefixed.
// The socket is bound before privileges drop, so it is handed to the
// sandbox identity via owner uid/gid (-1 keeps the current owner).
func Listen(addr string, uid, gid int) (net.Listener, error) {
	path, isUnix := strings.CutPrefix(addr, unixPrefix)
	if !isUnix {
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket mode: %w", err)
	}
	if uid >= 0 || gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to hand socket to %d:%d: %w", uid, gid, err)
		}
	}
	return l, nil
}

// SocketPath returns the filesystem path of a unix listen address
func SocketPath(addr string) (string, bool) {
	return strings.CutPrefix(addr, unixPrefix)
}
