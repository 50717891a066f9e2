//go:build !windows

package provision

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory lock on path. Without wait it fails with
// errLocked instead of blocking. Locks belong to the open file, so two
// lockFile calls in one process conflict like calls from two processes.
func lockFile(path string, mode lockMode, wait bool) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	how := unix.LOCK_EX
	if mode == lockShared {
		how = unix.LOCK_SH
	}
	if !wait {
		how |= unix.LOCK_NB
	}

	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// renameInUse reports whether a rename failed because the target is being
// executed.
func renameInUse(err error) bool {
	return errors.Is(err, unix.ETXTBSY)
}
