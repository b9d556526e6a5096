// Package mountlock provides the advisory single-mount guard spec.md
// §7 requires: only one repertory process may run against a given
// cache directory at a time. It is grounded on the teacher's
// lib/file.GetLock (an flock(2)-based advisory lock used to serialize
// access to rclone's bisync state file), adapted from a single shared
// lock file to one keyed by cache directory.
package mountlock

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/repertory-go/repertory/internal/rerrors"
)

const lockFileName = ".repertory.lock"

// Lock holds an acquired advisory lock. Callers must call Unlock when
// the mount shuts down.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking flock on cacheDir's lock
// file. It returns rerrors.FileInUse if another process already holds
// it, matching spec.md's "mount_active" CLI exit condition.
func Acquire(cacheDir string) (*Lock, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, rerrors.Wrap(rerrors.OSError, err)
	}

	path := filepath.Join(cacheDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.OSError, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, rerrors.New(rerrors.FileInUse)
		}
		return nil, rerrors.Wrap(rerrors.OSError, err)
	}

	return &Lock{f: f}, nil
}

// Unlock releases the flock and closes the underlying file. Safe to
// call once; a second call is a no-op error that callers may ignore.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return rerrors.Wrap(rerrors.OSError, err)
	}
	return l.f.Close()
}
