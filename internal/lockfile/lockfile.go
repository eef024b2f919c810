// Package lockfile is the advisory single-worker-per-host guard over
// worker.lock. No advisory-lock library appears anywhere in the
// retrieved corpus, so this is stdlib syscall.Flock directly — see
// DESIGN.md.
package lockfile

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ErrLocked is returned by Acquire when another process already holds
// the lock.
var ErrLocked = errors.New("lockfile: worker lock is already held")

// Lock is a held advisory lock. Release drops it.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) path and takes a non-blocking
// exclusive advisory lock on it. Returns ErrLocked if another process
// already holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, errors.Wrap(err, "flock")
	}

	return &Lock{file: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return errors.Wrap(err, "unlock")
	}
	return l.file.Close()
}
