// Package lock provides the single advisory lock that enforces at most
// one deployment running on a host at a time.
package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/apollo/pulldeploy/internal/errs"
)

// Lock is a held advisory lock on a file. Release it with Unlock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) the lock file at path and takes a
// non-blocking exclusive flock on it. A second caller that cannot acquire
// the lock gets an *errs.Error of kind errs.Busy immediately rather than
// blocking.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.New(errs.Fatal, "open lock file", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errs.New(errs.Busy, "acquire lock", fmt.Errorf("%s is held by another process", path))
		}
		return nil, errs.New(errs.Fatal, "acquire lock", err)
	}

	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
