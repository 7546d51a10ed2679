// Package lockfile provides an advisory interlock over a workdir so two
// invocations against the same (device, workdir) pair fail fast instead of
// racing. It is a hardening measure, not a correctness requirement: the
// engine's durability ordering is safe even without it, but without it two
// processes can interleave commits in ways no single-threaded run would
// ever produce.
package lockfile

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const name = ".lock"

// Lock is a held advisory lock on a workdir. It must be released with
// Release when the run completes, successfully or not.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking lock on workdir/.lock. If
// another process already holds it, Acquire returns an error identifying
// the contention rather than blocking.
func Acquire(workdir string) (*Lock, error) {
	path := join(workdir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("lockfile: workdir %s is locked by another process", workdir)
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	content := fmt.Sprintf("pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("lockfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file. The .lock file
// itself is left in place; its presence is harmless and its content is
// overwritten on the next Acquire.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return l.f.Close()
}

func join(workdir, n string) string {
	if workdir == "" {
		return n
	}
	return workdir + string(os.PathSeparator) + n
}
