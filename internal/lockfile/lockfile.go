// Package lockfile provides exclusive advisory file locks for serializing
// work across harness processes on one host, such as toolchain installs
// and cache store writes.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// retryInterval is how often a blocked Lock re-attempts the flock while
// watching the context.
const retryInterval = 100 * time.Millisecond

// Lock takes an exclusive advisory lock on path, creating the file if
// needed. It blocks until the lock is acquired or ctx is done. The
// returned unlock releases the lock and closes the file; calling it more
// than once is safe.
func Lock(ctx context.Context, path string) (unlock func() error, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		switch err {
		case unix.EWOULDBLOCK, unix.EINTR:
			// Held elsewhere (or interrupted); wait and retry.
		default:
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true

		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			f.Close()
			return fmt.Errorf("unlocking %s: %w", path, err)
		}

		return f.Close()
	}, nil
}
