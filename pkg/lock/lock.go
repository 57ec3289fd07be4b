// Package lock is the "file-as-lock, made explicit" abstraction called
// for in the design notes: an advisory exclusive lock with guaranteed
// release on every exit path, used to serialize concurrent writers to
// the Registry's single file.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// FileLock is an advisory exclusive lock backed by a companion
// lockfile (e.g. "job_track.json.lock"). It does not protect against
// processes that ignore the advisory lock, matching the POSIX
// filesystem assumptions the rest of the core relies on.
type FileLock struct {
	path string
	file *os.File
}

// New returns a FileLock for the given lockfile path. The file is
// created on first Acquire if it does not exist.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire blocks until the exclusive lock is held.
func (l *FileLock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lockfile %s: %w", l.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Release unlocks and closes the lockfile. It is safe to call even if
// Acquire failed or was never called.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return closeErr
}

// WithLock acquires l, runs fn, and releases l on every path out of
// fn, including a panic.
func WithLock(l *FileLock, fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
