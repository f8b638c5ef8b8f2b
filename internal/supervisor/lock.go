//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// FileLock is a non-blocking flock(2) lock that keeps a second supervisor
// from watching the same processes. The kernel drops the lock when the
// holder dies, so a stale file left by a killed supervisor never blocks.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to acquire the lock without blocking.
// Returns false if another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	writeHolder(f)
	l.file = f
	return true, nil
}

// Unlock removes the lock file and releases the lock.
func (l *FileLock) Unlock() error {
	f := l.file
	if f == nil {
		return nil
	}
	l.file = nil
	_ = os.Remove(l.path)
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return errors.Join(err, f.Close())
}
