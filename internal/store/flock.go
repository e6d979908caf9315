package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = "batch.lock"

// FileLock provides cross-process mutual exclusion over a batch directory.
// A resumed batch and a `swarm status` reader may touch the same snapshot
// from different processes.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock whose lock file lives inside dir.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if _, err := lockFile(f, true); err != nil {
		_ = f.Close()
		return err
	}
	fl.file = f
	return nil
}

// TryLock attempts to acquire the lock without blocking. It reports false
// when another holder has it.
func (fl *FileLock) TryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	ok, err := lockFile(f, false)
	if err != nil || !ok {
		_ = f.Close()
		return false, err
	}
	fl.file = f
	return true, nil
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if err := unlockFile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
