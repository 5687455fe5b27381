// Package lock guards against a second stokerd sharing the same state
// database: two pools over one session registry would interleave writes.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Handle holds a flock(2)-backed single-instance lock. The lock lives as long
// as the file descriptor stays open; the PID inside the file is informational.
type Handle struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock at path and records the current
// PID. A second Acquire on the same path fails until Release.
func Acquire(path string) (*Handle, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another stokerd holds %s: %w", path, err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &Handle{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return f.Sync()
}

// Path returns where the lock file lives.
func (h *Handle) Path() string { return h.path }

// Release unlocks and closes the file. Safe on a nil or released handle.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	_ = syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
	err := h.f.Close()
	h.f = nil
	return err
}
