// Package lock provides a context-aware keyed mutex and an exclusive
// process-level file lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ErrHeld is returned when another process holds the file lock.
var ErrHeld = errors.New("lock held by another process")

// MutexMap serializes work per key. The zero value is not usable; call
// NewMutexMap.
type MutexMap struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{slots: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	select {
	case m.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a free key panics, as with sync.Mutex.
func (m *MutexMap) Unlock(key string) {
	select {
	case <-m.slot(key):
	default:
		panic("lock: unlock of unlocked key " + key)
	}
}

func (m *MutexMap) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.slots[key]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	m.slots[key] = ch
	return ch
}

// FileLock is an flock(2) lock on path holding the owner's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path is the lock file location.
func (fl *FileLock) Path() string { return fl.path }

// TryLock acquires the lock without blocking. It fails with ErrHeld when
// another process owns it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrHeld, fl.path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	release := func(step string, err error) error {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return release("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync", err)
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the file. Safe to call twice.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
