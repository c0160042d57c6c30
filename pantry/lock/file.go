// pantry/lock/file.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker implements Locker with flock(2) on files under Dir.
// The kernel drops the lock when the process exits, so a crashed run never
// leaves a stale lock behind. TTLs are ignored.
type FileLocker struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileLocker creates a locker keeping its lock files in dir.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	return &FileLocker{
		dir:   dir,
		files: make(map[string]*os.File),
	}, nil
}

// Path returns the lock file used for key.
func (l *FileLocker) Path(key string) string {
	return filepath.Join(l.dir, key)
}

// Acquire attempts a non-blocking exclusive flock on the key's file.
func (l *FileLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.files[key]; ok {
		return true, nil
	}

	f, err := os.OpenFile(l.Path(key), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("lock: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("lock: flock: %w", err)
	}

	// Record the holder for operators inspecting the lock file.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)

	l.files[key] = f
	return true, nil
}

// Release unlocks and closes the key's file.
func (l *FileLocker) Release(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[key]
	if !ok {
		return false, nil
	}
	delete(l.files, key)

	uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return false, fmt.Errorf("lock: unlock: %w", uerr)
	}
	if cerr != nil {
		return false, fmt.Errorf("lock: close: %w", cerr)
	}
	return true, nil
}

// IsHeld returns true if this locker holds the key.
func (l *FileLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.files[key]
	return ok, nil
}
