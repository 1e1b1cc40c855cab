package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrLocked is returned by TryAcquire when another holder owns the lock
	ErrLocked = errors.New("lock is held by another process")

	// ErrTimeout is returned by Acquire when the lock could not be taken in time
	ErrTimeout = errors.New("timed out waiting for lock")
)

// pollInterval is the retry period of a bounded Acquire
const pollInterval = 25 * time.Millisecond

// Lock is an exclusive advisory lock on a file, shared by every process on
// the host that opens the same path. Each Lock owns its own open file
// description, so two Locks on the same path exclude each other even inside
// one process.
type Lock struct {
	path string
	file *os.File
}

// TryAcquire takes the lock without waiting
func TryAcquire(path string) (*Lock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Acquire takes the lock, retrying until timeout elapses
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s after %s: %w", path, timeout, ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release unlocks and closes the lock file. The file itself is left in
// place; removing it would let a waiter lock an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return l.file.Close()
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	return f, nil
}
