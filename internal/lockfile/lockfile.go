// Package lockfile enforces one client instance per state directory. Two
// processes sharing the same caches would overwrite each other's history and
// document snapshots.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("another instance is already running")

// Lock is a pid-stamped lock file. A lock whose owner process no longer
// exists is considered stale and taken over.
type Lock struct {
	path string
	held bool
}

// New creates a lock for the given state directory.
func New(stateDir string) *Lock {
	return &Lock{path: filepath.Join(stateDir, "clawlink.lock")}
}

// Acquire takes the lock or fails with ErrLocked.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
		if err == nil {
			_, werr := fmt.Fprintf(file, "%d\n", os.Getpid())
			file.Close()
			if werr != nil {
				os.Remove(l.path)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		pid, perr := l.ownerPID()
		if perr == nil && processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		// Stale or unreadable lock, take it over.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("failed to remove stale lock file: %w", rerr)
		}
	}
	return ErrLocked
}

// Release removes the lock file. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool {
	return l.held
}

func (l *Lock) ownerPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive checks for an existing process with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
