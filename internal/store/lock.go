package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nshotdev/nshot/internal/errors"
)

// LockInfo describes the holder of a task lock.
type LockInfo struct {
	TaskID     string    `json:"task_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockManager hands out exclusive per-task locks backed by lock files.
// The lock is advisory: it prevents two nshot processes from driving the
// same task, with process-liveness checks so a crashed holder does not
// wedge the task forever.
type LockManager struct {
	store *Store
	mu    sync.Mutex
}

// NewLockManager creates a LockManager over the given store.
func NewLockManager(store *Store) *LockManager {
	return &LockManager{store: store}
}

// Acquire attempts to take the lock for a task without blocking.
// A lock held by a dead process is treated as stale and replaced.
// Returns errors.ErrTaskLocked when a live process holds the lock.
func (lm *LockManager) Acquire(taskID string) (*LockHandle, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	dir := lm.store.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	lockPath := filepath.Join(dir, LockFileName)

	if existing, err := readLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, errors.Wrapf(errors.ErrTaskLocked,
				"held by PID %d on %s", existing.PID, existing.Hostname)
		}
		// Stale lock from a dead process.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := &LockInfo{
		TaskID:     taskID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	// O_EXCL guards against a racing process creating the lock between the
	// staleness check and this write.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := readLock(lockPath); readErr == nil {
				return nil, errors.Wrapf(errors.ErrTaskLocked,
					"held by PID %d on %s", existing.PID, existing.Hostname)
			}
			return nil, errors.ErrTaskLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &LockHandle{info: info, lockPath: lockPath}, nil
}

// Holder returns the current lock holder and whether the holder's process
// is still alive.
func (lm *LockManager) Holder(taskID string) (*LockInfo, bool) {
	lockPath := filepath.Join(lm.store.TaskDir(taskID), LockFileName)

	info, err := readLock(lockPath)
	if err != nil {
		return nil, false
	}
	return info, isProcessAlive(info.PID)
}

// ForceRelease removes a task's lock file regardless of holder.
func (lm *LockManager) ForceRelease(taskID string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lockPath := filepath.Join(lm.store.TaskDir(taskID), LockFileName)
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrTaskNotFound
		}
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// LockHandle represents a held task lock.
type LockHandle struct {
	info     *LockInfo
	lockPath string
	released bool
	mu       sync.Mutex
}

// TaskID returns the id of the locked task.
func (h *LockHandle) TaskID() string {
	return h.info.TaskID
}

// Release releases the lock. Releasing twice is a no-op.
func (h *LockHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}

	existing, err := readLock(h.lockPath)
	if err != nil {
		// Lock file is gone; nothing to release.
		h.released = true
		return nil
	}
	if existing.PID != h.info.PID {
		h.released = true
		return fmt.Errorf("lock no longer held by this process")
	}

	if err := os.Remove(h.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	h.released = true
	return nil
}

// readLock parses a lock file.
func readLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// isProcessAlive reports whether a process with the given PID exists.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs the permission/existence check without signaling.
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
