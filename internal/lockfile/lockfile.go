// Package lockfile keeps two plugin hosts from sharing one state directory.
// The lock file records who holds it so the loser can say which instance
// is already serving and where.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrLocked    = errors.New("another host is already running")
	ErrNotLocked = errors.New("lock not held")
)

// Owner is the content of the lock file.
type Owner struct {
	PID      int       `json:"pid"`
	Instance string    `json:"instance"`
	Address  string    `json:"address"`
	Started  time.Time `json:"started"`
}

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	owner  Owner
	locked bool
}

// New creates a new lockfile instance
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock for instance serving on address. A lock left
// behind by a process that no longer runs is taken over.
func (l *Lockfile) TryAcquire(instance, address string) error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	owner := Owner{
		PID:      os.Getpid(),
		Instance: instance,
		Address:  address,
		Started:  time.Now().UTC(),
	}

	err := l.create(owner)
	if os.IsExist(err) {
		current, readErr := Read(l.path)
		if readErr == nil && isProcessRunning(current.PID) {
			return fmt.Errorf("%w: instance %s (pid %d) on %s", ErrLocked, current.Instance, current.PID, current.Address)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile: %w", removeErr)
		}
		err = l.create(owner)
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.owner = owner
	l.locked = true
	return nil
}

func (l *Lockfile) create(owner Owner) error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	data, err := json.Marshal(owner)
	if err == nil {
		_, err = file.Write(data)
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(l.path)
	}
	return err
}

// Read returns the owner recorded in the lock file at path.
func Read(path string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("invalid lockfile %s: %w", path, err)
	}
	return owner, nil
}

// Release removes the lock file. It is only removed while it still names
// this process.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	current, err := Read(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && (current.PID != l.owner.PID || current.Instance != l.owner.Instance) {
		return ErrNotLocked
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lockfile: %w", err)
	}
	return nil
}

// Owner returns what this process wrote when it acquired the lock.
func (l *Lockfile) Owner() Owner {
	return l.owner
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
