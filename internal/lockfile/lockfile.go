// Package lockfile keeps a second daemon from serving the same endpoint.
//
// A lock file holds three lines: the owner's PID, the time it was taken
// (RFC 3339) and a free-form label, usually the endpoint being served. A
// lock whose PID no longer runs is considered stale and is taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when a live process holds the lock
var ErrLocked = errors.New("process is already running")

// Owner describes the holder of a lock
type Owner struct {
	PID   int
	Since time.Time
	Label string
}

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	label  string
	file   *os.File
	locked bool
}

// New creates a new lockfile instance. label is recorded for whoever finds
// the lock taken.
func New(path, label string) *Lockfile {
	return &Lockfile{
		path:  path,
		label: label,
	}
}

// TryAcquire takes the lock, replacing it when the recorded owner is gone
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if os.IsExist(err) {
		owner, readErr := Read(l.path)
		if readErr == nil {
			if running, _ := isProcessRunning(owner.PID); running {
				return fmt.Errorf("%w: pid %d serving %s since %s",
					ErrLocked, owner.PID, owner.Label, owner.Since.Format(time.RFC3339))
			}
		}

		// stale or unreadable, take it over
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile: %w", removeErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339), l.label)
	if _, err := file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}

	return nil
}

// Read parses the lock file at path
func Read(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Owner{}, fmt.Errorf("invalid PID in lockfile %s: %w", path, err)
	}

	owner := Owner{PID: pid}
	if len(lines) > 1 {
		owner.Since, _ = time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	}
	if len(lines) > 2 {
		owner.Label = lines[2]
	}
	return owner, nil
}

// Release releases the lock
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}
	return errors.Join(errs...)
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
