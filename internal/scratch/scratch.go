// Package scratch manages per-attempt working directories on local disk.
package scratch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
)

const lockName = ".lock"

// ErrInUse is returned when a workspace directory is locked by another holder.
var ErrInUse = errors.New("workspace in use")

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// Manager hands out workspaces under a root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "vodpipe")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the absolute scratch root.
func (m *Manager) Root() string { return m.root }

// Workspace is a locked directory owned by one job attempt.
type Workspace struct {
	Dir  string
	lock *flock.Flock
}

// Acquire creates and locks the directory for jobID's attempt. Each attempt
// gets its own directory so concurrent jobs never share files.
func (m *Manager) Acquire(jobID string, attempt int) (*Workspace, error) {
	name := fmt.Sprintf("%s-%d", unsafeSegment.ReplaceAllString(jobID, "_"), attempt)
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrInUse)
	}
	return &Workspace{Dir: dir, lock: lock}, nil
}

// Path joins elem onto the workspace directory.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// OutputDir is the directory whose whole tree is published.
func (w *Workspace) OutputDir() string {
	return w.Path("out")
}

// Release removes the directory and drops the lock.
func (w *Workspace) Release() error {
	removeErr := os.RemoveAll(w.Dir)
	unlockErr := w.lock.Unlock()
	return errors.Join(removeErr, unlockErr)
}

// Sweep deletes unlocked workspaces last modified more than olderThan ago.
// Those are leftovers from processes that crashed mid-job.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		lock := flock.New(filepath.Join(dir, lockName))
		ok, err := lock.TryLock()
		if err != nil || !ok {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to remove stale workspace", "dir", dir, "error", err)
		} else {
			removed++
		}
		_ = lock.Unlock()
	}
	return removed, nil
}
