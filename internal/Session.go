package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	sessionMarkerName = "patch.session"
	sessionLockName   = "patch.lock"
	installCookieName = ".install.cookie"
)

// PatchSession is one run of the update/repair cycle. It is persisted to the
// session marker on every status change so a crash mid-session is detectable
// on relaunch.
type PatchSession struct {
	ID          string          `json:"id"`
	Protocol    string          `json:"protocol"`
	Operations  []FileOperation `json:"operations"`
	RetriesUsed map[string]int  `json:"retriesUsed"`
	Status      PatchState      `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
}

// NewPatchSession creates a session with a fresh id for the given operation
// plan.
func NewPatchSession(protocol string, ops []FileOperation) *PatchSession {
	return &PatchSession{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		Operations:  ops,
		RetriesUsed: make(map[string]int),
		Status:      StateDownloading,
		StartedAt:   time.Now().UTC(),
	}
}

// Interrupted reports whether the session stopped before reaching a terminal
// state. A relaunch seeing an interrupted marker defaults to repair.
func (s *PatchSession) Interrupted() bool {
	switch s.Status {
	case StateIdle, StateUpToDate:
		return false
	default:
		return true
	}
}

func sessionMarkerPath(root string) string {
	return filepath.Join(root, sessionMarkerName)
}

// SaveSessionMarker persists the session atomically.
func SaveSessionMarker(root string, s *PatchSession) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(sessionMarkerPath(root), raw, 0o644)
}

// LoadSessionMarker reads a persisted session. Returns (nil, nil) when no
// marker exists; a corrupt marker is reported as ErrMalformed.
func LoadSessionMarker(root string) (*PatchSession, error) {
	raw, err := os.ReadFile(sessionMarkerPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ClassifyLocalError(err)
	}
	var s PatchSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: session marker: %v", ErrMalformed, err)
	}
	return &s, nil
}

// ClearSessionMarker removes the marker; a missing marker is not an error.
func ClearSessionMarker(root string) error {
	err := os.Remove(sessionMarkerPath(root))
	if err != nil && !os.IsNotExist(err) {
		return ClassifyLocalError(err)
	}
	return nil
}

// SessionLock enforces the one-session-per-install-root discipline. The lock
// file holds the owner pid so a lock left behind by a crashed process can be
// broken instead of wedging the launcher forever.
type SessionLock struct {
	path string
}

// AcquireSessionLock takes the lock or fails fast with ErrSessionActive when
// a live process holds it.
func AcquireSessionLock(root string) (*SessionLock, error) {
	lockPath := filepath.Join(root, sessionLockName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &SessionLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, ClassifyLocalError(err)
		}

		raw, readErr := os.ReadFile(lockPath)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue // holder released between our attempts
			}
			return nil, ErrSessionActive
		}
		// Only a lock naming a provably dead process is stale. An empty or
		// garbled lock may be a holder mid-write; err on the side of busy.
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr != nil || pidAlive(pid) {
			return nil, ErrSessionActive
		}

		// Stale lock from a dead process: break it and try once more.
		logf(LogWarning, "breaking stale session lock (pid %s)", strings.TrimSpace(string(raw)))
		if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, ErrSessionActive
		}
	}
	return nil, ErrSessionActive
}

// Release drops the lock.
func (l *SessionLock) Release() {
	if l != nil {
		os.Remove(l.path)
	}
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsFirstRun reports whether the install cookie is absent, signaling a first
// run to the caller.
func IsFirstRun(root string) bool {
	_, err := os.Stat(filepath.Join(root, installCookieName))
	return os.IsNotExist(err)
}

// MarkInstalled writes the install cookie after a successful install so
// subsequent runs are distinguishable from the first.
func MarkInstalled(root string, gameID string) error {
	content := fmt.Sprintf("game=%s\ninstalled=%s\n", gameID, time.Now().UTC().Format(time.RFC3339))
	return writeFileAtomic(filepath.Join(root, installCookieName), []byte(content), 0o644)
}
