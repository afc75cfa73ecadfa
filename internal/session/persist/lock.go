package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
)

// ErrSessionHosted is returned when another live process already hosts the
// broker for a durable session.
var ErrSessionHosted = errors.New("session is hosted by another process")

// HostLock records which process hosts the broker for a durable session.
type HostLock struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	fs       afero.Fs
	lockFile string
	logger   *logging.Logger
}

func lockPath(dir, sessionID string) string {
	return filepath.Join(dir, "."+sessionID+".lock")
}

// AcquireHostLock takes the host lock for sessionID in dir. A lock left by a
// dead process is removed first. Returns an error wrapping ErrSessionHosted
// if a live process holds it.
func AcquireHostLock(fs afero.Fs, dir, sessionID string, logger *logging.Logger) (*HostLock, error) {
	logger = logging.OrNop(logger)
	path := lockPath(dir, sessionID)

	if existing, err := readHostLock(fs, path); err == nil {
		if isProcessAlive(existing.PID) {
			logger.Error("failed to acquire host lock",
				"session_id", sessionID,
				"holder_pid", existing.PID,
				"holder_host", existing.Hostname,
			)
			return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionHosted, existing.PID, existing.Hostname)
		}
		if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale host lock: %w", err)
		}
		logger.Warn("stale host lock cleaned", "session_id", sessionID, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &HostLock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		fs:        fs,
		lockFile:  path,
		logger:    logger,
	}

	data, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host lock: %w", err)
	}

	// O_EXCL loses the race cleanly if another process created it first.
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lock file appeared concurrently", ErrSessionHosted)
		}
		return nil, fmt.Errorf("failed to create host lock: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = fs.Remove(path)
		return nil, fmt.Errorf("failed to write host lock: %w", err)
	}

	logger.Info("host lock acquired", "session_id", sessionID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it.
// Safe to call multiple times and on a nil lock.
func (l *HostLock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}

	existing, err := readHostLock(l.fs, l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}

	if err := l.fs.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.logger.Info("host lock released", "session_id", l.SessionID)
	l.lockFile = ""
	return nil
}

// HostedBy returns the current holder of the host lock for sessionID, and
// whether that holder is still alive.
func HostedBy(fs afero.Fs, dir, sessionID string) (*HostLock, bool) {
	lock, err := readHostLock(fs, lockPath(dir, sessionID))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

func readHostLock(fs afero.Fs, path string) (*HostLock, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var lock HostLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse host lock: %w", err)
	}
	lock.fs = fs
	lock.lockFile = path
	return &lock, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without affecting the process.
	return process.Signal(syscall.Signal(0)) == nil
}
