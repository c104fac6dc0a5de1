package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/logging"
)

// LockFileName is the lock file guarding a data directory.
const LockFileName = "agentide.lock"

// ErrDataDirLocked is returned when another live server owns the data directory.
var ErrDataDirLocked = errors.New("data directory is in use by another process")

// DirLock records which server process owns a data directory. Two schedulers
// sharing one database would each believe they own every active session.
type DirLock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireDirLock takes exclusive ownership of dir. A lock left behind by a
// dead process is removed. logger may be nil.
func AcquireDirLock(dir string, logger *logging.Logger) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, LockFileName)

	if existing, err := ReadDirLock(path); err == nil {
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrDataDirLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		if logger != nil {
			logger.Warn("stale data dir lock cleaned", "old_pid", existing.PID)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &DirLock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly if another server starts concurrently.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrDataDirLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	if logger != nil {
		logger.Info("data dir lock acquired", "pid", lock.PID, "path", path)
	}
	return lock, nil
}

// Release removes the lock file if this process still owns it.
// Safe to call multiple times.
func (l *DirLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := ReadDirLock(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("data dir lock released")
	}
	return nil
}

// ReadDirLock parses the lock file at path.
func ReadDirLock(path string) (*DirLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock DirLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.path = path
	return &lock, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
