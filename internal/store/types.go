package store

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusQueued indicates the session is waiting for a free slot.
	StatusQueued Status = "queued"

	// StatusActive indicates a process is running for the session.
	StatusActive Status = "active"

	// StatusCompleted indicates the last run exited with code 0.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the last run exited non-zero or could not start.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for completed and failed.
// A completed session can still be reopened via continuation.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is the scheduler's record of one interactive agent process.
type Session struct {
	ID               string `json:"id"`
	WorkerID         string `json:"workerId"`
	Status           Status `json:"status"`
	WorkingDirectory string `json:"workingDirectory"`
	Title            string `json:"title"`

	// PID is set only while Status is active.
	PID int `json:"pid,omitempty"`

	// ContinuationToken is produced by a completed run. Empty means none.
	ContinuationToken string `json:"continuationToken,omitempty"`

	NeedsInput bool `json:"needsInput"`
	Locked     bool `json:"locked"`

	// Resume marks a queued session whose next start continues its prior
	// run (suspended or continued sessions) rather than starting fresh.
	Resume bool `json:"resume"`

	// Position orders queued sessions. Values come from a per-store sequence
	// and are never reused.
	Position int64 `json:"position"`

	// ExitCode is the exit code of the most recent run, nil until one exits.
	ExitCode *int `json:"exitCode,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewSession is the input to Store.CreateSession. The caller decides the
// initial status; the store assigns Position, timestamps and, if empty, ID.
type NewSession struct {
	ID               string
	WorkerID         string
	Status           Status
	WorkingDirectory string
	Title            string
	PID              int
	Locked           bool
}

// WorkerType distinguishes the local machine from remote hosts.
type WorkerType string

const (
	WorkerLocal  WorkerType = "local"
	WorkerRemote WorkerType = "remote"
)

// WorkerStatus is a worker's connectivity state.
type WorkerStatus string

const (
	WorkerConnected    WorkerStatus = "connected"
	WorkerDisconnected WorkerStatus = "disconnected"
	WorkerError        WorkerStatus = "error"
)

// Worker is an execution target with its own capacity ceiling.
type Worker struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        WorkerType   `json:"type"`
	MaxSessions int          `json:"maxSessions"`
	Status      WorkerStatus `json:"status"`

	// AllowedPaths are glob patterns a session's working directory must
	// match to be bound to this worker. Empty allows any directory.
	AllowedPaths []string `json:"allowedPaths,omitempty"`
}

// Usable reports whether the worker may be assigned new sessions.
func (w Worker) Usable() bool {
	return w.Status == WorkerConnected && w.MaxSessions > 0
}

// Settings are the global scheduler settings persisted in the store.
type Settings struct {
	MaxConcurrentSessions int `json:"maxConcurrentSessions"`
}

// DefaultSettings returns the settings used when none have been stored.
func DefaultSettings() Settings {
	return Settings{MaxConcurrentSessions: 2}
}
