package event

import (
	"encoding/json"
	"time"
)

// Event is implemented by everything published on the Bus.
type Event interface {
	// EventType follows the "category.action" convention, e.g. "session.queued".
	EventType() string
	Timestamp() time.Time
}

// Event types published by the scheduler.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionActivated = "session.activated"
	TypeSessionQueued    = "session.queued"
	TypeSessionCompleted = "session.completed"
	TypeSessionFailed    = "session.failed"
	TypeSessionDeleted   = "session.deleted"
	TypeNeedsInput       = "session.needs_input"
	TypeSuspending       = "session.suspending"
	TypeKillStuck        = "session.kill_stuck"
	TypeSessionOutput    = "session.output"
	TypeDispatchDecided  = "queue.dispatch_decided"
	TypeSettingsChanged  = "settings.changed"
)

// Queue reasons carried by SessionQueuedEvent.
const (
	QueuedAtCapacity = "capacity"
	QueuedSuspended  = "suspended"
	QueuedContinue   = "continue"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// SessionCreatedEvent is emitted once a session record exists.
type SessionCreatedEvent struct {
	baseEvent
	SessionID        string `json:"sessionId"`
	WorkerID         string `json:"workerId"`
	Status           string `json:"status"`
	WorkingDirectory string `json:"workingDirectory"`
}

func NewSessionCreatedEvent(sessionID, workerID, status, workDir string) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent:        newBaseEvent(TypeSessionCreated),
		SessionID:        sessionID,
		WorkerID:         workerID,
		Status:           status,
		WorkingDirectory: workDir,
	}
}

// SessionActivatedEvent is emitted when a process starts for a session.
// Resumed is set when the process was started in continuation mode.
type SessionActivatedEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	PID       int    `json:"pid"`
	Resumed   bool   `json:"resumed"`
}

func NewSessionActivatedEvent(sessionID, workerID string, pid int, resumed bool) SessionActivatedEvent {
	return SessionActivatedEvent{
		baseEvent: newBaseEvent(TypeSessionActivated),
		SessionID: sessionID,
		WorkerID:  workerID,
		PID:       pid,
		Resumed:   resumed,
	}
}

// SessionQueuedEvent is emitted when a session enters the queue.
type SessionQueuedEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	Position  int64  `json:"position"`
	Reason    string `json:"reason"`
}

func NewSessionQueuedEvent(sessionID string, position int64, reason string) SessionQueuedEvent {
	return SessionQueuedEvent{
		baseEvent: newBaseEvent(TypeSessionQueued),
		SessionID: sessionID,
		Position:  position,
		Reason:    reason,
	}
}

// SessionCompletedEvent is emitted when a run exits with code 0.
type SessionCompletedEvent struct {
	baseEvent
	SessionID       string `json:"sessionId"`
	HasContinuation bool   `json:"hasContinuation"`
}

func NewSessionCompletedEvent(sessionID string, hasContinuation bool) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent:       newBaseEvent(TypeSessionCompleted),
		SessionID:       sessionID,
		HasContinuation: hasContinuation,
	}
}

// SessionFailedEvent is emitted when a run exits non-zero or cannot start.
// ExitCode is nil for spawn failures.
type SessionFailedEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Reason    string `json:"reason"`
}

func NewSessionFailedEvent(sessionID string, exitCode *int, reason string) SessionFailedEvent {
	return SessionFailedEvent{
		baseEvent: newBaseEvent(TypeSessionFailed),
		SessionID: sessionID,
		ExitCode:  exitCode,
		Reason:    reason,
	}
}

// SessionDeletedEvent is emitted after a session record is removed.
type SessionDeletedEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
}

func NewSessionDeletedEvent(sessionID string) SessionDeletedEvent {
	return SessionDeletedEvent{baseEvent: newBaseEvent(TypeSessionDeleted), SessionID: sessionID}
}

// NeedsInputEvent is emitted when an active session goes idle.
type NeedsInputEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
}

func NewNeedsInputEvent(sessionID string) NeedsInputEvent {
	return NeedsInputEvent{baseEvent: newBaseEvent(TypeNeedsInput), SessionID: sessionID}
}

// SuspendingEvent is emitted when the scheduler kills an idle session to
// free its slot for queued work.
type SuspendingEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

func NewSuspendingEvent(sessionID string, pid int) SuspendingEvent {
	return SuspendingEvent{baseEvent: newBaseEvent(TypeSuspending), SessionID: sessionID, PID: pid}
}

// KillStuckEvent reports a kill request that produced no exit in time.
// The session keeps its status; an operator has to intervene.
type KillStuckEvent struct {
	baseEvent
	SessionID string        `json:"sessionId"`
	PID       int           `json:"pid"`
	Waited    time.Duration `json:"waited"`
}

func NewKillStuckEvent(sessionID string, pid int, waited time.Duration) KillStuckEvent {
	return KillStuckEvent{
		baseEvent: newBaseEvent(TypeKillStuck),
		SessionID: sessionID,
		PID:       pid,
		Waited:    waited,
	}
}

// SessionOutputEvent carries raw terminal output from a running session.
type SessionOutputEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

func NewSessionOutputEvent(sessionID string, data []byte) SessionOutputEvent {
	return SessionOutputEvent{baseEvent: newBaseEvent(TypeSessionOutput), SessionID: sessionID, Data: data}
}

// DispatchDecidedEvent is emitted when the queue picks a session for a slot.
type DispatchDecidedEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	Position  int64  `json:"position"`
}

func NewDispatchDecidedEvent(sessionID, workerID string, position int64) DispatchDecidedEvent {
	return DispatchDecidedEvent{
		baseEvent: newBaseEvent(TypeDispatchDecided),
		SessionID: sessionID,
		WorkerID:  workerID,
		Position:  position,
	}
}

// SettingsChangedEvent is emitted when the global concurrency ceiling changes.
type SettingsChangedEvent struct {
	baseEvent
	MaxConcurrentSessions int `json:"maxConcurrentSessions"`
}

func NewSettingsChangedEvent(maxConcurrent int) SettingsChangedEvent {
	return SettingsChangedEvent{
		baseEvent:             newBaseEvent(TypeSettingsChanged),
		MaxConcurrentSessions: maxConcurrent,
	}
}

// Envelope is the wire form of an event on the /api/events stream.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode wraps e in an Envelope and marshals it.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.EventType(), Timestamp: e.Timestamp(), Data: data})
}
