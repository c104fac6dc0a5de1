package process

import (
	"context"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// ErrNotRunning is returned by Handle methods once the process has exited.
var ErrNotRunning = errors.New("process not running")

// StartRequest describes one process start.
type StartRequest struct {
	SessionID string
	WorkDir   string

	// Continue starts the agent in continuation mode so it resumes the most
	// recent conversation in WorkDir. The continuation token is never passed
	// on the command line.
	Continue bool

	// Cols and Rows set the initial terminal size. Zero uses the provider default.
	Cols uint16
	Rows uint16
}

// ExitInfo describes how a process ended.
type ExitInfo struct {
	PID      int
	ExitCode int

	// ContinuationToken is the token reported by the run, empty if none.
	ContinuationToken string
}

// EventSink receives asynchronous notifications about a started process.
// Calls arrive on provider goroutines; implementations serialise them.
type EventSink interface {
	// OnOutput delivers raw terminal output.
	OnOutput(sessionID string, data []byte)

	// OnIdle fires once the process has been quiet for the idle timeout.
	// It fires again only after further output or input.
	OnIdle(sessionID string)

	// OnInputDelivered fires after a Write reached the process.
	OnInputDelivered(sessionID string)

	// OnExited fires exactly once per started process.
	OnExited(sessionID string, exit ExitInfo)
}

// Handle controls one running process.
type Handle interface {
	PID() int
	Write(data []byte) error
	Resize(cols, rows uint16) error

	// Kill requests termination and returns immediately. The outcome is
	// reported through EventSink.OnExited.
	Kill() error
}

// Provider starts interactive agent processes.
type Provider interface {
	// Start launches a process for req and returns once it has a pid.
	// Events for the process are delivered to sink.
	Start(ctx context.Context, req StartRequest, sink EventSink) (Handle, error)
}

// ScrollbackSource is implemented by providers that retain recent output.
type ScrollbackSource interface {
	Scrollback(sessionID string) ([]byte, bool)
	Forget(sessionID string)
}
