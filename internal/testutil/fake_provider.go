package testutil

import (
	"context"
	"sync"

	"github.com/nadavbarak14/agentide/internal/process"
)

// FakeProvider is an in-memory process.Provider. Tests drive process events
// explicitly with Idle, Output and Exit; nothing happens on its own unless
// KillExitCode is set.
type FakeProvider struct {
	mu      sync.Mutex
	nextPID int
	handles map[string]*FakeHandle
	starts  []process.StartRequest
	failErr error

	// KillExitCode, when non-nil, makes Kill report an exit with this code
	// from a separate goroutine, as a real process would.
	KillExitCode *int
}

// NewFakeProvider returns a provider whose pids start at 1000.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{nextPID: 1000, handles: make(map[string]*FakeHandle)}
}

// FailStarts makes every subsequent Start return err. Pass nil to recover.
func (p *FakeProvider) FailStarts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *FakeProvider) Start(ctx context.Context, req process.StartRequest, sink process.EventSink) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.starts = append(p.starts, req)
	if p.failErr != nil {
		return nil, p.failErr
	}
	p.nextPID++
	h := &FakeHandle{provider: p, sessionID: req.SessionID, pid: p.nextPID, sink: sink, Continue: req.Continue}
	p.handles[req.SessionID] = h
	return h, nil
}

// Starts returns every start request received, including failed ones.
func (p *FakeProvider) Starts() []process.StartRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]process.StartRequest(nil), p.starts...)
}

// Handle returns the most recent handle for a session, or nil.
func (p *FakeProvider) Handle(sessionID string) *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[sessionID]
}

// Running counts handles that have not exited.
func (p *FakeProvider) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if !h.isExited() {
			n++
		}
	}
	return n
}

// Idle reports the session's process as idle.
func (p *FakeProvider) Idle(sessionID string) {
	if h := p.Handle(sessionID); h != nil {
		h.sink.OnIdle(sessionID)
	}
}

// Output delivers output for the session's process.
func (p *FakeProvider) Output(sessionID string, data []byte) {
	if h := p.Handle(sessionID); h != nil {
		h.sink.OnOutput(sessionID, data)
	}
}

// Exit ends the session's current process with code and token.
func (p *FakeProvider) Exit(sessionID string, code int, token string) {
	h := p.Handle(sessionID)
	if h == nil || !h.markExited() {
		return
	}
	h.sink.OnExited(sessionID, process.ExitInfo{PID: h.pid, ExitCode: code, ContinuationToken: token})
}

// FakeHandle records what the scheduler asked of one process.
type FakeHandle struct {
	provider  *FakeProvider
	sessionID string
	pid       int
	sink      process.EventSink

	// Continue reports whether the process was started in continuation mode.
	Continue bool

	mu     sync.Mutex
	writes [][]byte
	kills  int
	cols   uint16
	rows   uint16
	exited bool
}

func (h *FakeHandle) PID() int { return h.pid }

func (h *FakeHandle) Write(data []byte) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return process.ErrNotRunning
	}
	h.writes = append(h.writes, append([]byte(nil), data...))
	h.mu.Unlock()
	h.sink.OnInputDelivered(h.sessionID)
	return nil
}

func (h *FakeHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return process.ErrNotRunning
	}
	h.cols, h.rows = cols, rows
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()

	if code := h.provider.KillExitCode; code != nil {
		go h.provider.Exit(h.sessionID, *code, "")
	}
	return nil
}

// Writes returns the data written to the process.
func (h *FakeHandle) Writes() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

// Kills returns how many times Kill was requested.
func (h *FakeHandle) Kills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

// Size returns the last size set by Resize.
func (h *FakeHandle) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

func (h *FakeHandle) isExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *FakeHandle) markExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return false
	}
	h.exited = true
	return true
}

var _ process.Provider = (*FakeProvider)(nil)
