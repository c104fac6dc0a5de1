package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/logging"
)

// Defaults for PTYConfig fields left zero.
const (
	DefaultContinueFlag = "--continue"
	DefaultIdleTimeout  = 3 * time.Second
	DefaultKillGrace    = 5 * time.Second
	DefaultCols         = 200
	DefaultRows         = 50

	// exitDrainTimeout bounds how long exit reporting waits for the last output.
	exitDrainTimeout = 2 * time.Second
)

// PTYConfig configures the agent command run for each session.
type PTYConfig struct {
	Command      string
	Args         []string
	ContinueFlag string
	Env          []string

	IdleTimeout     time.Duration
	KillGrace       time.Duration
	ScrollbackBytes int
	Cols            uint16
	Rows            uint16
}

func (c PTYConfig) withDefaults() PTYConfig {
	if c.ContinueFlag == "" {
		c.ContinueFlag = DefaultContinueFlag
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.ScrollbackBytes <= 0 {
		c.ScrollbackBytes = DefaultScrollbackBytes
	}
	if c.Cols == 0 {
		c.Cols = DefaultCols
	}
	if c.Rows == 0 {
		c.Rows = DefaultRows
	}
	return c
}

// PTYProvider runs the agent command under a pseudo-terminal on this machine.
type PTYProvider struct {
	cfg    PTYConfig
	logger *logging.Logger

	mu         sync.Mutex
	scrollback map[string]*RingBuffer
}

// NewPTYProvider creates a provider for cfg. The command is resolved on
// each start so a missing binary surfaces as a spawn failure.
func NewPTYProvider(cfg PTYConfig, logger *logging.Logger) *PTYProvider {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PTYProvider{
		cfg:        cfg.withDefaults(),
		logger:     logger.WithComponent("provider"),
		scrollback: make(map[string]*RingBuffer),
	}
}

// Start launches the configured command in req.WorkDir.
func (p *PTYProvider) Start(ctx context.Context, req StartRequest, sink EventSink) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.cfg.Command == "" {
		return nil, errors.NewSessionError("no agent command configured", errors.ErrSpawnFailed).WithSessionID(req.SessionID)
	}
	if info, err := os.Stat(req.WorkDir); err != nil || !info.IsDir() {
		return nil, errors.NewSessionError(
			fmt.Sprintf("working directory does not exist: %s", req.WorkDir), errors.ErrSpawnFailed,
		).WithSessionID(req.SessionID)
	}

	path, err := exec.LookPath(p.cfg.Command)
	if err != nil {
		return nil, errors.NewSessionError(
			fmt.Sprintf("agent command not found: %s", p.cfg.Command), errors.ErrSpawnFailed,
		).WithSessionID(req.SessionID)
	}

	args := append([]string(nil), p.cfg.Args...)
	if req.Continue {
		args = append(args, p.cfg.ContinueFlag)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "AGENTIDE_SESSION_ID="+req.SessionID)
	cmd.Env = append(cmd.Env, p.cfg.Env...)

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = p.cfg.Cols
	}
	if rows == 0 {
		rows = p.cfg.Rows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, errors.NewSessionError("failed to start pty", fmt.Errorf("%w: %v", errors.ErrSpawnFailed, err)).
			WithSessionID(req.SessionID)
	}

	buf := NewRingBuffer(p.cfg.ScrollbackBytes)
	p.mu.Lock()
	p.scrollback[req.SessionID] = buf
	p.mu.Unlock()

	h := &ptyHandle{
		sessionID:    req.SessionID,
		cmd:          cmd,
		ptmx:         ptmx,
		pid:          cmd.Process.Pid,
		sink:         sink,
		scrollback:   buf,
		idleTimeout:  p.cfg.IdleTimeout,
		killGrace:    p.cfg.KillGrace,
		logger:       p.logger.WithSession(req.SessionID),
		lastActivity: time.Now(),
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	go h.readLoop()
	go h.idleLoop()
	go h.waitLoop()

	h.logger.Info("process started",
		"pid", h.pid,
		"work_dir", req.WorkDir,
		"continue", req.Continue,
	)
	return h, nil
}

// Scrollback returns the retained output of the session's latest run.
func (p *PTYProvider) Scrollback(sessionID string) ([]byte, bool) {
	p.mu.Lock()
	buf, ok := p.scrollback[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return buf.Bytes(), true
}

// Forget drops retained output for a deleted session.
func (p *PTYProvider) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scrollback, sessionID)
}

type ptyHandle struct {
	sessionID   string
	cmd         *exec.Cmd
	ptmx        *os.File
	pid         int
	sink        EventSink
	scrollback  *RingBuffer
	tokens      tokenScanner
	idleTimeout time.Duration
	killGrace   time.Duration
	logger      *logging.Logger

	mu           sync.Mutex
	lastActivity time.Time
	idleFired    bool
	killing      bool

	readDone chan struct{}
	done     chan struct{}
}

func (h *ptyHandle) PID() int { return h.pid }

func (h *ptyHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *ptyHandle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.idleFired = false
	h.mu.Unlock()
}

func (h *ptyHandle) Write(data []byte) error {
	if h.exited() {
		return ErrNotRunning
	}
	if _, err := h.ptmx.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	h.touch()
	h.sink.OnInputDelivered(h.sessionID)
	return nil
}

func (h *ptyHandle) Resize(cols, rows uint16) error {
	if h.exited() {
		return ErrNotRunning
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill sends SIGTERM and escalates to SIGKILL after the grace period.
func (h *ptyHandle) Kill() error {
	if h.exited() {
		return nil
	}
	h.mu.Lock()
	already := h.killing
	h.killing = true
	h.mu.Unlock()
	if already {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !h.exited() {
		h.logger.Warn("SIGTERM failed, sending SIGKILL", "error", err)
		return h.cmd.Process.Kill()
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(h.killGrace):
			h.logger.Warn("process ignored SIGTERM, sending SIGKILL", "pid", h.pid)
			_ = h.cmd.Process.Kill()
		}
	}()
	return nil
}

func (h *ptyHandle) readLoop() {
	defer close(h.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			_, _ = h.scrollback.Write(data)
			h.tokens.Write(data)
			h.touch()
			h.sink.OnOutput(h.sessionID, data)
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

func (h *ptyHandle) idleLoop() {
	interval := h.idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-tick.C:
			h.mu.Lock()
			fire := !h.idleFired && !h.killing && time.Since(h.lastActivity) >= h.idleTimeout
			if fire {
				h.idleFired = true
			}
			h.mu.Unlock()
			if fire && !h.exited() {
				h.sink.OnIdle(h.sessionID)
			}
		}
	}
}

func (h *ptyHandle) waitLoop() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	// The reader normally sees EOF/EIO right after the child exits; the
	// timeout covers grandchildren that keep the terminal open.
	select {
	case <-h.readDone:
	case <-time.After(exitDrainTimeout):
	}
	_ = h.ptmx.Close()
	close(h.done)

	token := ""
	if code == 0 {
		token = h.tokens.Token()
	}
	h.logger.Info("process exited", "pid", h.pid, "exit_code", code, "has_token", token != "")
	h.sink.OnExited(h.sessionID, ExitInfo{PID: h.pid, ExitCode: code, ContinuationToken: token})
}
