package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/logging"
	"github.com/nadavbarak14/agentide/internal/process"
	"github.com/nadavbarak14/agentide/internal/queue"
	"github.com/nadavbarak14/agentide/internal/store"
)

// Config holds the Manager's tunables.
type Config struct {
	// KillTimeout is how long a kill may go without an exit before it is
	// reported as stuck. Zero disables the watchdog.
	KillTimeout time.Duration

	// DispatchInterval drives the periodic admission pass started by Start.
	DispatchInterval time.Duration

	// ShutdownTimeout bounds how long Close waits for processes to exit.
	ShutdownTimeout time.Duration
}

// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
const DefaultShutdownTimeout = 10 * time.Second

// CreateInput is the caller-supplied part of a new session.
type CreateInput struct {
	WorkingDirectory string `json:"workingDirectory"`
	Title            string `json:"title"`
	WorkerID         string `json:"workerId,omitempty"`
	Locked           bool   `json:"locked,omitempty"`
}

// Manager owns the session lifecycle. Every public method and every process
// callback that changes state runs under mu, so an admission decision and
// the activation that follows it are atomic with respect to exits.
type Manager struct {
	mu       sync.Mutex
	store    store.Store
	queue    *queue.Manager
	provider process.Provider
	bus      *event.Bus
	resolver WorkerResolver
	paths    *pathMatcher
	cfg      Config
	logger   *logging.Logger

	// Per-session side tables for active sessions.
	handles    map[string]process.Handle
	interacted map[string]bool
	suspending map[string]bool
	killTimers map[string]*time.Timer

	ticker *queue.Ticker
	closed bool
	idle   chan struct{} // closed when handles drains during shutdown
}

// New creates a Manager. bus and logger may be nil.
func New(st store.Store, q *queue.Manager, provider process.Provider, bus *event.Bus, cfg Config, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Manager{
		store:      st,
		queue:      q,
		provider:   provider,
		bus:        bus,
		resolver:   LocalResolver{},
		paths:      newPathMatcher(),
		cfg:        cfg,
		logger:     logger.WithComponent("scheduler"),
		handles:    make(map[string]process.Handle),
		interacted: make(map[string]bool),
		suspending: make(map[string]bool),
		killTimers: make(map[string]*time.Timer),
	}
}

// SetWorkerResolver replaces the worker resolution policy.
func (m *Manager) SetWorkerResolver(r WorkerResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		r = LocalResolver{}
	}
	m.resolver = r
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Start recovers sessions left active by a previous run, admits queued work
// and launches the periodic dispatch ticker. It returns once recovery is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if err := m.recoverLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	m.dispatchLocked(ctx)
	m.ticker = queue.NewTicker(m.cfg.DispatchInterval, m.Dispatch, m.logger)
	ticker := m.ticker
	m.mu.Unlock()

	go ticker.Start(context.WithoutCancel(ctx))
	return nil
}

// recoverLocked requeues sessions recorded as active without a live handle.
// Their processes died with the previous server, so they resume on dispatch.
func (m *Manager) recoverLocked(ctx context.Context) error {
	active, err := m.store.ListSessions(ctx, store.StatusActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, s := range active {
		if _, ok := m.handles[s.ID]; ok {
			continue
		}
		pos, err := m.queue.RequeuePosition(ctx, s)
		if err != nil {
			return err
		}
		if _, err := m.store.Requeue(ctx, s.ID, pos); err != nil {
			return fmt.Errorf("requeue orphaned session %s: %w", s.ID, err)
		}
		m.logger.WithSession(s.ID).Warn("requeued session orphaned by previous run", "old_pid", s.PID)
		m.bus.Publish(event.NewSessionQueuedEvent(s.ID, pos, event.QueuedSuspended))
	}
	return nil
}

// Dispatch admits queued sessions while capacity allows.
func (m *Manager) Dispatch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatchLocked(ctx)
}

// dispatchLocked repeatedly asks the queue for the next eligible session and
// starts it. A spawn failure fails that session and the loop moves on, so a
// broken start never strands a free slot. Sessions admitted here outlive the
// request that triggered the dispatch, so the caller's cancellation is dropped.
func (m *Manager) dispatchLocked(ctx context.Context) error {
	if m.closed {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	for {
		next, err := m.queue.TryDispatch(ctx)
		if err != nil {
			m.logger.Error("dispatch failed", "error", err)
			return err
		}
		if next == nil {
			return nil
		}
		if _, err := m.startLocked(ctx, next, next.Resume); err != nil {
			return err
		}
	}
}

// startLocked launches a process for a session that already has a record
// and activates it. A spawn failure marks the session failed and returns the
// failed record with a nil error; only store errors are returned.
func (m *Manager) startLocked(ctx context.Context, s *store.Session, resume bool) (*store.Session, error) {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.WithSession(s.ID).WithWorker(s.WorkerID)

	h, err := m.provider.Start(ctx, process.StartRequest{
		SessionID: s.ID,
		WorkDir:   s.WorkingDirectory,
		Continue:  resume,
	}, m)
	if err != nil {
		log.Error("spawn failed", "error", err)
		failed, ferr := m.store.Fail(ctx, s.ID, nil)
		if ferr != nil {
			return nil, fmt.Errorf("record spawn failure: %w", ferr)
		}
		m.bus.Publish(event.NewSessionFailedEvent(s.ID, nil, err.Error()))
		return failed, nil
	}

	active, err := m.store.Activate(ctx, s.ID, h.PID())
	if err != nil {
		_ = h.Kill()
		return nil, fmt.Errorf("activate session: %w", err)
	}
	m.handles[s.ID] = h
	m.interacted[s.ID] = false
	delete(m.suspending, s.ID)

	log.Info("session activated", "pid", h.PID(), "resumed", resume)
	m.bus.Publish(event.NewSessionActivatedEvent(s.ID, s.WorkerID, h.PID(), resume))
	return active, nil
}

// CreateSession records a new session and starts it if a slot is free,
// otherwise queues it at the tail.
func (m *Manager) CreateSession(ctx context.Context, in CreateInput) (*store.Session, error) {
	dir := strings.TrimSpace(in.WorkingDirectory)
	if dir == "" {
		return nil, errors.NewValidationError("working directory is required").WithField("workingDirectory")
	}
	dir = filepath.Clean(dir)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewSessionError("scheduler is shutting down", errors.ErrInvalidState)
	}

	w, err := m.resolver.Resolve(ctx, m.store, in.WorkerID)
	if err != nil {
		return nil, err
	}
	if err := m.paths.Allowed(w, dir); err != nil {
		return nil, err
	}

	free, err := m.queue.HasAvailableSlot(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	// The record is created queued either way; with a free slot it is
	// activated immediately below, still under mu.
	s, err := m.store.CreateSession(ctx, store.NewSession{
		ID:               uuid.NewString(),
		WorkerID:         w.ID,
		Status:           store.StatusQueued,
		WorkingDirectory: dir,
		Title:            in.Title,
		Locked:           in.Locked,
	})
	if err != nil {
		return nil, err
	}

	if !free {
		m.logger.WithSession(s.ID).Info("session queued", "worker_id", w.ID, "position", s.Position)
		m.bus.Publish(event.NewSessionCreatedEvent(s.ID, s.WorkerID, string(s.Status), s.WorkingDirectory))
		m.bus.Publish(event.NewSessionQueuedEvent(s.ID, s.Position, event.QueuedAtCapacity))
		return s, nil
	}

	started, err := m.startLocked(ctx, s, false)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(event.NewSessionCreatedEvent(started.ID, started.WorkerID, string(started.Status), started.WorkingDirectory))
	if started.Status == store.StatusFailed {
		m.dispatchLocked(ctx)
	}
	return started, nil
}

// ListSessions returns sessions by creation time. An empty status lists all.
func (m *Manager) ListSessions(ctx context.Context, status store.Status) ([]*store.Session, error) {
	if status != "" && !status.Valid() {
		return nil, errors.NewValidationError("unknown status filter").WithField("status").WithValue(string(status))
	}
	return m.store.ListSessions(ctx, status)
}

// GetSession returns one session.
func (m *Manager) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// ListWorkers returns the registered workers.
func (m *Manager) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	return m.store.ListWorkers(ctx)
}

// QueueStatus reports queue depth and slot usage.
func (m *Manager) QueueStatus(ctx context.Context) (queue.Status, error) {
	return m.queue.Status(ctx)
}

// activeLocked loads id and rejects it unless it is active with a handle.
func (m *Manager) activeLocked(ctx context.Context, id, operation string) (*store.Session, process.Handle, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.Status != store.StatusActive {
		return nil, nil, errors.NewStateError(operation, id, string(s.Status))
	}
	h, ok := m.handles[id]
	if !ok {
		return nil, nil, errors.NewSessionError(operation, errors.ErrNoProcess).WithSessionID(id)
	}
	return s, h, nil
}

// SendInput forwards text to an active session and marks it as having had
// user interaction, which makes it eligible for auto-suspend.
func (m *Manager) SendInput(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, h, err := m.activeLocked(ctx, id, "send input to")
	if err != nil {
		return err
	}
	if err := h.Write([]byte(text)); err != nil {
		return errors.NewSessionError("write input", err).WithSessionID(id)
	}
	if s.NeedsInput {
		if err := m.store.SetNeedsInput(ctx, id, false); err != nil {
			return err
		}
	}
	m.interacted[id] = true
	return nil
}

// KillSession requests termination of an active session. The state change
// happens when the exit arrives.
func (m *Manager) KillSession(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, h, err := m.activeLocked(ctx, id, "kill")
	if err != nil {
		return false, err
	}
	// An explicit kill ends the run for good, even if a suspend was pending.
	delete(m.suspending, id)
	if err := h.Kill(); err != nil {
		return false, errors.NewSessionError("kill process", err).WithSessionID(id)
	}
	m.watchKillLocked(id, s.PID)
	m.logger.WithSession(id).Info("kill requested", "pid", s.PID)
	return true, nil
}

// ContinueSession reopens a completed session in continuation mode. With no
// free slot it is queued and resumes when dispatched.
func (m *Manager) ContinueSession(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewSessionError("scheduler is shutting down", errors.ErrInvalidState)
	}

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != store.StatusCompleted {
		return nil, errors.NewStateError("continue", id, string(s.Status))
	}
	if _, err := m.store.GetWorker(ctx, s.WorkerID); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewConfigError(fmt.Sprintf("unknown worker %q", s.WorkerID), err)
		}
		return nil, err
	}

	free, err := m.queue.HasAvailableSlot(ctx, s.WorkerID)
	if err != nil {
		return nil, err
	}
	if !free {
		pos, err := m.store.NextPosition(ctx)
		if err != nil {
			return nil, err
		}
		queued, err := m.store.MarkResume(ctx, id, pos)
		if err != nil {
			return nil, err
		}
		m.logger.WithSession(id).Info("continuation queued", "position", pos)
		m.bus.Publish(event.NewSessionQueuedEvent(id, pos, event.QueuedContinue))
		return queued, nil
	}

	started, err := m.startLocked(ctx, s, true)
	if err != nil {
		return nil, err
	}
	if started.Status == store.StatusFailed {
		m.dispatchLocked(ctx)
	}
	return started, nil
}

// DeleteSession removes a session that is not active.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status == store.StatusActive {
		return false, errors.NewStateError("delete", id, string(s.Status))
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return false, err
	}
	if src, ok := m.provider.(process.ScrollbackSource); ok {
		src.Forget(id)
	}
	delete(m.interacted, id)
	m.bus.Publish(event.NewSessionDeletedEvent(id))
	m.logger.WithSession(id).Info("session deleted")
	return true, nil
}

// SetLocked pins or unpins a session. Locked sessions are never auto-suspended.
// Locking a session whose suspend kill is already in flight is refused with a
// conflict: the process is going away and the session will be requeued.
// Unlocking is always allowed.
func (m *Manager) SetLocked(ctx context.Context, id string, locked bool) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if locked && m.suspending[id] {
		return nil, errors.NewStateError("lock", id, "suspending")
	}
	return m.store.SetLocked(ctx, id, locked)
}

// Resize changes the terminal size of an active session.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return errors.NewValidationError("cols and rows must be positive").WithField("size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, h, err := m.activeLocked(ctx, id, "resize")
	if err != nil {
		return err
	}
	return h.Resize(cols, rows)
}

// Scrollback returns the retained output of a session's latest run, if the
// provider keeps any.
func (m *Manager) Scrollback(ctx context.Context, id string) ([]byte, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	src, ok := m.provider.(process.ScrollbackSource)
	if !ok {
		return nil, nil
	}
	data, _ := src.Scrollback(id)
	return data, nil
}

// UpdateMaxConcurrent changes the global ceiling and admits queued work if it
// was raised. Lowering it never kills running sessions.
func (m *Manager) UpdateMaxConcurrent(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings.MaxConcurrentSessions == n {
		return nil
	}
	settings.MaxConcurrentSessions = n
	if err := m.store.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	m.logger.Info("max concurrent sessions changed", "max_concurrent_sessions", n)
	m.bus.Publish(event.NewSettingsChangedEvent(n))
	return m.dispatchLocked(ctx)
}

// Close stops the ticker and kills every running process. Killed sessions
// are requeued so they resume on the next start. It waits for the exits
// until ctx is done or the shutdown timeout passes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ticker := m.ticker
	for id, h := range m.handles {
		m.suspending[id] = true
		if err := h.Kill(); err != nil {
			m.logger.WithSession(id).Warn("kill on shutdown failed", "error", err)
		}
	}
	var wait chan struct{}
	if len(m.handles) > 0 {
		m.idle = make(chan struct{})
		wait = m.idle
	}
	m.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if wait == nil {
		return nil
	}

	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.NewTimeoutError("shutdown", m.cfg.ShutdownTimeout).WithCause(errors.ErrKillTimeout)
	}
}

// watchKillLocked reports a kill that produces no exit within KillTimeout.
// The session keeps its state; recovering a hung process is left to the
// operator.
func (m *Manager) watchKillLocked(id string, pid int) {
	if m.cfg.KillTimeout <= 0 {
		return
	}
	if t, ok := m.killTimers[id]; ok {
		t.Stop()
	}
	timeout := m.cfg.KillTimeout
	m.killTimers[id] = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		h, ok := m.handles[id]
		if !ok || h.PID() != pid {
			return
		}
		delete(m.killTimers, id)
		m.logger.WithSession(id).Error("kill did not produce an exit",
			"pid", pid,
			"waited", timeout.String(),
		)
		m.bus.Publish(event.NewKillStuckEvent(id, pid, timeout))
	})
}

func (m *Manager) clearActiveLocked(id string) {
	delete(m.handles, id)
	delete(m.interacted, id)
	delete(m.suspending, id)
	if t, ok := m.killTimers[id]; ok {
		t.Stop()
		delete(m.killTimers, id)
	}
	if m.idle != nil && len(m.handles) == 0 {
		close(m.idle)
		m.idle = nil
	}
}

// OnOutput republishes process output for stream subscribers. It holds no
// lock; output carries no state.
func (m *Manager) OnOutput(sessionID string, data []byte) {
	m.bus.Publish(event.NewSessionOutputEvent(sessionID, data))
}

// OnInputDelivered is informational. Providers may call it from inside
// Handle.Write, while mu is held by SendInput, so it must not lock.
func (m *Manager) OnInputDelivered(sessionID string) {
	m.logger.WithSession(sessionID).Debug("input delivered")
}

// OnIdle applies the guarded auto-suspend policy.
func (m *Manager) OnIdle(sessionID string) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithSession(sessionID)

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn("idle for unknown session", "error", err)
		return
	}
	h, ok := m.handles[sessionID]
	if s.Status != store.StatusActive || !ok {
		return
	}

	if !s.NeedsInput {
		if err := m.store.SetNeedsInput(ctx, sessionID, true); err != nil {
			log.Error("failed to flag needs input", "error", err)
			return
		}
		m.bus.Publish(event.NewNeedsInputEvent(sessionID))
	}

	if s.Locked || m.closed {
		return
	}
	if !m.interacted[sessionID] {
		log.Debug("idle before any input, keeping active")
		return
	}
	if m.suspending[sessionID] {
		return
	}

	waiting, err := m.hasWaitingWorkLocked(ctx, s)
	if err != nil {
		log.Error("failed to inspect queue", "error", err)
		return
	}
	if !waiting {
		return
	}

	m.suspending[sessionID] = true
	if err := h.Kill(); err != nil {
		delete(m.suspending, sessionID)
		log.Error("suspend kill failed", "error", err)
		return
	}
	m.watchKillLocked(sessionID, s.PID)
	log.Info("suspending idle session for queued work", "pid", s.PID)
	m.bus.Publish(event.NewSuspendingEvent(sessionID, s.PID))
}

// hasWaitingWorkLocked reports whether some queued session could use the
// slot s would free: one bound to the same worker, or to another usable
// worker that still has headroom. The global ceiling is not checked because
// suspending s frees a global slot. Queued sessions that s would be requeued
// ahead of do not count.
func (m *Manager) hasWaitingWorkLocked(ctx context.Context, s *store.Session) (bool, error) {
	queued, err := m.store.ListQueued(ctx, "")
	if err != nil {
		return false, err
	}
	policy := m.queue.Policy()
	for _, q := range queued {
		// s would be readmitted before q, so suspending cannot help it.
		if policy.Ahead(s, q) {
			continue
		}
		if q.WorkerID == s.WorkerID {
			return true, nil
		}
		w, err := m.store.GetWorker(ctx, q.WorkerID)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return false, err
		}
		if !w.Usable() {
			continue
		}
		n, err := m.store.CountActive(ctx, q.WorkerID)
		if err != nil {
			return false, err
		}
		if n < w.MaxSessions {
			return true, nil
		}
	}
	return false, nil
}

// OnExited records how a run ended and admits the next queued session.
func (m *Manager) OnExited(sessionID string, exit process.ExitInfo) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithSession(sessionID)

	h, ok := m.handles[sessionID]
	if !ok || (exit.PID != 0 && h.PID() != exit.PID) {
		log.Warn("ignoring exit for untracked process", "pid", exit.PID, "exit_code", exit.ExitCode)
		return
	}
	suspended := m.suspending[sessionID]
	m.clearActiveLocked(sessionID)

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Error("exit for missing session", "error", err)
		return
	}

	switch {
	case suspended:
		pos, err := m.queue.RequeuePosition(ctx, s)
		if err != nil {
			log.Error("requeue position failed", "error", err)
			return
		}
		if _, err := m.store.Requeue(ctx, sessionID, pos); err != nil {
			log.Error("requeue failed", "error", err)
			return
		}
		log.Info("session suspended", "exit_code", exit.ExitCode, "position", pos)
		m.bus.Publish(event.NewSessionQueuedEvent(sessionID, pos, event.QueuedSuspended))

	case exit.ExitCode == 0:
		if _, err := m.store.Complete(ctx, sessionID, exit.ContinuationToken, 0); err != nil {
			log.Error("complete failed", "error", err)
			return
		}
		log.Info("session completed", "has_continuation", exit.ContinuationToken != "")
		m.bus.Publish(event.NewSessionCompletedEvent(sessionID, exit.ContinuationToken != ""))

	default:
		code := exit.ExitCode
		if _, err := m.store.Fail(ctx, sessionID, &code); err != nil {
			log.Error("fail failed", "error", err)
			return
		}
		log.Warn("session exited with error", "exit_code", code)
		m.bus.Publish(event.NewSessionFailedEvent(sessionID, &code, "exit"))
	}

	m.dispatchLocked(ctx)
}

var _ process.EventSink = (*Manager)(nil)
