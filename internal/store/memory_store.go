package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// MemoryStore is an in-process Store used by tests and ephemeral servers.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	workers  map[string]*Worker
	settings Settings
	seq      int64
}

// NewMemoryStore returns an empty store with default settings.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		workers:  make(map[string]*Worker),
		settings: DefaultSettings(),
	}
}

func cloneSession(s *Session) *Session {
	cp := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}

func cloneWorker(w *Worker) *Worker {
	cp := *w
	cp.AllowedPaths = append([]string(nil), w.AllowedPaths...)
	return &cp
}

func (m *MemoryStore) CreateSession(_ context.Context, in NewSession) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.sessions[id]; exists {
		return nil, errors.NewValidationError("session id already exists").WithField("id").WithValue(id)
	}

	m.seq++
	now := nowFunc()
	s := &Session{
		ID:               id,
		WorkerID:         in.WorkerID,
		Status:           in.Status,
		WorkingDirectory: in.WorkingDirectory,
		Title:            in.Title,
		Locked:           in.Locked,
		Position:         m.seq,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.Status == StatusActive {
		s.PID = in.PID
		s.StartedAt = &now
	}
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, status Status) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListQueued(_ context.Context, workerID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Status != StatusQueued {
			continue
		}
		if workerID != "" && s.WorkerID != workerID {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) CountActive(_ context.Context, workerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive && (workerID == "" || s.WorkerID == workerID) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) NextPosition(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

// mutate applies fn to the stored session under the write lock.
func (m *MemoryStore) mutate(id string, fn func(s *Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = nowFunc()
	return cloneSession(s), nil
}

func (m *MemoryStore) Activate(_ context.Context, id string, pid int) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		now := nowFunc()
		s.Status = StatusActive
		s.PID = pid
		s.StartedAt = &now
		s.NeedsInput = false
		s.Resume = false
		s.ContinuationToken = ""
		return nil
	})
}

func (m *MemoryStore) Complete(_ context.Context, id string, token string, exitCode int) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		now := nowFunc()
		code := exitCode
		s.Status = StatusCompleted
		s.PID = 0
		s.NeedsInput = false
		s.ContinuationToken = token
		s.ExitCode = &code
		s.CompletedAt = &now
		return nil
	})
}

func (m *MemoryStore) Fail(_ context.Context, id string, exitCode *int) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		now := nowFunc()
		s.Status = StatusFailed
		s.PID = 0
		s.NeedsInput = false
		s.Resume = false
		if exitCode != nil {
			code := *exitCode
			s.ExitCode = &code
		} else {
			s.ExitCode = nil
		}
		s.CompletedAt = &now
		return nil
	})
}

func (m *MemoryStore) Requeue(_ context.Context, id string, position int64) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		s.Status = StatusQueued
		s.PID = 0
		s.NeedsInput = false
		s.Resume = true
		s.Position = position
		return nil
	})
}

func (m *MemoryStore) MarkResume(_ context.Context, id string, position int64) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		s.Status = StatusQueued
		s.PID = 0
		s.NeedsInput = false
		s.Resume = true
		s.Position = position
		return nil
	})
}

func (m *MemoryStore) SetNeedsInput(_ context.Context, id string, needsInput bool) error {
	_, err := m.mutate(id, func(s *Session) error {
		s.NeedsInput = needsInput
		return nil
	})
	return err
}

func (m *MemoryStore) SetLocked(_ context.Context, id string, locked bool) (*Session, error) {
	return m.mutate(id, func(s *Session) error {
		s.Locked = locked
		return nil
	})
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return sessionNotFound(id)
	}
	if s.Status == StatusActive {
		return errors.NewStateError("delete", id, string(s.Status))
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[id]
	if !ok {
		return nil, workerNotFound(id)
	}
	return cloneWorker(w), nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertWorker(_ context.Context, w Worker) error {
	if w.ID == "" {
		return errors.NewValidationError("worker id is required").WithField("id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = cloneWorker(&w)
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, s Settings) error {
	if s.MaxConcurrentSessions < 0 {
		return errors.NewValidationError("maxConcurrentSessions must be non-negative").
			WithField("maxConcurrentSessions").WithValue(s.MaxConcurrentSessions)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
