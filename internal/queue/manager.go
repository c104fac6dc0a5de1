package queue

import (
	"context"
	"fmt"

	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/logging"
	"github.com/nadavbarak14/agentide/internal/store"
)

// Manager answers capacity and ordering questions against the store. It never
// mutates session state; the scheduler acts on its decisions while holding its
// own lock, which keeps a decision and the resulting activation atomic.
type Manager struct {
	store  store.Store
	bus    *event.Bus
	policy RequeuePolicy
	logger *logging.Logger
}

// NewManager creates a queue Manager. A nil policy selects Trailing.
func NewManager(st store.Store, bus *event.Bus, policy RequeuePolicy, logger *logging.Logger) *Manager {
	if policy == nil {
		policy = Trailing{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		store:  st,
		bus:    bus,
		policy: policy,
		logger: logger.WithComponent("queue"),
	}
}

// Policy returns the active requeue policy.
func (m *Manager) Policy() RequeuePolicy {
	return m.policy
}

// RequeuePosition returns the position a suspended session should take.
func (m *Manager) RequeuePosition(ctx context.Context, s *store.Session) (int64, error) {
	return m.policy.Position(ctx, m.store, s)
}

// capacity is a snapshot of slot usage taken at the start of a decision.
type capacity struct {
	globalMax    int
	globalActive int
	order        []*store.Worker
	workers      map[string]*store.Worker
	active       map[string]int
}

func (m *Manager) snapshot(ctx context.Context) (*capacity, error) {
	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	total, err := m.store.CountActive(ctx, "")
	if err != nil {
		return nil, err
	}
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	c := &capacity{
		globalMax:    settings.MaxConcurrentSessions,
		globalActive: total,
		order:        workers,
		workers:      make(map[string]*store.Worker, len(workers)),
		active:       make(map[string]int, len(workers)),
	}
	for _, w := range workers {
		n, err := m.store.CountActive(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		c.workers[w.ID] = w
		c.active[w.ID] = n
	}
	return c, nil
}

func (c *capacity) globalFree() bool {
	return c.globalActive < c.globalMax
}

func (c *capacity) workerFree(workerID string) bool {
	w, ok := c.workers[workerID]
	if !ok || !w.Usable() {
		return false
	}
	return c.active[workerID] < w.MaxSessions
}

// HasAvailableSlot reports whether a session could start now. With a
// workerID it checks that worker and the global ceiling; with an empty
// workerID it checks the global ceiling and whether any usable worker has
// headroom.
func (m *Manager) HasAvailableSlot(ctx context.Context, workerID string) (bool, error) {
	c, err := m.snapshot(ctx)
	if err != nil {
		return false, err
	}
	if !c.globalFree() {
		return false, nil
	}
	if workerID != "" {
		return c.workerFree(workerID), nil
	}
	for id := range c.workers {
		if c.workerFree(id) {
			return true, nil
		}
	}
	return false, nil
}

// TryDispatch returns the queued session that should take the next free slot,
// or nil when the global ceiling is reached or no queued session's worker has
// headroom. Queued sessions are scanned in ascending position order and the
// first eligible one wins.
func (m *Manager) TryDispatch(ctx context.Context) (*store.Session, error) {
	c, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !c.globalFree() {
		return nil, nil
	}

	queued, err := m.store.ListQueued(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	for _, s := range queued {
		if !c.workerFree(s.WorkerID) {
			continue
		}
		m.logger.Debug("dispatch decided",
			"session_id", s.ID,
			"worker_id", s.WorkerID,
			"position", s.Position,
		)
		if m.bus != nil {
			m.bus.Publish(event.NewDispatchDecidedEvent(s.ID, s.WorkerID, s.Position))
		}
		return s, nil
	}
	return nil, nil
}

// OnSessionFreed is called after a session leaves the active state. It is a
// single TryDispatch; the caller admits the result, if any.
func (m *Manager) OnSessionFreed(ctx context.Context) (*store.Session, error) {
	return m.TryDispatch(ctx)
}

// WorkerStatus is one worker's slot usage.
type WorkerStatus struct {
	WorkerID    string             `json:"workerId"`
	Status      store.WorkerStatus `json:"status"`
	Active      int                `json:"active"`
	MaxSessions int                `json:"maxSessions"`
	Queued      int                `json:"queued"`
}

// Status summarises queue depth and slot usage.
type Status struct {
	Queued                int            `json:"queued"`
	Active                int            `json:"active"`
	MaxConcurrentSessions int            `json:"maxConcurrentSessions"`
	RequeuePolicy         string         `json:"requeuePolicy"`
	Workers               []WorkerStatus `json:"workers"`
}

// Status reports the current queue depth and capacity per worker.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	c, err := m.snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	queued, err := m.store.ListQueued(ctx, "")
	if err != nil {
		return Status{}, fmt.Errorf("list queued: %w", err)
	}

	perWorker := make(map[string]int)
	for _, s := range queued {
		perWorker[s.WorkerID]++
	}

	st := Status{
		Queued:                len(queued),
		Active:                c.globalActive,
		MaxConcurrentSessions: c.globalMax,
		RequeuePolicy:         m.policy.Name(),
	}
	for _, w := range c.order {
		st.Workers = append(st.Workers, WorkerStatus{
			WorkerID:    w.ID,
			Status:      w.Status,
			Active:      c.active[w.ID],
			MaxSessions: w.MaxSessions,
			Queued:      perWorker[w.ID],
		})
	}
	return st, nil
}
