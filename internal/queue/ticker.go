package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nadavbarak14/agentide/internal/logging"
)

// DefaultDispatchInterval is used when a Ticker is given a non-positive interval.
const DefaultDispatchInterval = 5 * time.Second

// DispatchFunc admits as many queued sessions as capacity allows.
type DispatchFunc func(ctx context.Context) error

// Ticker re-evaluates the queue periodically. Admission normally happens on
// exit and create; the ticker catches changes nothing else reacts to, such as
// a worker reconnecting or a ceiling raised in the store.
type Ticker struct {
	mu       sync.Mutex
	interval time.Duration
	dispatch DispatchFunc
	logger   *logging.Logger
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	done     chan struct{}
}

// NewTicker creates a Ticker. Call Start to begin ticking.
func NewTicker(interval time.Duration, dispatch DispatchFunc, logger *logging.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Ticker{
		interval: interval,
		dispatch: dispatch,
		logger:   logger.WithComponent("queue"),
		done:     make(chan struct{}),
	}
}

// Start runs dispatch every interval. It blocks until ctx is cancelled or
// Stop is called. Start returns immediately if the ticker was already
// started or stopped, so a Stop that wins the race against Start still
// prevents any ticking.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	defer close(t.done)
	defer cancel()

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := t.dispatch(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("periodic dispatch failed", "error", err)
			}
		}
	}
}

// Stop cancels the ticker and waits for an in-flight dispatch to return. It
// is safe to call before Start and more than once.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	started := t.started
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-t.done
	}
}
