package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/store"
)

// RequeuePolicy decides where a suspended session re-enters the queue.
type RequeuePolicy interface {
	Name() string
	Position(ctx context.Context, st store.Store, s *store.Session) (int64, error)
	// Ahead reports whether active session s, once requeued, would be
	// dispatched before queued session q.
	Ahead(s, q *store.Session) bool
}

// Policy names accepted by ParseRequeuePolicy.
const (
	PolicyTrailing = "trailing"
	PolicyOriginal = "original"
)

// Trailing sends a requeued session to the back of the queue with a fresh
// position. Sessions that waited while it ran are admitted first.
type Trailing struct{}

func (Trailing) Name() string { return PolicyTrailing }

func (Trailing) Position(ctx context.Context, st store.Store, _ *store.Session) (int64, error) {
	return st.NextPosition(ctx)
}

func (Trailing) Ahead(_, _ *store.Session) bool { return false }

// Original restores the position the session received when it was created.
// Queued sessions created after s never gain from suspending it, since s would
// be re-admitted into the slot it just gave up.
type Original struct{}

func (Original) Name() string { return PolicyOriginal }

func (Original) Position(_ context.Context, _ store.Store, s *store.Session) (int64, error) {
	return s.Position, nil
}

func (Original) Ahead(s, q *store.Session) bool { return s.Position < q.Position }

// ParseRequeuePolicy maps a configured name to a policy. Empty selects Trailing.
func ParseRequeuePolicy(name string) (RequeuePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyTrailing:
		return Trailing{}, nil
	case PolicyOriginal:
		return Original{}, nil
	default:
		return nil, errors.NewConfigError(
			fmt.Sprintf("unknown requeue policy %q (want %s or %s)", name, PolicyTrailing, PolicyOriginal),
			errors.ErrInvalidInput,
		).WithField("scheduler.requeue_policy")
	}
}
