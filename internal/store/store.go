package store

import (
	"context"
	"time"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// Store is the authoritative record of sessions, workers and settings.
// Only the scheduler mutates session state; everything else reads.
//
// Lookups of unknown ids return an error satisfying errors.IsNotFound.
type Store interface {
	CreateSession(ctx context.Context, in NewSession) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by creation time. An empty
	// status returns every session.
	ListSessions(ctx context.Context, status Status) ([]*Session, error)

	// ListQueued returns queued sessions ordered by ascending Position.
	// An empty workerID returns the queue across all workers.
	ListQueued(ctx context.Context, workerID string) ([]*Session, error)

	// CountActive counts active sessions, optionally for one worker.
	CountActive(ctx context.Context, workerID string) (int, error)

	// NextPosition draws the next value from the admission sequence.
	NextPosition(ctx context.Context) (int64, error)

	Activate(ctx context.Context, id string, pid int) (*Session, error)
	Complete(ctx context.Context, id string, continuationToken string, exitCode int) (*Session, error)
	Fail(ctx context.Context, id string, exitCode *int) (*Session, error)

	// Requeue moves a session back to queued at the given position and
	// marks it to resume its prior run on the next start.
	Requeue(ctx context.Context, id string, position int64) (*Session, error)

	// MarkResume queues a completed session for continuation.
	MarkResume(ctx context.Context, id string, position int64) (*Session, error)

	SetNeedsInput(ctx context.Context, id string, needsInput bool) error
	SetLocked(ctx context.Context, id string, locked bool) (*Session, error)

	// DeleteSession removes a session record. Active sessions are rejected
	// with a conflict error.
	DeleteSession(ctx context.Context, id string) error

	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	UpsertWorker(ctx context.Context, w Worker) error

	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) error

	Close() error
}

// nowFunc is replaced in tests that need deterministic timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }

func sessionNotFound(id string) error {
	return errors.NewNotFoundError("session", id)
}

func workerNotFound(id string) error {
	return errors.NewNotFoundError("worker", id)
}
