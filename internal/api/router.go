package api

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/logging"
	"github.com/nadavbarak14/agentide/internal/queue"
	"github.com/nadavbarak14/agentide/internal/scheduler"
	"github.com/nadavbarak14/agentide/internal/store"
)

// Scheduler is the part of scheduler.Manager the API serves.
type Scheduler interface {
	CreateSession(ctx context.Context, in scheduler.CreateInput) (*store.Session, error)
	ListSessions(ctx context.Context, status store.Status) ([]*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SendInput(ctx context.Context, id, text string) error
	KillSession(ctx context.Context, id string) (bool, error)
	ContinueSession(ctx context.Context, id string) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	SetLocked(ctx context.Context, id string, locked bool) (*store.Session, error)
	Resize(ctx context.Context, id string, cols, rows uint16) error
	Scrollback(ctx context.Context, id string) ([]byte, error)
	ListWorkers(ctx context.Context) ([]*store.Worker, error)
	QueueStatus(ctx context.Context) (queue.Status, error)
	UpdateMaxConcurrent(ctx context.Context, n int) error
	Bus() *event.Bus
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(sched Scheduler, logger *logging.Logger) *chi.Mux {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("api")

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	sessionH := NewSessionHandler(sched)
	systemH := NewSystemHandler(sched)
	eventsH := NewEventsHandler(sched.Bus(), logger)

	r.Get("/health", systemH.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionH.List)
			r.Post("/", sessionH.Create)
			r.Get("/{id}", sessionH.Get)
			r.Delete("/{id}", sessionH.Delete)
			r.Post("/{id}/input", sessionH.Input)
			r.Post("/{id}/kill", sessionH.Kill)
			r.Post("/{id}/continue", sessionH.Continue)
			r.Post("/{id}/lock", sessionH.Lock)
			r.Post("/{id}/resize", sessionH.Resize)
			r.Get("/{id}/scrollback", sessionH.Scrollback)
		})

		r.Get("/workers", systemH.Workers)
		r.Get("/queue", systemH.Queue)
		r.Get("/settings", systemH.GetSettings)
		r.Put("/settings", systemH.UpdateSettings)
		r.Get("/events", eventsH.Stream)
	})

	return r
}
