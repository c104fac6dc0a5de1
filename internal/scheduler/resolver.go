package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gobwas/glob"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/store"
)

// WorkerResolver picks the worker a new session is bound to. requested is
// the caller-supplied worker id and may be empty.
type WorkerResolver interface {
	Resolve(ctx context.Context, st store.Store, requested string) (*store.Worker, error)
}

// WorkerResolverFunc adapts a function to WorkerResolver.
type WorkerResolverFunc func(ctx context.Context, st store.Store, requested string) (*store.Worker, error)

func (f WorkerResolverFunc) Resolve(ctx context.Context, st store.Store, requested string) (*store.Worker, error) {
	return f(ctx, st, requested)
}

// LocalResolver honours an explicit worker id and otherwise picks the local
// worker. An explicit id that does not exist is a configuration error, as is
// an omitted id when no usable local worker is registered.
type LocalResolver struct{}

func (LocalResolver) Resolve(ctx context.Context, st store.Store, requested string) (*store.Worker, error) {
	if requested != "" {
		w, err := st.GetWorker(ctx, requested)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NewConfigError(fmt.Sprintf("unknown worker %q", requested), err).WithField("workerId")
			}
			return nil, err
		}
		return w, nil
	}

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.Type == store.WorkerLocal && w.Usable() {
			return w, nil
		}
	}
	return nil, errors.NewConfigError("no usable local worker configured", errors.ErrNoUsableWorker)
}

// pathMatcher checks working directories against a worker's AllowedPaths.
type pathMatcher struct {
	mu    sync.Mutex
	cache map[string]glob.Glob
}

func newPathMatcher() *pathMatcher {
	return &pathMatcher{cache: make(map[string]glob.Glob)}
}

func (p *pathMatcher) compile(pattern string) (glob.Glob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.cache[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, filepath.Separator)
	if err != nil {
		return nil, err
	}
	p.cache[pattern] = g
	return g, nil
}

// Allowed reports whether dir may run on w. An empty AllowedPaths allows any
// directory; a pattern that fails to compile is a configuration error.
func (p *pathMatcher) Allowed(w *store.Worker, dir string) error {
	if len(w.AllowedPaths) == 0 {
		return nil
	}
	for _, pattern := range w.AllowedPaths {
		g, err := p.compile(pattern)
		if err != nil {
			return errors.NewConfigError(
				fmt.Sprintf("worker %s has invalid allowed path %q", w.ID, pattern), err,
			).WithField("allowed_paths")
		}
		if g.Match(dir) {
			return nil
		}
	}
	return errors.NewConfigError(
		fmt.Sprintf("working directory %s is not allowed on worker %s", dir, w.ID),
		errors.ErrPathNotAllowed,
	).WithField("workingDirectory")
}
