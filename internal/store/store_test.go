package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// storeFactories lets every contract test run against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), DBFileName))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// steppedClock makes creation order observable without sleeping.
func steppedClock(t *testing.T) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	orig := nowFunc
	nowFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	t.Cleanup(func() { nowFunc = orig })
}

func mustCreate(t *testing.T, s Store, in NewSession) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return sess
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			active := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusActive, WorkingDirectory: "/w/a", PID: 42})
			queued := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w/b", PID: 99})

			if active.ID == "" {
				t.Fatal("CreateSession() did not assign an id")
			}
			if active.PID != 42 || active.StartedAt == nil {
				t.Errorf("active session PID = %d, StartedAt = %v; want 42 and set", active.PID, active.StartedAt)
			}
			if queued.PID != 0 {
				t.Errorf("queued session PID = %d, want 0", queued.PID)
			}
			if queued.Position <= active.Position {
				t.Errorf("positions not increasing: %d then %d", active.Position, queued.Position)
			}

			got, err := s.GetSession(ctx, queued.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.Status != StatusQueued || got.WorkingDirectory != "/w/b" {
				t.Errorf("GetSession() = %+v", got)
			}

			if _, err := s.GetSession(ctx, "missing"); !errors.IsNotFound(err) {
				t.Errorf("GetSession(missing) error = %v, want not found", err)
			}
		})
	}
}

func TestStore_CreateDuplicateID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			mustCreate(t, s, NewSession{ID: "fixed", WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w"})
			_, err := s.CreateSession(context.Background(), NewSession{ID: "fixed", WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w"})
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("duplicate CreateSession() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestStore_ListQueuedOrdersByPosition(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			a := mustCreate(t, s, NewSession{WorkerID: "w1", Status: StatusQueued, WorkingDirectory: "/a"})
			b := mustCreate(t, s, NewSession{WorkerID: "w2", Status: StatusQueued, WorkingDirectory: "/b"})
			c := mustCreate(t, s, NewSession{WorkerID: "w1", Status: StatusQueued, WorkingDirectory: "/c"})

			// Move a behind c.
			pos, err := s.NextPosition(ctx)
			if err != nil {
				t.Fatalf("NextPosition() error = %v", err)
			}
			if _, err := s.Requeue(ctx, a.ID, pos); err != nil {
				t.Fatalf("Requeue() error = %v", err)
			}

			all, err := s.ListQueued(ctx, "")
			if err != nil {
				t.Fatalf("ListQueued() error = %v", err)
			}
			assertIDs(t, all, b.ID, c.ID, a.ID)

			w1, err := s.ListQueued(ctx, "w1")
			if err != nil {
				t.Fatalf("ListQueued(w1) error = %v", err)
			}
			assertIDs(t, w1, c.ID, a.ID)
		})
	}
}

func TestStore_ListSessionsByCreation(t *testing.T) {
	steppedClock(t)
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			a := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusActive, WorkingDirectory: "/a", PID: 1})
			b := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/b"})
			c := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/c"})

			all, err := s.ListSessions(ctx, "")
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			assertIDs(t, all, a.ID, b.ID, c.ID)

			queued, err := s.ListSessions(ctx, StatusQueued)
			if err != nil {
				t.Fatalf("ListSessions(queued) error = %v", err)
			}
			assertIDs(t, queued, b.ID, c.ID)
		})
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			sess := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w"})

			active, err := s.Activate(ctx, sess.ID, 1234)
			if err != nil {
				t.Fatalf("Activate() error = %v", err)
			}
			if active.Status != StatusActive || active.PID != 1234 || active.StartedAt == nil {
				t.Errorf("Activate() = %+v", active)
			}
			if n, _ := s.CountActive(ctx, "local"); n != 1 {
				t.Errorf("CountActive(local) = %d, want 1", n)
			}
			if n, _ := s.CountActive(ctx, "other"); n != 0 {
				t.Errorf("CountActive(other) = %d, want 0", n)
			}

			if err := s.SetNeedsInput(ctx, sess.ID, true); err != nil {
				t.Fatalf("SetNeedsInput() error = %v", err)
			}

			done, err := s.Complete(ctx, sess.ID, "tok-1", 0)
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if done.Status != StatusCompleted || done.PID != 0 || done.NeedsInput {
				t.Errorf("Complete() = %+v", done)
			}
			if done.ContinuationToken != "tok-1" {
				t.Errorf("ContinuationToken = %q, want tok-1", done.ContinuationToken)
			}
			if done.ExitCode == nil || *done.ExitCode != 0 || done.CompletedAt == nil {
				t.Errorf("ExitCode = %v, CompletedAt = %v", done.ExitCode, done.CompletedAt)
			}

			// Continuation clears the token on the next activation.
			again, err := s.Activate(ctx, sess.ID, 5678)
			if err != nil {
				t.Fatalf("Activate() error = %v", err)
			}
			if again.ContinuationToken != "" {
				t.Errorf("ContinuationToken after Activate = %q, want empty", again.ContinuationToken)
			}

			code := 3
			failed, err := s.Fail(ctx, sess.ID, &code)
			if err != nil {
				t.Fatalf("Fail() error = %v", err)
			}
			if failed.Status != StatusFailed || failed.ExitCode == nil || *failed.ExitCode != 3 {
				t.Errorf("Fail() = %+v", failed)
			}
		})
	}
}

func TestStore_RequeueAndMarkResume(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			sess := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusActive, WorkingDirectory: "/w", PID: 7})
			if err := s.SetNeedsInput(ctx, sess.ID, true); err != nil {
				t.Fatal(err)
			}

			requeued, err := s.Requeue(ctx, sess.ID, 100)
			if err != nil {
				t.Fatalf("Requeue() error = %v", err)
			}
			if requeued.Status != StatusQueued || requeued.PID != 0 || requeued.NeedsInput {
				t.Errorf("Requeue() = %+v", requeued)
			}
			if !requeued.Resume || requeued.Position != 100 {
				t.Errorf("Resume = %v, Position = %d; want true, 100", requeued.Resume, requeued.Position)
			}

			if _, err := s.Activate(ctx, sess.ID, 8); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Complete(ctx, sess.ID, "", 0); err != nil {
				t.Fatal(err)
			}
			resumed, err := s.MarkResume(ctx, sess.ID, 101)
			if err != nil {
				t.Fatalf("MarkResume() error = %v", err)
			}
			if resumed.Status != StatusQueued || !resumed.Resume {
				t.Errorf("MarkResume() = %+v", resumed)
			}
		})
	}
}

func TestStore_DeleteRejectsActive(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			active := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusActive, WorkingDirectory: "/w", PID: 1})
			queued := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w"})

			if err := s.DeleteSession(ctx, active.ID); !errors.IsConflict(err) {
				t.Errorf("DeleteSession(active) error = %v, want conflict", err)
			}
			if err := s.DeleteSession(ctx, queued.ID); err != nil {
				t.Errorf("DeleteSession(queued) error = %v", err)
			}
			if _, err := s.GetSession(ctx, queued.ID); !errors.IsNotFound(err) {
				t.Errorf("GetSession after delete error = %v, want not found", err)
			}
			if err := s.DeleteSession(ctx, "missing"); !errors.IsNotFound(err) {
				t.Errorf("DeleteSession(missing) error = %v, want not found", err)
			}
		})
	}
}

func TestStore_SetLocked(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			sess := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w", Locked: true})
			if !sess.Locked {
				t.Fatal("Locked not persisted on create")
			}
			got, err := s.SetLocked(context.Background(), sess.ID, false)
			if err != nil {
				t.Fatalf("SetLocked() error = %v", err)
			}
			if got.Locked {
				t.Error("SetLocked(false) left session locked")
			}
		})
	}
}

func TestStore_Workers(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			w := Worker{ID: "local", Name: "laptop", Type: WorkerLocal, MaxSessions: 2, Status: WorkerConnected, AllowedPaths: []string{"/home/**"}}
			if err := s.UpsertWorker(ctx, w); err != nil {
				t.Fatalf("UpsertWorker() error = %v", err)
			}
			w.MaxSessions = 4
			if err := s.UpsertWorker(ctx, w); err != nil {
				t.Fatalf("UpsertWorker() update error = %v", err)
			}
			if err := s.UpsertWorker(ctx, Worker{ID: "remote-1", Type: WorkerRemote, MaxSessions: 1, Status: WorkerDisconnected}); err != nil {
				t.Fatal(err)
			}

			got, err := s.GetWorker(ctx, "local")
			if err != nil {
				t.Fatalf("GetWorker() error = %v", err)
			}
			if got.MaxSessions != 4 || len(got.AllowedPaths) != 1 || got.AllowedPaths[0] != "/home/**" {
				t.Errorf("GetWorker() = %+v", got)
			}

			list, err := s.ListWorkers(ctx)
			if err != nil {
				t.Fatalf("ListWorkers() error = %v", err)
			}
			if len(list) != 2 || list[0].ID != "local" || list[1].ID != "remote-1" {
				t.Errorf("ListWorkers() = %+v", list)
			}
			if list[1].Usable() {
				t.Error("disconnected worker reported usable")
			}

			if _, err := s.GetWorker(ctx, "nope"); !errors.Is(err, errors.ErrWorkerNotFound) {
				t.Errorf("GetWorker(nope) error = %v, want ErrWorkerNotFound", err)
			}
			if err := s.UpsertWorker(ctx, Worker{}); err == nil {
				t.Error("UpsertWorker(empty id) succeeded, want error")
			}
		})
	}
}

func TestStore_Settings(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			got, err := s.GetSettings(ctx)
			if err != nil {
				t.Fatalf("GetSettings() error = %v", err)
			}
			if got != DefaultSettings() {
				t.Errorf("GetSettings() = %+v, want defaults", got)
			}
			if err := s.UpdateSettings(ctx, Settings{MaxConcurrentSessions: 5}); err != nil {
				t.Fatalf("UpdateSettings() error = %v", err)
			}
			got, _ = s.GetSettings(ctx)
			if got.MaxConcurrentSessions != 5 {
				t.Errorf("MaxConcurrentSessions = %d, want 5", got.MaxConcurrentSessions)
			}
			if err := s.UpdateSettings(ctx, Settings{MaxConcurrentSessions: -1}); err == nil {
				t.Error("UpdateSettings(-1) succeeded, want error")
			}
		})
	}
}

func TestStore_PositionsUnique(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			seen := make(map[int64]bool)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					pos, err := s.NextPosition(ctx)
					if err != nil {
						t.Errorf("NextPosition() error = %v", err)
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if seen[pos] {
						t.Errorf("position %d issued twice", pos)
					}
					seen[pos] = true
				}()
			}
			wg.Wait()
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), DBFileName)
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	sess := mustCreate(t, s, NewSession{WorkerID: "local", Status: StatusQueued, WorkingDirectory: "/w"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() after reopen error = %v", err)
	}
	if got.Position != sess.Position {
		t.Errorf("Position = %d, want %d", got.Position, sess.Position)
	}
	next, err := s.NextPosition(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next <= sess.Position {
		t.Errorf("NextPosition() after reopen = %d, want > %d", next, sess.Position)
	}
}

func assertIDs(t *testing.T, sessions []*Session, want ...string) {
	t.Helper()
	if len(sessions) != len(want) {
		t.Fatalf("got %d sessions, want %d", len(sessions), len(want))
	}
	for i, s := range sessions {
		if s.ID != want[i] {
			t.Errorf("sessions[%d] = %s, want %s", i, s.ID, want[i])
		}
	}
}
