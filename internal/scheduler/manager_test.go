package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nadavbarak14/agentide/internal/errors"
	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/process"
	"github.com/nadavbarak14/agentide/internal/queue"
	"github.com/nadavbarak14/agentide/internal/store"
	"github.com/nadavbarak14/agentide/internal/testutil"
)

type harness struct {
	t    *testing.T
	ctx  context.Context
	st   *store.MemoryStore
	prov *testutil.FakeProvider
	bus  *event.Bus
	m    *Manager
	dir  string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy queue.RequeuePolicy
	cfg    Config
}

func withPolicy(p queue.RequeuePolicy) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withKillTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.cfg.KillTimeout = d }
}

func newWorker(id string, max int) store.Worker {
	return store.Worker{ID: id, Name: id, Type: store.WorkerLocal, MaxSessions: max, Status: store.WorkerConnected}
}

func newHarness(t *testing.T, maxConcurrent int, workers []store.Worker, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{}
	for _, o := range opts {
		o(&hc)
	}

	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.UpdateSettings(ctx, store.Settings{MaxConcurrentSessions: maxConcurrent}); err != nil {
		t.Fatal(err)
	}
	for _, w := range workers {
		if err := st.UpsertWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	bus := event.NewBus(nil)
	prov := testutil.NewFakeProvider()
	q := queue.NewManager(st, bus, hc.policy, nil)
	m := New(st, q, prov, bus, hc.cfg, nil)

	return &harness{t: t, ctx: ctx, st: st, prov: prov, bus: bus, m: m, dir: testutil.WorkDir(t, "repo")}
}

func (h *harness) create(workerID string) *store.Session {
	h.t.Helper()
	s, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: h.dir, Title: "task", WorkerID: workerID})
	if err != nil {
		h.t.Fatalf("CreateSession() error = %v", err)
	}
	return s
}

func (h *harness) get(id string) *store.Session {
	h.t.Helper()
	s, err := h.st.GetSession(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetSession(%s) error = %v", id, err)
	}
	return s
}

func (h *harness) requireStatus(id string, want store.Status) *store.Session {
	h.t.Helper()
	s := h.get(id)
	if s.Status != want {
		h.t.Fatalf("session %s status = %s, want %s", id, s.Status, want)
	}
	return s
}

func (h *harness) kills(id string) int {
	h.t.Helper()
	fh := h.prov.Handle(id)
	if fh == nil {
		return 0
	}
	return fh.Kills()
}

// checkCapacity asserts the global and per-worker ceilings and that a
// process exists exactly for each active session.
func (h *harness) checkCapacity() {
	h.t.Helper()
	settings, _ := h.st.GetSettings(h.ctx)
	total, _ := h.st.CountActive(h.ctx, "")
	if total > settings.MaxConcurrentSessions {
		h.t.Errorf("active = %d exceeds global ceiling %d", total, settings.MaxConcurrentSessions)
	}
	workers, _ := h.st.ListWorkers(h.ctx)
	for _, w := range workers {
		n, _ := h.st.CountActive(h.ctx, w.ID)
		if n > w.MaxSessions {
			h.t.Errorf("worker %s active = %d exceeds %d", w.ID, n, w.MaxSessions)
		}
	}
	if running := h.prov.Running(); running != total {
		h.t.Errorf("running processes = %d, active sessions = %d", running, total)
	}
}

func TestScenarioA_KillAdmitsQueued(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("local", 1)})

	s1 := h.create("")
	s2 := h.create("")
	h.requireStatus(s1.ID, store.StatusActive)
	h.requireStatus(s2.ID, store.StatusQueued)

	ok, err := h.m.KillSession(h.ctx, s1.ID)
	if err != nil || !ok {
		t.Fatalf("KillSession() = %v, %v", ok, err)
	}
	// Kill is only a request.
	h.requireStatus(s1.ID, store.StatusActive)
	if h.kills(s1.ID) != 1 {
		t.Errorf("kills = %d, want 1", h.kills(s1.ID))
	}

	h.prov.Exit(s1.ID, 0, "tok-1")

	done := h.requireStatus(s1.ID, store.StatusCompleted)
	if done.ContinuationToken != "tok-1" || done.PID != 0 {
		t.Errorf("completed session = %+v", done)
	}
	active := h.requireStatus(s2.ID, store.StatusActive)
	if active.PID == 0 {
		t.Error("admitted session has no pid")
	}
	h.checkCapacity()
}

func TestScenarioBCD_GuardedSuspend(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("w1", 2), newWorker("w2", 2)})

	var suspends []string
	h.bus.Subscribe(event.TypeSuspending, func(e event.Event) {
		suspends = append(suspends, e.(event.SuspendingEvent).SessionID)
	})

	s1 := h.create("w1")
	s2 := h.create("w2")
	s3 := h.create("w1")
	h.requireStatus(s1.ID, store.StatusActive)
	h.requireStatus(s2.ID, store.StatusActive)
	queued := h.requireStatus(s3.ID, store.StatusQueued)

	// B: idle without input keeps the session.
	h.prov.Idle(s1.ID)
	got := h.requireStatus(s1.ID, store.StatusActive)
	if !got.NeedsInput {
		t.Error("needsInput = false after idle")
	}
	if h.kills(s1.ID) != 0 {
		t.Fatal("idle session without interaction was killed")
	}
	h.requireStatus(s3.ID, store.StatusQueued)

	// C: input, then idle, suspends S1 and admits S3.
	if err := h.m.SendInput(h.ctx, s1.ID, "text"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	if got := h.get(s1.ID); got.NeedsInput {
		t.Error("needsInput still set after SendInput")
	}
	if w := h.prov.Handle(s1.ID).Writes(); len(w) != 1 || string(w[0]) != "text" {
		t.Errorf("writes = %q", w)
	}

	h.prov.Idle(s1.ID)
	if h.kills(s1.ID) != 1 {
		t.Fatalf("kills = %d, want 1 after guarded idle", h.kills(s1.ID))
	}
	h.requireStatus(s1.ID, store.StatusActive)
	h.prov.Exit(s1.ID, -1, "")

	requeued := h.requireStatus(s1.ID, store.StatusQueued)
	if requeued.NeedsInput || !requeued.Resume {
		t.Errorf("requeued session = %+v", requeued)
	}
	if requeued.Position <= queued.Position {
		t.Errorf("requeued position %d not after %d", requeued.Position, queued.Position)
	}
	h.requireStatus(s3.ID, store.StatusActive)
	if len(suspends) != 1 || suspends[0] != s1.ID {
		t.Errorf("suspend events = %v", suspends)
	}

	// D: S3 idle before input stays active; S1 stays queued.
	h.prov.Idle(s3.ID)
	h.requireStatus(s3.ID, store.StatusActive)
	h.requireStatus(s1.ID, store.StatusQueued)
	if h.kills(s3.ID) != 0 {
		t.Error("S3 killed without interaction")
	}
	h.checkCapacity()

	// When S3 finishes, S1 resumes in continuation mode.
	h.prov.Exit(s3.ID, 0, "")
	h.requireStatus(s1.ID, store.StatusActive)
	if !h.prov.Handle(s1.ID).Continue {
		t.Error("suspended session restarted without continuation")
	}
	h.checkCapacity()
}

func TestScenarioE_Delete(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("local", 2)})
	s := h.create("")

	_, err := h.m.DeleteSession(h.ctx, s.ID)
	if !errors.IsConflict(err) {
		t.Fatalf("DeleteSession(active) error = %v, want conflict", err)
	}
	h.requireStatus(s.ID, store.StatusActive)

	h.prov.Exit(s.ID, 0, "")
	ok, err := h.m.DeleteSession(h.ctx, s.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteSession(completed) = %v, %v", ok, err)
	}
	if _, err := h.m.GetSession(h.ctx, s.ID); !errors.IsNotFound(err) {
		t.Errorf("GetSession after delete error = %v, want not found", err)
	}
}

func TestOnIdle_SuspendConditions(t *testing.T) {
	tests := []struct {
		name      string
		interact  bool
		locked    bool
		queueWork bool
		wantKill  bool
	}{
		{"no interaction", false, false, true, false},
		{"locked", true, true, true, false},
		{"empty queue", true, false, false, false},
		{"all conditions met", true, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
			s, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: h.dir, Locked: tt.locked})
			if err != nil {
				t.Fatal(err)
			}
			if tt.queueWork {
				h.create("")
			}
			if tt.interact {
				if err := h.m.SendInput(h.ctx, s.ID, "go\n"); err != nil {
					t.Fatal(err)
				}
			}

			h.prov.Idle(s.ID)

			got := h.requireStatus(s.ID, store.StatusActive)
			if !got.NeedsInput {
				t.Error("needsInput not set")
			}
			if killed := h.kills(s.ID) > 0; killed != tt.wantKill {
				t.Errorf("killed = %v, want %v", killed, tt.wantKill)
			}
		})
	}
}

func TestOnIdle_IgnoresQueueThatCannotUseSlot(t *testing.T) {
	full := newWorker("busy", 1)
	h := newHarness(t, 3, []store.Worker{newWorker("local", 1), full})

	s := h.create("local")
	h.create("busy")
	waiting := h.create("busy")
	h.requireStatus(waiting.ID, store.StatusQueued)

	if err := h.m.SendInput(h.ctx, s.ID, "x"); err != nil {
		t.Fatal(err)
	}
	h.prov.Idle(s.ID)

	if h.kills(s.ID) != 0 {
		t.Error("suspended although no queued session could use the slot")
	}
}

func TestRequeueOriginalPolicy_KeepsSessionAheadOfQueue(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)}, withPolicy(queue.Original{}))

	s1 := h.create("")
	s2 := h.create("")
	if err := h.m.SendInput(h.ctx, s1.ID, "x"); err != nil {
		t.Fatal(err)
	}
	h.prov.Idle(s1.ID)

	// S1 would be readmitted before S2, so suspending it gains nothing.
	if n := h.kills(s1.ID); n != 0 {
		t.Errorf("kills = %d, want 0", n)
	}
	got := h.requireStatus(s1.ID, store.StatusActive)
	if !got.NeedsInput {
		t.Error("expected needs input to be set")
	}
	h.requireStatus(s2.ID, store.StatusQueued)
	h.checkCapacity()
}

func TestRequeueOriginalPolicy_SuspendsForOlderWork(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)}, withPolicy(queue.Original{}))

	s1 := h.create("")
	s2 := h.create("")
	// S2 holds an older position than S1, as after its own earlier suspend.
	if _, err := h.st.Requeue(h.ctx, s2.ID, s1.Position-1); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendInput(h.ctx, s1.ID, "x"); err != nil {
		t.Fatal(err)
	}
	h.prov.Idle(s1.ID)
	if n := h.kills(s1.ID); n != 1 {
		t.Fatalf("kills = %d, want 1", n)
	}
	h.prov.Exit(s1.ID, -1, "")

	got := h.requireStatus(s1.ID, store.StatusQueued)
	if got.Position != s1.Position {
		t.Errorf("position = %d, want original %d", got.Position, s1.Position)
	}
	h.requireStatus(s2.ID, store.StatusActive)
	h.checkCapacity()
}

func TestSetLocked_RefusedWhileSuspending(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s1 := h.create("")
	s2 := h.create("")

	if err := h.m.SendInput(h.ctx, s1.ID, "x"); err != nil {
		t.Fatal(err)
	}
	h.prov.Idle(s1.ID)
	if n := h.kills(s1.ID); n != 1 {
		t.Fatalf("kills = %d, want 1", n)
	}

	if _, err := h.m.SetLocked(h.ctx, s1.ID, true); !errors.IsConflict(err) {
		t.Fatalf("SetLocked(true) error = %v, want conflict", err)
	}
	if h.get(s1.ID).Locked {
		t.Error("session locked while its suspend was in flight")
	}
	if _, err := h.m.SetLocked(h.ctx, s1.ID, false); err != nil {
		t.Errorf("SetLocked(false) error = %v", err)
	}

	h.prov.Exit(s1.ID, -1, "")
	h.requireStatus(s1.ID, store.StatusQueued)
	h.requireStatus(s2.ID, store.StatusActive)

	if _, err := h.m.SetLocked(h.ctx, s1.ID, true); err != nil {
		t.Errorf("SetLocked(true) on queued session error = %v", err)
	}
}

func TestExplicitKillOverridesSuspend(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s1 := h.create("")
	h.create("")

	if err := h.m.SendInput(h.ctx, s1.ID, "x"); err != nil {
		t.Fatal(err)
	}
	h.prov.Idle(s1.ID)
	if _, err := h.m.KillSession(h.ctx, s1.ID); err != nil {
		t.Fatal(err)
	}
	h.prov.Exit(s1.ID, 143, "")

	failed := h.requireStatus(s1.ID, store.StatusFailed)
	if failed.ExitCode == nil || *failed.ExitCode != 143 {
		t.Errorf("exit code = %v, want 143", failed.ExitCode)
	}
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})

	var failures int
	h.bus.Subscribe(event.TypeSessionFailed, func(event.Event) { failures++ })

	s1 := h.create("")
	s2 := h.create("")
	s3 := h.create("")

	h.prov.FailStarts(errors.NewSessionError("boom", errors.ErrSpawnFailed))
	h.prov.Exit(s1.ID, 0, "")

	// Both queued sessions fail in turn; neither strands the slot.
	h.requireStatus(s2.ID, store.StatusFailed)
	h.requireStatus(s3.ID, store.StatusFailed)
	if failures != 2 {
		t.Errorf("failed events = %d, want 2", failures)
	}

	s4, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: h.dir})
	if err != nil {
		t.Fatalf("CreateSession() with failing provider error = %v", err)
	}
	if s4.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", s4.Status)
	}

	h.prov.FailStarts(nil)
	s5 := h.create("")
	h.requireStatus(s5.ID, store.StatusActive)
	h.checkCapacity()
}

func TestUnexpectedExitFails(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s := h.create("")

	h.prov.Exit(s.ID, 2, "ignored-token")

	failed := h.requireStatus(s.ID, store.StatusFailed)
	if failed.PID != 0 || failed.ContinuationToken != "" {
		t.Errorf("failed session = %+v", failed)
	}
	if _, err := h.m.ContinueSession(h.ctx, s.ID); !errors.IsConflict(err) {
		t.Errorf("ContinueSession(failed) error = %v, want conflict", err)
	}
}

func TestContinueSession(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s := h.create("")
	h.prov.Exit(s.ID, 0, "tok-9")

	got, err := h.m.ContinueSession(h.ctx, s.ID)
	if err != nil {
		t.Fatalf("ContinueSession() error = %v", err)
	}
	if got.Status != store.StatusActive || got.PID == 0 {
		t.Errorf("continued session = %+v", got)
	}
	if got.ContinuationToken != "" {
		t.Errorf("token not consumed: %q", got.ContinuationToken)
	}
	starts := h.prov.Starts()
	last := starts[len(starts)-1]
	if !last.Continue || last.SessionID != s.ID {
		t.Errorf("start request = %+v, want continuation for %s", last, s.ID)
	}

	if _, err := h.m.ContinueSession(h.ctx, s.ID); !errors.IsConflict(err) {
		t.Errorf("ContinueSession(active) error = %v, want conflict", err)
	}

	// A continued session is subject to the guard again.
	other := h.create("")
	h.prov.Idle(s.ID)
	if h.kills(s.ID) != 0 {
		t.Error("continued session suspended before any input")
	}
	h.requireStatus(other.ID, store.StatusQueued)
}

func TestContinueSession_QueuesWithoutSlot(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s1 := h.create("")
	h.prov.Exit(s1.ID, 0, "")
	s2 := h.create("")

	got, err := h.m.ContinueSession(h.ctx, s1.ID)
	if err != nil {
		t.Fatalf("ContinueSession() error = %v", err)
	}
	if got.Status != store.StatusQueued || !got.Resume {
		t.Fatalf("continued session = %+v, want queued with resume", got)
	}
	h.checkCapacity()

	h.prov.Exit(s2.ID, 0, "")
	h.requireStatus(s1.ID, store.StatusActive)
	if !h.prov.Handle(s1.ID).Continue {
		t.Error("queued continuation started fresh")
	}
}

func TestCreateSession_ConfigurationErrors(t *testing.T) {
	remote := store.Worker{ID: "remote", Type: store.WorkerRemote, MaxSessions: 1, Status: store.WorkerConnected}
	restricted := newWorker("local", 1)
	restricted.AllowedPaths = []string{"/srv/**"}

	tests := []struct {
		name     string
		workers  []store.Worker
		workerID string
		sentinel error
	}{
		{"unknown worker", []store.Worker{newWorker("local", 1)}, "ghost", errors.ErrWorkerNotFound},
		{"no local worker", []store.Worker{remote}, "", errors.ErrNoUsableWorker},
		{"no workers", nil, "", errors.ErrNoUsableWorker},
		{"path not allowed", []store.Worker{restricted}, "", errors.ErrPathNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, tt.workers)
			_, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: h.dir, WorkerID: tt.workerID})
			if !errors.IsConfiguration(err) || !errors.Is(err, tt.sentinel) {
				t.Fatalf("CreateSession() error = %v, want configuration error wrapping %v", err, tt.sentinel)
			}
			all, _ := h.st.ListSessions(h.ctx, "")
			if len(all) != 0 {
				t.Errorf("%d session records created, want 0", len(all))
			}
		})
	}
}

func TestCreateSession_AllowedPathMatch(t *testing.T) {
	h := newHarness(t, 2, nil)
	w := newWorker("local", 1)
	w.AllowedPaths = []string{h.dir[:len(h.dir)-len("repo")] + "*"}
	if err := h.st.UpsertWorker(h.ctx, w); err != nil {
		t.Fatal(err)
	}
	s := h.create("")
	h.requireStatus(s.ID, store.StatusActive)
}

func TestCreateSession_Validation(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("local", 1)})
	_, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: "  "})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("CreateSession(empty dir) error = %v, want ErrInvalidInput", err)
	}
}

func TestCustomResolver(t *testing.T) {
	h := newHarness(t, 4, []store.Worker{newWorker("a", 1), newWorker("b", 1)})
	h.m.SetWorkerResolver(WorkerResolverFunc(func(ctx context.Context, st store.Store, requested string) (*store.Worker, error) {
		return st.GetWorker(ctx, "b")
	}))

	s := h.create("")
	if s.WorkerID != "b" {
		t.Errorf("WorkerID = %s, want b", s.WorkerID)
	}
}

func TestActiveOnlyOperations(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	h.create("")
	queued := h.create("")

	if err := h.m.SendInput(h.ctx, queued.ID, "x"); !errors.IsConflict(err) {
		t.Errorf("SendInput(queued) error = %v, want conflict", err)
	}
	if _, err := h.m.KillSession(h.ctx, queued.ID); !errors.IsConflict(err) {
		t.Errorf("KillSession(queued) error = %v, want conflict", err)
	}
	if err := h.m.Resize(h.ctx, queued.ID, 80, 24); !errors.IsConflict(err) {
		t.Errorf("Resize(queued) error = %v, want conflict", err)
	}
	if err := h.m.SendInput(h.ctx, "missing", "x"); !errors.IsNotFound(err) {
		t.Errorf("SendInput(missing) error = %v, want not found", err)
	}
}

func TestResize(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s := h.create("")

	if err := h.m.Resize(h.ctx, s.ID, 120, 40); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if cols, rows := h.prov.Handle(s.ID).Size(); cols != 120 || rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", cols, rows)
	}
	if err := h.m.Resize(h.ctx, s.ID, 0, 40); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Resize(0) error = %v, want ErrInvalidInput", err)
	}
}

func TestListSessions_StatusFilter(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	h.create("")
	h.create("")

	queued, err := h.m.ListSessions(h.ctx, store.StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Errorf("queued = %d, want 1", len(queued))
	}
	if _, err := h.m.ListSessions(h.ctx, "sleeping"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("ListSessions(bad) error = %v, want ErrInvalidInput", err)
	}
}

func TestKillWatchdogReportsStuckKill(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)}, withKillTimeout(20*time.Millisecond))
	s := h.create("")

	stuck := make(chan event.KillStuckEvent, 1)
	h.bus.Subscribe(event.TypeKillStuck, func(e event.Event) {
		stuck <- e.(event.KillStuckEvent)
	})

	if _, err := h.m.KillSession(h.ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-stuck:
		if e.SessionID != s.ID {
			t.Errorf("stuck event for %s, want %s", e.SessionID, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no kill_stuck event")
	}
	h.requireStatus(s.ID, store.StatusActive)

	// A late exit is still handled normally.
	h.prov.Exit(s.ID, 0, "")
	h.requireStatus(s.ID, store.StatusCompleted)
}

func TestKillWatchdogCancelledByExit(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)}, withKillTimeout(30*time.Millisecond))
	s := h.create("")

	var stuck int
	var mu sync.Mutex
	h.bus.Subscribe(event.TypeKillStuck, func(event.Event) {
		mu.Lock()
		stuck++
		mu.Unlock()
	})

	if _, err := h.m.KillSession(h.ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	h.prov.Exit(s.ID, 0, "")
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if stuck != 0 {
		t.Errorf("kill_stuck fired %d times after a timely exit", stuck)
	}
}

func TestOnExited_IgnoresStalePID(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 1)})
	s := h.create("")

	h.m.OnExited(s.ID, process.ExitInfo{PID: 1, ExitCode: 0})
	h.requireStatus(s.ID, store.StatusActive)

	h.m.OnExited("unknown", process.ExitInfo{PID: 5})
}

func TestCapacityUnderConcurrentExits(t *testing.T) {
	h := newHarness(t, 3, []store.Worker{newWorker("a", 2), newWorker("b", 2)})

	var ids []string
	for i := 0; i < 12; i++ {
		worker := "a"
		if i%2 == 1 {
			worker = "b"
		}
		ids = append(ids, h.create(worker).ID)
	}
	h.checkCapacity()

	for round := 0; round < 20; round++ {
		active, err := h.st.ListSessions(h.ctx, store.StatusActive)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) == 0 {
			break
		}
		var wg sync.WaitGroup
		for _, s := range active {
			wg.Go(func() {
				h.prov.Exit(s.ID, 0, "")
			})
		}
		wg.Wait()
		h.checkCapacity()
	}

	for _, id := range ids {
		h.requireStatus(id, store.StatusCompleted)
	}
}

func TestUpdateMaxConcurrent(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 3)})

	var changes []int
	h.bus.Subscribe(event.TypeSettingsChanged, func(e event.Event) {
		changes = append(changes, e.(event.SettingsChangedEvent).MaxConcurrentSessions)
	})

	h.create("")
	s2 := h.create("")
	h.requireStatus(s2.ID, store.StatusQueued)

	if err := h.m.UpdateMaxConcurrent(h.ctx, 2); err != nil {
		t.Fatalf("UpdateMaxConcurrent() error = %v", err)
	}
	h.requireStatus(s2.ID, store.StatusActive)
	if err := h.m.UpdateMaxConcurrent(h.ctx, 2); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(changes) != "[2]" {
		t.Errorf("settings events = %v, want [2]", changes)
	}
	h.checkCapacity()
}

func TestUpdateMaxConcurrent_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, 1, []store.Worker{newWorker("local", 5)})

	h.create("")
	s2 := h.create("")
	s3 := h.create("")

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	if err := h.m.UpdateMaxConcurrent(ctx, 3); err != nil {
		t.Fatalf("UpdateMaxConcurrent() error = %v", err)
	}
	for _, id := range []string{s2.ID, s3.ID} {
		got := h.requireStatus(id, store.StatusActive)
		if got.PID == 0 {
			t.Errorf("session %s has no pid", id)
		}
	}
	h.checkCapacity()
}

func TestStartRecoversOrphanedSessions(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("local", 2)})

	orphan, err := h.st.CreateSession(h.ctx, store.NewSession{
		WorkerID: "local", Status: store.StatusActive, WorkingDirectory: h.dir, PID: 4242,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.m.Start(h.ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	code := -1
	h.prov.KillExitCode = &code
	t.Cleanup(func() { _ = h.m.Close(context.Background()) })

	got := h.requireStatus(orphan.ID, store.StatusActive)
	if got.PID == 4242 {
		t.Error("orphaned session kept its dead pid")
	}
	if !h.prov.Handle(orphan.ID).Continue {
		t.Error("orphaned session not resumed in continuation mode")
	}
}

func TestCloseRequeuesRunningSessions(t *testing.T) {
	h := newHarness(t, 2, []store.Worker{newWorker("local", 2)})
	code := -1
	h.prov.KillExitCode = &code

	s1 := h.create("")
	s2 := h.create("")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, id := range []string{s1.ID, s2.ID} {
		got := h.requireStatus(id, store.StatusQueued)
		if !got.Resume {
			t.Errorf("session %s not marked for resume", id)
		}
	}
	if _, err := h.m.CreateSession(h.ctx, CreateInput{WorkingDirectory: h.dir}); err == nil {
		t.Error("CreateSession() after Close succeeded")
	}
	if err := h.m.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
