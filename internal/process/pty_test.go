package process

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// recordingSink collects provider callbacks for assertions.
type recordingSink struct {
	mu     sync.Mutex
	output strings.Builder
	idle   int
	inputs int
	exits  []ExitInfo
	exited chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{exited: make(chan struct{}, 1)}
}

func (s *recordingSink) OnOutput(_ string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(data)
}

func (s *recordingSink) OnIdle(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle++
}

func (s *recordingSink) OnInputDelivered(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs++
}

func (s *recordingSink) OnExited(_ string, exit ExitInfo) {
	s.mu.Lock()
	s.exits = append(s.exits, exit)
	s.mu.Unlock()
	s.exited <- struct{}{}
}

func (s *recordingSink) waitExit(t *testing.T) ExitInfo {
	t.Helper()
	select {
	case <-s.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits[len(s.exits)-1]
}

func (s *recordingSink) snapshot() (string, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String(), s.idle, s.inputs
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellProvider(script string, idle time.Duration) *PTYProvider {
	return NewPTYProvider(PTYConfig{
		Command:     "sh",
		Args:        []string{"-c", script, "agent"},
		IdleTimeout: idle,
		KillGrace:   500 * time.Millisecond,
	}, nil)
}

func TestPTYProvider_CompletedRunReportsToken(t *testing.T) {
	requireShell(t)
	p := shellProvider(`echo working; echo "session id: tok-77"; exit 0`, time.Minute)
	sink := newRecordingSink()

	h, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: t.TempDir()}, sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.PID() <= 0 {
		t.Errorf("PID() = %d, want > 0", h.PID())
	}

	exit := sink.waitExit(t)
	if exit.ExitCode != 0 || exit.ContinuationToken != "tok-77" || exit.PID != h.PID() {
		t.Errorf("exit = %+v", exit)
	}

	out, ok := p.Scrollback("s1")
	if !ok || !strings.Contains(string(out), "working") {
		t.Errorf("Scrollback() = %q, %v", out, ok)
	}
	p.Forget("s1")
	if _, ok := p.Scrollback("s1"); ok {
		t.Error("Scrollback() after Forget still present")
	}
}

func TestPTYProvider_NonZeroExitDropsToken(t *testing.T) {
	requireShell(t)
	p := shellProvider(`echo "session id: tok"; exit 3`, time.Minute)
	sink := newRecordingSink()

	if _, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: t.TempDir()}, sink); err != nil {
		t.Fatal(err)
	}
	exit := sink.waitExit(t)
	if exit.ExitCode != 3 || exit.ContinuationToken != "" {
		t.Errorf("exit = %+v, want code 3 and no token", exit)
	}
}

func TestPTYProvider_ContinueAppendsFlag(t *testing.T) {
	requireShell(t)
	p := shellProvider(`echo "args:[$*]"`, time.Minute)
	sink := newRecordingSink()

	if _, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: t.TempDir(), Continue: true}, sink); err != nil {
		t.Fatal(err)
	}
	sink.waitExit(t)

	out, _, _ := sink.snapshot()
	if !strings.Contains(out, "args:[--continue]") {
		t.Errorf("output = %q, want continue flag passed", out)
	}
}

func TestPTYProvider_IdleFiresOnce(t *testing.T) {
	requireShell(t)
	p := shellProvider(`echo ready; sleep 30`, 50*time.Millisecond)
	sink := newRecordingSink()

	h, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: t.TempDir()}, sink)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, idle, _ := sink.snapshot()
		if idle > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if _, idle, _ := sink.snapshot(); idle != 1 {
		t.Errorf("idle fired %d times without new output, want 1", idle)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	exit := sink.waitExit(t)
	if exit.ExitCode == 0 {
		t.Errorf("killed process exit code = 0, want non-zero")
	}
}

func TestPTYProvider_WriteDeliversInput(t *testing.T) {
	requireShell(t)
	p := shellProvider(`read line; echo "got:$line"`, time.Minute)
	sink := newRecordingSink()

	h, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: t.TempDir()}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Resize(120, 40); err != nil {
		t.Errorf("Resize() error = %v", err)
	}
	if err := h.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	exit := sink.waitExit(t)
	if exit.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", exit.ExitCode)
	}
	out, _, inputs := sink.snapshot()
	if !strings.Contains(out, "got:ping") {
		t.Errorf("output = %q, want echoed input", out)
	}
	if inputs != 1 {
		t.Errorf("input delivered %d times, want 1", inputs)
	}
	if err := h.Write([]byte("late\n")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write() after exit error = %v, want ErrNotRunning", err)
	}
	if err := h.Kill(); err != nil {
		t.Errorf("Kill() after exit error = %v, want nil", err)
	}
}

func TestPTYProvider_SpawnFailures(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PTYConfig
		workDir func(t *testing.T) string
	}{
		{"no command", PTYConfig{}, func(t *testing.T) string { return t.TempDir() }},
		{"missing binary", PTYConfig{Command: "agentide-does-not-exist"}, func(t *testing.T) string { return t.TempDir() }},
		{"missing work dir", PTYConfig{Command: "sh"}, func(t *testing.T) string { return "/nonexistent/agentide" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPTYProvider(tt.cfg, nil)
			_, err := p.Start(context.Background(), StartRequest{SessionID: "s1", WorkDir: tt.workDir(t)}, newRecordingSink())
			if !errors.Is(err, errors.ErrSpawnFailed) {
				t.Errorf("Start() error = %v, want ErrSpawnFailed", err)
			}
		})
	}
}

func TestPTYConfig_Defaults(t *testing.T) {
	cfg := PTYConfig{}.withDefaults()
	if cfg.ContinueFlag != DefaultContinueFlag || cfg.IdleTimeout != DefaultIdleTimeout || cfg.KillGrace != DefaultKillGrace {
		t.Errorf("withDefaults() = %+v", cfg)
	}
}
