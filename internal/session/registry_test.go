package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessmux/sessmux/internal/process"
	"github.com/sessmux/sessmux/internal/project"
)

// collectWriter is a concurrency-safe sink standing in for a bound
// connection.
type collectWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *collectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *collectWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func spawnCat(Kind) (*process.Adapter, error) {
	return process.Spawn(process.Config{Command: []string{"/bin/cat"}})
}

func testRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.Spawn == nil {
		cfg.Spawn = spawnCat
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	r := NewRegistry(cfg)
	t.Cleanup(func() { r.CloseAll(ReasonShutdown) })
	return r
}

func TestRegistry_CreateLifecycle(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("expected ready after create, got %s", s.State())
	}

	w := &collectWriter{}
	if err := s.Attach(w); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("expected active after attach, got %s", s.State())
	}

	if err := s.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(w.String(), "hello")
	}, "echoed output")

	s.Detach()
	if s.State() != StateSuspended {
		t.Errorf("expected suspended after detach, got %s", s.State())
	}

	if err := r.Close(s.ID, ReasonClientClose); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached closed")
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %s", s.State())
	}
	if s.CloseReason() != ReasonClientClose {
		t.Errorf("expected reason %q, got %q", ReasonClientClose, s.CloseReason())
	}

	// The reaper removes terminal sessions from the registry.
	waitFor(t, 2*time.Second, func() bool {
		_, err := r.Get(s.ID)
		return errors.Is(err, ErrSessionNotFound)
	}, "registry removal")
}

func TestRegistry_ReattachReplaysBufferedOutput(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w1 := &collectWriter{}
	if err := s.Attach(w1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Write([]byte("before\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(w1.String(), "before")
	}, "first output")

	s.Detach()

	// Output produced while detached lands only in the scrollback.
	if err := s.Write([]byte("away\n")); err != nil {
		t.Fatalf("Write while suspended: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(string(s.scrollback.Snapshot()), "away")
	}, "buffered output")
	if strings.Contains(w1.String(), "away") {
		t.Error("detached connection must not receive output")
	}

	// Reattach replays the scrollback before any live bytes.
	w2 := &collectWriter{}
	if err := s.Attach(w2); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if err := s.Write([]byte("back\n")); err != nil {
		t.Fatalf("Write after reattach: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(w2.String(), "back")
	}, "post-reattach output")

	got := w2.String()
	bIdx := strings.Index(got, "before")
	aIdx := strings.Index(got, "away")
	kIdx := strings.Index(got, "back")
	if bIdx == -1 || aIdx == -1 || kIdx == -1 {
		t.Fatalf("reattach output missing history: %q", got)
	}
	if !(bIdx < aIdx && aIdx < kIdx) {
		t.Errorf("replay must precede live output in order: %q", got)
	}
}

func TestRegistry_ProcessExitMarksSession(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		Spawn: func(Kind) (*process.Adapter, error) {
			return process.Spawn(process.Config{Command: []string{"/bin/sh", "-c", "exit 0"}})
		},
	})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exited subprocess never reaped")
	}
	if s.CloseReason() != ReasonProcessExit {
		t.Errorf("expected reason %q, got %q", ReasonProcessExit, s.CloseReason())
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := r.Get(s.ID)
		return errors.Is(err, ErrSessionNotFound)
	}, "registry removal")
}

func TestRegistry_SpawnFailureLeavesNoSession(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		Spawn: func(Kind) (*process.Adapter, error) {
			return process.Spawn(process.Config{Command: []string{"/no/such/binary"}})
		},
	})

	_, err := r.Create(context.Background(), "proj", KindSystemShell)
	var se *process.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if global, _ := r.Counts("proj"); global != 0 {
		t.Errorf("failed create must not leave a session behind, count %d", global)
	}
}

func TestRegistry_UnknownProjectRejected(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		Projects: project.StaticDirectory{"known": true},
	})

	_, err := r.Create(context.Background(), "unknown", KindSystemShell)
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := r.Create(context.Background(), "known", KindSystemShell); err != nil {
		t.Fatalf("known project should create: %v", err)
	}
}

type capGate struct{ max int }

var errCap = errors.New("session cap exceeded")

func (g capGate) AdmitCreate(_ string, global, _ int) error {
	if global >= g.max {
		return errCap
	}
	return nil
}

func TestRegistry_GateBlocksCreate(t *testing.T) {
	r := testRegistry(t, RegistryConfig{Gate: capGate{max: 1}})

	if _, err := r.Create(context.Background(), "proj", KindSystemShell); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.Create(context.Background(), "proj", KindSystemShell)
	if !errors.Is(err, errCap) {
		t.Fatalf("expected gate error, got %v", err)
	}
}

func TestRegistry_CreateOrAttachReusesAttachable(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s, _, err := r.CreateOrAttach(context.Background(), "proj", KindSystemShell, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, reused, err := r.CreateOrAttach(context.Background(), "proj", KindSystemShell, s.ID)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if !reused || got.ID != s.ID {
		t.Errorf("expected existing session back, reused=%v id=%s", reused, got.ID)
	}

	// Another project supplying the same id must not reach the session;
	// it gets a fresh one of its own instead.
	other, reused, err := r.CreateOrAttach(context.Background(), "other", KindSystemShell, s.ID)
	if err != nil {
		t.Fatalf("cross-project: %v", err)
	}
	if reused || other.ID == s.ID || other.ProjectID != "other" {
		t.Errorf("cross-project id must allocate fresh, reused=%v id=%s project=%s",
			reused, other.ID, other.ProjectID)
	}

	// A kind mismatch on a live session is a client contradiction.
	if _, _, err := r.CreateOrAttach(context.Background(), "proj", KindAICLI, s.ID); !errors.Is(err, ErrWrongKind) {
		t.Errorf("kind mismatch should fail, got %v", err)
	}
}

func TestRegistry_CreateOrAttachAllocatesWhenGone(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	// An unknown id allocates a fresh session rather than erroring.
	s, reused, err := r.CreateOrAttach(context.Background(), "proj", KindSystemShell, "evicted-long-ago")
	if err != nil {
		t.Fatalf("unknown id: %v", err)
	}
	if reused {
		t.Error("unknown id must not report reuse")
	}

	// Same once the named session has been torn down.
	s.BeginClose(ReasonIdleTimeout)
	<-s.Done()
	s2, reused, err := r.CreateOrAttach(context.Background(), "proj", KindSystemShell, s.ID)
	if err != nil {
		t.Fatalf("post-eviction reconnect: %v", err)
	}
	if reused || s2.ID == s.ID {
		t.Errorf("reconnect to a closed session must allocate fresh, reused=%v id=%s", reused, s2.ID)
	}
}

func TestRegistry_ConcurrentCreateOrAttachSingleAdapter(t *testing.T) {
	var spawns int32
	r := testRegistry(t, RegistryConfig{
		Spawn: func(Kind) (*process.Adapter, error) {
			atomic.AddInt32(&spawns, 1)
			return spawnCat("")
		},
	})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 8
	got := make([]*Session, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			sess, reused, err := r.CreateOrAttach(context.Background(), "proj", KindSystemShell, s.ID)
			if err != nil || !reused {
				t.Errorf("caller %d: reused=%v err=%v", i, reused, err)
				return
			}
			got[i] = sess
		}()
	}
	wg.Wait()

	for i, sess := range got {
		if sess != s {
			t.Errorf("caller %d bound a different session", i)
		}
	}
	if n := atomic.LoadInt32(&spawns); n != 1 {
		t.Errorf("%d subprocesses spawned for one session id, want 1", n)
	}
}

func TestSession_SubmitRequiresAICLIKind(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Submit("hello"); !errors.Is(err, ErrWrongKind) {
		t.Errorf("expected ErrWrongKind, got %v", err)
	}
}

func TestSession_WriteAfterCloseRejected(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s, err := r.Create(context.Background(), "proj", KindSystemShell)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.BeginClose(ReasonClientClose)
	<-s.Done()

	if err := s.Write([]byte("too late\n")); !errors.Is(err, ErrNotAttachable) {
		t.Errorf("expected ErrNotAttachable, got %v", err)
	}
	w := &collectWriter{}
	if err := s.Attach(w); !errors.Is(err, ErrNotAttachable) {
		t.Errorf("attach after close should fail, got %v", err)
	}
}

func TestRegistry_ListFiltersByProject(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	for _, p := range []string{"a", "a", "b"} {
		if _, err := r.Create(context.Background(), p, KindSystemShell); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if got := len(r.List("a")); got != 2 {
		t.Errorf("expected 2 sessions in project a, got %d", got)
	}
	if got := len(r.List("b")); got != 1 {
		t.Errorf("expected 1 session in project b, got %d", got)
	}
	if got := len(r.List("")); got != 3 {
		t.Errorf("expected 3 sessions total, got %d", got)
	}

	global, inA := r.Counts("a")
	if global != 3 || inA != 2 {
		t.Errorf("Counts = (%d, %d), want (3, 2)", global, inA)
	}
}
