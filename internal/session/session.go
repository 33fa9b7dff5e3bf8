// Package session implements the unit of identity of the engine: one
// subprocess, its buffered scroll-back, and an explicit lifecycle state
// machine, plus the registry tracking all sessions across projects.
package session

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sessmux/sessmux/internal/framer"
	"github.com/sessmux/sessmux/internal/logbatch"
	"github.com/sessmux/sessmux/internal/process"
)

// Kind selects the subprocess flavor and framing semantics of a session.
type Kind string

const (
	// KindSystemShell streams raw bytes both ways through a PTY; no
	// turn correlation.
	KindSystemShell Kind = "system-shell"
	// KindAICLI runs the AI CLI over pipes with turn correlation
	// through the response framer.
	KindAICLI Kind = "ai-cli"
)

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSystemShell, KindAICLI:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// teardown reason codes, logged and recorded with every close.
const (
	ReasonClientClose    = "client_close"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonMemoryPressure = "memory_pressure"
	ReasonProcessExit    = "process_exit"
	ReasonShutdown       = "shutdown"
)

// Session owns exactly one process adapter for its whole life. All state
// mutations are serialized by mu; the forwarding path (scrollback +
// bound connection) is serialized by fwdMu so that a reconnect replay
// can never interleave with live output.
type Session struct {
	ID        string
	ProjectID string
	Kind      Kind
	CreatedAt time.Time

	adapter    *process.Adapter
	framer     *framer.Framer // nil for system-shell
	scrollback *Scrollback
	rec        logbatch.Recorder
	grace      time.Duration

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	cwd          string
	user         string
	closeReason  string

	fwdMu sync.Mutex
	out   io.Writer // bound connection; nil while detached

	done     chan struct{} // closed when the subprocess is reaped
	exitOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last input, bind or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch bumps the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// CWD returns the last known working directory (informational only).
func (s *Session) CWD() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetUser records which user drives the session; stamped onto every
// subsequent log entry.
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	s.user = userID
	s.mu.Unlock()
}

func (s *Session) userID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// CloseReason returns the recorded teardown reason code, if any.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed once the subprocess has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// transition moves the state machine, rejecting illegal moves. Callers
// hold s.mu.
func (s *Session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return &InvalidTransitionError{From: s.state, To: to}
	}
	s.state = to
	s.lastActivity = time.Now()
	return nil
}

// Attach binds w as the session's single output destination. The
// scroll-back snapshot is written to w before the live stream resumes;
// holding fwdMu across both guarantees replay-before-live ordering.
// The caller (the connection multiplexer) is responsible for evicting
// any previously bound connection first.
func (s *Session) Attach(w io.Writer) error {
	s.mu.Lock()
	if !s.state.Attachable() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotAttachable, st)
	}
	s.mu.Unlock()

	// Bind only after the replay succeeds; a failed replay leaves the
	// session in its prior state so it still suspends and sweeps.
	s.fwdMu.Lock()
	if snap := s.scrollback.Snapshot(); len(snap) > 0 {
		if _, err := w.Write(snap); err != nil {
			s.fwdMu.Unlock()
			return fmt.Errorf("replay scrollback: %w", err)
		}
	}
	s.out = w
	s.fwdMu.Unlock()

	s.mu.Lock()
	if s.state.Attachable() && s.state != StateActive {
		_ = s.transition(StateActive)
	} else {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
	return nil
}

// Detach unbinds the current connection. The session keeps running and
// buffering output in suspended state until reattach or governor
// eviction.
func (s *Session) Detach() {
	s.fwdMu.Lock()
	s.out = nil
	s.fwdMu.Unlock()

	s.mu.Lock()
	if s.state == StateActive {
		// active → suspended is always legal.
		_ = s.transition(StateSuspended)
	}
	s.mu.Unlock()
}

// Write forwards raw input bytes to the subprocess (system-shell
// passthrough). Input on a non-attachable session is rejected.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	if !s.state.Attachable() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotAttachable, st)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.rec.Enqueue(logbatch.Entry{
		SessionID: s.ID,
		UserID:    s.userID(),
		Type:      logbatch.TypeCommand,
		Content:   string(p),
		Timestamp: time.Now(),
	})
	if err := s.adapter.Write(p); err != nil {
		s.recordError("write: " + err.Error())
		return err
	}
	return nil
}

// Submit queues one correlated turn. Only ai-cli sessions support it;
// the result arrives asynchronously on the returned channel.
func (s *Session) Submit(line string) (<-chan framer.Result, error) {
	if s.framer == nil {
		return nil, fmt.Errorf("%w: %s", ErrWrongKind, s.Kind)
	}
	s.mu.Lock()
	if !s.state.Attachable() {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotAttachable, st)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.rec.Enqueue(logbatch.Entry{
		SessionID: s.ID,
		UserID:    s.userID(),
		Type:      logbatch.TypeCommand,
		Content:   line,
		Timestamp: time.Now(),
	})

	// Tee the turn result so timeouts and cancellations land in the
	// persisted history whether or not a connection is attached.
	in := s.framer.Submit(line)
	out := make(chan framer.Result, 1)
	go func() {
		res, ok := <-in
		if !ok {
			close(out)
			return
		}
		if res.Err != nil {
			s.recordError("turn: " + res.Err.Error())
		}
		out <- res
	}()
	return out, nil
}

// recordError persists one error-class log entry for this session.
func (s *Session) recordError(detail string) {
	s.rec.Enqueue(logbatch.Entry{
		SessionID: s.ID,
		UserID:    s.userID(),
		Type:      logbatch.TypeError,
		Content:   detail,
		Timestamp: time.Now(),
	})
}

// Resize forwards a terminal resize to the subprocess PTY.
func (s *Session) Resize(cols, rows uint16) error {
	return s.adapter.Resize(cols, rows)
}

// BeginClose starts graceful teardown: pending turns get Cancelled, the
// subprocess is interrupted and force-killed after the grace window.
// Idempotent; every eviction path funnels through here.
func (s *Session) BeginClose(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if err := s.transition(StateClosing); err != nil {
		s.mu.Unlock()
		return
	}
	s.closeReason = reason
	s.mu.Unlock()

	log.Printf("[session] %s closing (reason: %s)", s.ID, reason)
	s.rec.Enqueue(logbatch.Entry{
		SessionID: s.ID,
		Type:      logbatch.TypeSystem,
		Content:   "closing: " + reason,
		Timestamp: time.Now(),
	})

	if s.framer != nil {
		s.framer.Close()
	}
	s.adapter.Close(s.grace)
}

// relay is the session's single forwarding goroutine. Each adapter
// chunk goes to the scroll-back, then the bound connection, then the
// framer. Running it single-threaded is what guarantees delivery order
// matches production order.
func (s *Session) relay() {
	for chunk := range s.adapter.Output() {
		s.fwdMu.Lock()
		s.scrollback.Write(chunk)
		if s.out != nil {
			if _, err := s.out.Write(chunk); err != nil {
				// Connection went away mid-write; drop the binding and
				// keep buffering. The read side will Detach properly.
				s.out = nil
			}
		}
		s.fwdMu.Unlock()

		s.updateCWD(chunk)

		if s.framer != nil {
			s.framer.Feed(chunk)
		}
		s.rec.Enqueue(logbatch.Entry{
			SessionID: s.ID,
			UserID:    s.userID(),
			Type:      logbatch.TypeOutput,
			Content:   string(chunk),
			Timestamp: time.Now(),
		})
	}
	s.handleExit()
}

// updateCWD scans an output chunk for an OSC 7 working directory report
// (ESC ] 7 ; file://host/path, terminated by BEL or ST) and records the
// path. Best effort only; sequences split across chunks are missed.
func (s *Session) updateCWD(chunk []byte) {
	const prefix = "\x1b]7;file://"
	i := bytes.LastIndex(chunk, []byte(prefix))
	if i < 0 {
		return
	}
	rest := chunk[i+len(prefix):]
	end := bytes.IndexAny(rest, "\x07\x1b")
	if end < 0 {
		return
	}
	uri := rest[:end]
	slash := bytes.IndexByte(uri, '/')
	if slash < 0 {
		return
	}
	path := string(uri[slash:])

	s.mu.Lock()
	s.cwd = path
	s.mu.Unlock()
}

// handleExit runs once after the subprocess exits, expectedly or not.
func (s *Session) handleExit() {
	s.exitOnce.Do(func() {
		code := s.adapter.ExitCode()

		s.mu.Lock()
		unexpected := s.state != StateClosing
		if unexpected {
			s.closeReason = ReasonProcessExit
			// Whatever live state we were in, the process is gone.
			_ = s.transition(StateClosing)
		}
		_ = s.transition(StateClosed)
		s.mu.Unlock()

		if unexpected {
			log.Printf("[session] %s subprocess exited unexpectedly (code %d)", s.ID, code)
		} else {
			log.Printf("[session] %s closed (code %d)", s.ID, code)
		}

		if s.framer != nil {
			s.framer.Close()
		}
		s.rec.Enqueue(logbatch.Entry{
			SessionID: s.ID,
			Type:      logbatch.TypeSystem,
			Content:   fmt.Sprintf("exited with code %d", code),
			Timestamp: time.Now(),
		})
		close(s.done)
	})
}

// Info is a point-in-time snapshot for listings and diagnostics.
type Info struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	CWD          string    `json:"cwd,omitempty"`
}

// Snapshot returns the session's current Info.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		Kind:         s.Kind,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		CWD:          s.cwd,
	}
}
