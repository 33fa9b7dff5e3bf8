// Package mux binds client connections to sessions. It enforces the
// single-binding rule: at most one connection receives a session's
// output at a time, and a newer connection supersedes an older one
// rather than erroring, so flaky clients can always reconnect.
package mux

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sessmux/sessmux/internal/session"
)

// Conn is one client connection, whatever its transport. SendOutput
// carries raw session bytes; SendControl carries JSON-encoded control
// notices. Close takes a reason the transport maps to its own close
// semantics.
type Conn interface {
	ID() string
	SendOutput(p []byte) error
	SendControl(v any) error
	Close(reason string) error
}

// ReasonSuperseded is the close reason given to a connection evicted by
// a newer attach to the same session.
const ReasonSuperseded = "superseded"

// Notice is the control message sent to a connection before it is
// closed by the multiplexer.
type Notice struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ActiveGate limits how many sessions per project may be active at
// once. The governor implements it.
type ActiveGate interface {
	AdmitActive(projectID string, activeInProject int) error
}

// Binding records one live connection-to-session attachment.
type Binding struct {
	ConnectionID string
	SessionID    string
	BoundAt      time.Time
}

// connWriter adapts a Conn to the io.Writer the session relay expects.
type connWriter struct{ c Conn }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.SendOutput(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Multiplexer owns all bindings. All binding mutations and session
// attaches are serialized by mu so an eviction and the replacing attach
// are one atomic step.
type Multiplexer struct {
	registry *session.Registry
	gate     ActiveGate // optional

	mu       sync.Mutex
	bindings map[string]*boundConn // session ID -> binding
}

type boundConn struct {
	Binding
	conn Conn
}

// New creates a Multiplexer over the given registry. gate may be nil
// to disable the active-session cap.
func New(registry *session.Registry, gate ActiveGate) *Multiplexer {
	return &Multiplexer{
		registry: registry,
		gate:     gate,
		bindings: make(map[string]*boundConn),
	}
}

// Attach binds conn to s, evicting any previous binding first. The
// evicted connection gets a superseded notice and is closed; eviction
// is not an error to the new connection. The session's scrollback is
// replayed to conn before any live output.
func (m *Multiplexer) Attach(s *session.Session, conn Conn) error {
	if m.gate != nil {
		active := 0
		for _, info := range m.registry.List(s.ProjectID) {
			if info.State == session.StateActive && info.ID != s.ID {
				active++
			}
		}
		if err := m.gate.AdmitActive(s.ProjectID, active); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.bindings[s.ID]; ok && prev.conn.ID() != conn.ID() {
		log.Printf("[mux] session %s: connection %s superseded by %s",
			s.ID, prev.ConnectionID, conn.ID())
		// Best effort; the old connection may already be gone.
		_ = prev.conn.SendControl(Notice{Type: ReasonSuperseded, SessionID: s.ID})
		_ = prev.conn.Close(ReasonSuperseded)
		delete(m.bindings, s.ID)
	}

	if err := s.Attach(connWriter{conn}); err != nil {
		return fmt.Errorf("attach connection %s: %w", conn.ID(), err)
	}
	m.bindings[s.ID] = &boundConn{
		Binding: Binding{
			ConnectionID: conn.ID(),
			SessionID:    s.ID,
			BoundAt:      time.Now(),
		},
		conn: conn,
	}
	return nil
}

// Detach unbinds connID from sessionID, suspending the session. A
// stale detach (the connection was already superseded) is a no-op, so
// a superseded connection's cleanup can never detach its replacement.
func (m *Multiplexer) Detach(sessionID, connID string) {
	m.mu.Lock()
	bound, ok := m.bindings[sessionID]
	if !ok || bound.ConnectionID != connID {
		m.mu.Unlock()
		return
	}
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if s, err := m.registry.Get(sessionID); err == nil {
		s.Detach()
	}
	log.Printf("[mux] session %s: connection %s detached", sessionID, connID)
}

// Drop removes a session's binding without suspending it. Called when
// the session itself is going away.
func (m *Multiplexer) Drop(sessionID string) {
	m.mu.Lock()
	bound, ok := m.bindings[sessionID]
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if ok {
		_ = bound.conn.Close(session.ReasonClientClose)
	}
}

// Bound returns the current binding for a session, if any.
func (m *Multiplexer) Bound(sessionID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[sessionID]; ok {
		return b.Binding, true
	}
	return Binding{}, false
}
