package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessmux/sessmux/internal/framer"
	"github.com/sessmux/sessmux/internal/logbatch"
	"github.com/sessmux/sessmux/internal/logutil"
	"github.com/sessmux/sessmux/internal/process"
	"github.com/sessmux/sessmux/internal/project"
)

// CreateGate decides whether a new session may be created given the
// current live-session counts. The resource governor implements it.
type CreateGate interface {
	AdmitCreate(projectID string, global, inProject int) error
}

// Admission throttles creation before any resources are committed and
// tracks spawn outcomes for its circuit breaker. The admission limiter
// implements it.
type Admission interface {
	Admit(projectID string) error
	OnSpawnResult(err error)
}

// RegistryConfig wires the registry's collaborators. Spawn and Detector
// are injected so the registry never depends on command-line layout or
// framing policy.
type RegistryConfig struct {
	// ScrollbackBytes caps each session's replay buffer.
	ScrollbackBytes int
	// GracePeriod is how long a closing subprocess gets between
	// interrupt and kill.
	GracePeriod time.Duration
	// TurnMaxWait bounds a single correlated turn on ai-cli sessions.
	TurnMaxWait time.Duration
	// Spawn starts the subprocess for a session of the given kind.
	Spawn func(kind Kind) (*process.Adapter, error)
	// Detector supplies the turn-completion strategy per kind. Only
	// consulted for kinds that frame turns.
	Detector func(kind Kind) framer.Detector
	// Recorder receives every loggable event. Defaults to a no-op.
	Recorder logbatch.Recorder
	// Projects validates project IDs on create. Optional.
	Projects project.Directory
	// Gate enforces session-count caps on create. Optional.
	Gate CreateGate
	// Admission rate-limits creation and watches spawn outcomes.
	// Optional.
	Admission Admission
	// OnRemove is called after a terminal session leaves the registry.
	// Optional; used to release per-session bookkeeping downstream.
	OnRemove func(sessionID string)
}

// Registry tracks every session across all projects. It is the single
// authority on which sessions exist and enforces at most one subprocess
// per session ID for the session's whole life.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Recorder == nil {
		cfg.Recorder = logbatch.NopRecorder{}
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a new session of the given kind in the given project.
// The subprocess is started outside the registry lock; the session is
// visible (in initializing state) while its process starts, so cap
// accounting can never be raced past.
func (r *Registry) Create(ctx context.Context, projectID string, kind Kind) (*Session, error) {
	if r.cfg.Admission != nil {
		if err := r.cfg.Admission.Admit(projectID); err != nil {
			return nil, err
		}
	}
	if r.cfg.Projects != nil {
		ok, err := r.cfg.Projects.Exists(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("look up project %q: %w", projectID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrProjectNotFound, projectID)
		}
	}

	s := &Session{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Kind:         kind,
		CreatedAt:    time.Now(),
		scrollback:   NewScrollback(r.cfg.ScrollbackBytes),
		rec:          r.cfg.Recorder,
		grace:        r.cfg.GracePeriod,
		state:        StateInitializing,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	global, inProject := r.countLiveLocked(projectID)
	if r.cfg.Gate != nil {
		if err := r.cfg.Gate.AdmitCreate(projectID, global, inProject); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	adapter, err := r.cfg.Spawn(kind)
	if r.cfg.Admission != nil {
		r.cfg.Admission.OnSpawnResult(err)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateErrored
		s.mu.Unlock()
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		return nil, err
	}
	s.adapter = adapter

	if kind == KindAICLI && r.cfg.Detector != nil {
		det := r.cfg.Detector(kind)
		s.framer = framer.New(func(p []byte) error {
			return adapter.Write(p)
		}, det, r.cfg.TurnMaxWait)
	}

	go s.relay()
	go r.reap(s)

	s.mu.Lock()
	if err := s.transition(StateReady); err != nil {
		// The subprocess died between spawn and here; relay will
		// finish the teardown.
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.mu.Unlock()

	log.Printf("[registry] created %s session %s in project %s", kind, s.ID, projectID)
	return s, nil
}

// CreateOrAttach returns the existing session when sessionID names an
// attachable one in this project, and otherwise allocates a fresh
// session: a reconnecting client whose session was evicted gets a new
// one rather than an error. A kind mismatch on a live session is the
// one hard failure, since the client is contradicting itself. The bool
// reports whether an existing session was reused.
func (r *Registry) CreateOrAttach(ctx context.Context, projectID string, kind Kind, sessionID string) (*Session, bool, error) {
	if sessionID != "" {
		s, err := r.Get(sessionID)
		if err == nil && s.ProjectID == projectID && s.State().Attachable() {
			if s.Kind != kind {
				return nil, false, fmt.Errorf("%w: session %s is %s", ErrWrongKind, sessionID, s.Kind)
			}
			return s, true, nil
		}
		log.Printf("[registry] session %q not reusable, allocating a fresh one", logutil.Sanitize(sessionID))
	}

	s, err := r.Create(ctx, projectID, kind)
	return s, false, err
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns snapshots of all sessions in a project, or of every
// session when projectID is empty.
func (r *Registry) List(projectID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Sessions returns all tracked sessions. Order is not guaranteed;
// callers sort as needed.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Counts reports live (non-terminal, non-closing) session counts
// globally and within projectID.
func (r *Registry) Counts(projectID string) (global, inProject int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLiveLocked(projectID)
}

func (r *Registry) countLiveLocked(projectID string) (global, inProject int) {
	for _, s := range r.sessions {
		st := s.State()
		if !st.live() || st == StateClosing {
			continue
		}
		global++
		if s.ProjectID == projectID {
			inProject++
		}
	}
	return global, inProject
}

// Close begins graceful teardown of one session. Idempotent; the
// session leaves the registry once its subprocess is reaped.
func (r *Registry) Close(sessionID, reason string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.BeginClose(reason)
	return nil
}

// CloseAll tears down every session and waits for their subprocesses
// to be reaped. Used during engine shutdown.
func (r *Registry) CloseAll(reason string) {
	sessions := r.Sessions()
	for _, s := range sessions {
		s.BeginClose(reason)
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

// reap removes the session from the registry after its subprocess has
// been reaped, keeping listings free of terminal sessions.
func (r *Registry) reap(s *Session) {
	<-s.Done()

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	if r.cfg.OnRemove != nil {
		r.cfg.OnRemove(s.ID)
	}
	log.Printf("[registry] removed session %s (reason: %s)", s.ID, s.CloseReason())
}
