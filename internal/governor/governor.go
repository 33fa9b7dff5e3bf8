// Package governor enforces the engine's resource policy: hard caps on
// how many sessions may exist, automatic reclamation of idle suspended
// sessions, and emergency eviction under memory pressure. Every
// eviction goes through the session registry's close path so there is
// exactly one teardown flow.
package governor

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sessmux/sessmux/internal/session"
)

// Defaults, overridable through Config.
const (
	DefaultMaxSessionsGlobal     = 200
	DefaultMaxSessionsPerProject = 20
	DefaultMaxActivePerProject   = 10
	DefaultSuspensionTimeout     = 30 * time.Minute
	DefaultIdleSweepInterval     = 2 * time.Minute
	DefaultMemCheckInterval      = 30 * time.Second
)

// CapExceededError reports which capacity limit blocked an operation.
type CapExceededError struct {
	Scope string // "global", "project" or "active"
	Limit int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s session limit reached (%d)", e.Scope, e.Limit)
}

// Config holds the governor's policy knobs. Zero values fall back to
// the package defaults; MemoryHighWater of zero disables the emergency
// sweep.
type Config struct {
	MaxSessionsGlobal     int
	MaxSessionsPerProject int
	MaxActivePerProject   int
	SuspensionTimeout     time.Duration
	IdleSweepInterval     time.Duration
	MemCheckInterval      time.Duration
	MemoryHighWater       uint64 // bytes of heap; 0 disables
}

// Governor owns the cap checks and the two periodic sweeps. It
// implements session.CreateGate.
type Governor struct {
	cfg      Config
	registry *session.Registry
	cron     *cron.Cron

	mu    sync.Mutex
	memFn func() uint64    // injectable heap sampler for testing
	nowFn func() time.Time // injectable clock for testing
}

// New creates a Governor over the given registry. Call Start to begin
// the periodic sweeps.
func New(cfg Config, registry *session.Registry) *Governor {
	if cfg.MaxSessionsGlobal <= 0 {
		cfg.MaxSessionsGlobal = DefaultMaxSessionsGlobal
	}
	if cfg.MaxSessionsPerProject <= 0 {
		cfg.MaxSessionsPerProject = DefaultMaxSessionsPerProject
	}
	if cfg.MaxActivePerProject <= 0 {
		cfg.MaxActivePerProject = DefaultMaxActivePerProject
	}
	if cfg.SuspensionTimeout <= 0 {
		cfg.SuspensionTimeout = DefaultSuspensionTimeout
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if cfg.MemCheckInterval <= 0 {
		cfg.MemCheckInterval = DefaultMemCheckInterval
	}
	return &Governor{
		cfg:      cfg,
		registry: registry,
		memFn:    heapInUse,
		nowFn:    time.Now,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// AdmitCreate enforces the global and per-project session caps. Counts
// are supplied by the registry under its own lock.
func (g *Governor) AdmitCreate(projectID string, global, inProject int) error {
	if global >= g.cfg.MaxSessionsGlobal {
		return &CapExceededError{Scope: "global", Limit: g.cfg.MaxSessionsGlobal}
	}
	if inProject >= g.cfg.MaxSessionsPerProject {
		return &CapExceededError{Scope: "project", Limit: g.cfg.MaxSessionsPerProject}
	}
	return nil
}

// AdmitActive enforces the per-project active-session cap at attach
// time. activeInProject excludes the session being attached.
func (g *Governor) AdmitActive(projectID string, activeInProject int) error {
	if activeInProject >= g.cfg.MaxActivePerProject {
		return &CapExceededError{Scope: "active", Limit: g.cfg.MaxActivePerProject}
	}
	return nil
}

// Start schedules the idle and memory sweeps. Idempotent with Stop.
func (g *Governor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", g.cfg.IdleSweepInterval), g.IdleSweep); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	if g.cfg.MemoryHighWater > 0 {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", g.cfg.MemCheckInterval), g.MemorySweep); err != nil {
			return fmt.Errorf("schedule memory sweep: %w", err)
		}
	}
	c.Start()
	g.cron = c
	log.Printf("[governor] sweeps scheduled (idle every %s, suspension ceiling %s)",
		g.cfg.IdleSweepInterval, g.cfg.SuspensionTimeout)
	return nil
}

// Stop halts the sweep schedule. Running sweeps finish.
func (g *Governor) Stop() {
	if g.cron != nil {
		ctx := g.cron.Stop()
		<-ctx.Done()
	}
}

// IdleSweep closes every session that has sat suspended longer than the
// suspension ceiling. Sessions created but never attached idle in ready
// state and are swept on the same ceiling, or they would pin cap slots
// until an explicit close.
func (g *Governor) IdleSweep() {
	g.mu.Lock()
	now := g.nowFn()
	g.mu.Unlock()

	for _, info := range g.registry.List("") {
		if info.State != session.StateSuspended && info.State != session.StateReady {
			continue
		}
		idle := now.Sub(info.LastActivity)
		if idle < g.cfg.SuspensionTimeout {
			continue
		}
		log.Printf("[governor] evicting session %s, %s for %s (reason: %s)",
			info.ID, info.State, idle.Truncate(time.Second), session.ReasonIdleTimeout)
		if err := g.registry.Close(info.ID, session.ReasonIdleTimeout); err != nil {
			log.Printf("[governor] idle eviction of %s failed: %v", info.ID, err)
		}
	}
}

// MemorySweep evicts sessions while the measured heap sits above the
// high-water mark. Least-recently-active suspended sessions go first;
// active sessions are only touched once no suspended ones remain.
func (g *Governor) MemorySweep() {
	g.mu.Lock()
	memFn := g.memFn
	g.mu.Unlock()

	if g.cfg.MemoryHighWater == 0 || memFn() <= g.cfg.MemoryHighWater {
		return
	}
	runtime.GC()

	for memFn() > g.cfg.MemoryHighWater {
		victim, ok := g.pickVictim()
		if !ok {
			log.Printf("[governor] heap still over high water (%d bytes) with no evictable sessions",
				g.cfg.MemoryHighWater)
			return
		}
		log.Printf("[governor] memory pressure, evicting session %s (state %s)",
			victim.ID, victim.State)
		if err := g.registry.Close(victim.ID, session.ReasonMemoryPressure); err != nil {
			log.Printf("[governor] pressure eviction of %s failed: %v", victim.ID, err)
			return
		}
		g.awaitClose(victim.ID)
	}
}

// pickVictim chooses the least-recently-active suspended session, or
// the least-recently-active overall when nothing is suspended.
func (g *Governor) pickVictim() (session.Info, bool) {
	var victim session.Info
	found := false
	preferSuspended := false

	for _, info := range g.registry.List("") {
		if info.State != session.StateSuspended && info.State != session.StateActive &&
			info.State != session.StateReady {
			continue
		}
		suspended := info.State == session.StateSuspended
		switch {
		case !found:
		case suspended && !preferSuspended:
			// Suspended always beats non-suspended.
		case suspended == preferSuspended && info.LastActivity.Before(victim.LastActivity):
		default:
			continue
		}
		victim = info
		found = true
		preferSuspended = suspended
	}
	return victim, found
}

// awaitClose blocks until the victim's subprocess is reaped so the next
// heap measurement reflects the eviction. Bounded by the session grace
// window plus slack.
func (g *Governor) awaitClose(sessionID string) {
	s, err := g.registry.Get(sessionID)
	if err != nil {
		return // already reaped
	}
	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		log.Printf("[governor] session %s slow to release after eviction", sessionID)
	}
	runtime.GC()
}
