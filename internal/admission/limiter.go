// Package admission throttles session creation before any resources are
// committed. Two independent mechanisms protect the engine from
// connection storms and from hammering a broken runtime:
//   - Sliding-window rate limit: max creations per minute per project.
//   - Circuit breaker: after N consecutive spawn failures the engine
//     fails creations fast until a cool-down elapses, then lets exactly
//     one probe through.
package admission

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sessmux/sessmux/internal/logutil"
)

// Defaults, overridable through Config.
const (
	DefaultCreateRatePerMinute = 30
	DefaultFailureThreshold    = 5
	DefaultCooldown            = 30 * time.Second
)

// ErrCircuitOpen is returned while the breaker is failing fast.
var ErrCircuitOpen = errors.New("session creation suspended: subprocess spawn circuit open")

// RateLimitedError reports a denied creation attempt with a hint for
// when to retry.
type RateLimitedError struct {
	ProjectID  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("session creation rate limit exceeded for project %s; retry after %s",
		e.ProjectID, e.RetryAfter.Truncate(time.Millisecond))
}

// breakerState is the circuit breaker's current mode.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds admission limiter settings. Zero values fall back to the
// package defaults.
type Config struct {
	CreateRatePerMinute int
	FailureThreshold    int
	Cooldown            time.Duration
}

// projectWindow tracks recent creation attempts for one project.
type projectWindow struct {
	attempts []time.Time
}

// Limiter combines the per-project rate limit and the spawn circuit
// breaker. Admit must be called before creating a session and
// OnSpawnResult after every spawn attempt.
type Limiter struct {
	mu     sync.Mutex
	config Config
	window map[string]*projectWindow

	state         breakerState
	failures      int       // consecutive spawn failures
	openedAt      time.Time // when the breaker last opened
	probeInFlight bool

	nowFn func() time.Time // injectable clock for testing
}

// New creates a Limiter with the given configuration.
func New(config Config) *Limiter {
	if config.CreateRatePerMinute <= 0 {
		config.CreateRatePerMinute = DefaultCreateRatePerMinute
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	return &Limiter{
		config: config,
		window: make(map[string]*projectWindow),
		nowFn:  time.Now,
	}
}

// Admit checks whether a session creation for the given project may
// proceed. Returns nil if allowed, *RateLimitedError when the project
// is over its creation rate, or ErrCircuitOpen while the breaker is
// failing fast. An admitted attempt counts against the rate window
// whether or not the subsequent spawn succeeds.
func (l *Limiter) Admit(projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()

	switch l.state {
	case breakerOpen:
		if now.Sub(l.openedAt) < l.config.Cooldown {
			return ErrCircuitOpen
		}
		// Cool-down elapsed; admit a single probe.
		l.state = breakerHalfOpen
		l.probeInFlight = false
		log.Printf("[admission] breaker half-open, admitting probe")
		fallthrough
	case breakerHalfOpen:
		if l.probeInFlight {
			return ErrCircuitOpen
		}
	}

	w := l.window[projectID]
	if w == nil {
		w = &projectWindow{}
		l.window[projectID] = w
	}

	cutoff := now.Add(-time.Minute)
	pruned := w.attempts[:0]
	for _, t := range w.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	w.attempts = pruned

	if len(w.attempts) >= l.config.CreateRatePerMinute {
		retryAfter := w.attempts[0].Add(time.Minute).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		log.Printf("[admission] project %s over creation rate (%d/min)",
			logutil.Sanitize(projectID), l.config.CreateRatePerMinute)
		return &RateLimitedError{ProjectID: projectID, RetryAfter: retryAfter}
	}
	w.attempts = append(w.attempts, now)

	if l.state == breakerHalfOpen {
		l.probeInFlight = true
	}
	return nil
}

// OnSpawnResult feeds a spawn outcome into the breaker. Success resets
// the failure streak and closes the breaker; a failure streak reaching
// the threshold opens it.
func (l *Limiter) OnSpawnResult(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		if l.state != breakerClosed {
			log.Printf("[admission] breaker closed after successful spawn")
		}
		l.state = breakerClosed
		l.failures = 0
		l.probeInFlight = false
		return
	}

	l.failures++
	switch l.state {
	case breakerHalfOpen:
		// The probe failed; straight back to open.
		l.state = breakerOpen
		l.openedAt = l.nowFn()
		l.probeInFlight = false
		log.Printf("[admission] probe spawn failed, breaker re-opened: %v", err)
	case breakerClosed:
		if l.failures >= l.config.FailureThreshold {
			l.state = breakerOpen
			l.openedAt = l.nowFn()
			log.Printf("[admission] breaker opened after %d consecutive spawn failures: %v",
				l.failures, err)
		}
	}
}

// State returns the breaker state name for diagnostics.
func (l *Limiter) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.String()
}
