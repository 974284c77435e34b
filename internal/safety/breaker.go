// Package safety implements the engine's containment mechanisms: the
// circuit breaker registry, the per-resource-set execution locks, and the
// safety gate that decides whether a remediation may proceed.
package safety

import (
	"sync"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

// BreakerConfig tunes the circuit breaker trip conditions.
type BreakerConfig struct {
	// FailureStreak trips the breaker after this many consecutive failures.
	FailureStreak int
	// WindowSize is the number of recent attempts in the rolling window.
	WindowSize int
	// WindowFailureRate trips the breaker when the rolling failure rate
	// exceeds this fraction.
	WindowFailureRate float64
	// Cooldown is how long a tripped breaker stays fully open.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard trip conditions: 3 consecutive
// failures or more than half of the last 10 attempts failing, 1 hour cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureStreak:     3,
		WindowSize:        10,
		WindowFailureRate: 0.5,
		Cooldown:          time.Hour,
	}
}

type breakerKey struct {
	playbookID string
	scope      domain.BlastRadius
}

type breakerEntry struct {
	consecutiveFailures int
	window              []bool // true = failure, newest last
	tripped             bool
	trippedUntil        time.Time
	probing             bool // half-open canary in flight
}

// BreakerRegistry tracks circuit breaker state per (playbook, blast-radius
// scope). It is an injectable shared component: the execution coordinator
// records outcomes, the safety gate reads trip state. All access is under
// one mutex.
//
// A tripped breaker never silently self-heals: after the cooldown it goes
// half-open, allowing a single canary attempt, and only a recorded success
// closes it again.
type BreakerRegistry struct {
	mu      sync.Mutex
	entries map[breakerKey]*breakerEntry
	cfg     BreakerConfig
	now     func() time.Time

	// OnTrip, when set, is called (outside the lock) each time a breaker
	// trips. Used for event emission.
	OnTrip func(playbookID string, scope domain.BlastRadius, until time.Time)
}

// NewBreakerRegistry creates a registry with sensible defaults for
// zero-value config fields.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureStreak == 0 {
		cfg.FailureStreak = def.FailureStreak
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowFailureRate == 0 {
		cfg.WindowFailureRate = def.WindowFailureRate
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &BreakerRegistry{
		entries: make(map[breakerKey]*breakerEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// RecordFailure registers a failed execution for the pair and returns true
// if this failure tripped the breaker.
func (r *BreakerRegistry) RecordFailure(playbookID string, scope domain.BlastRadius) bool {
	r.mu.Lock()
	e := r.entry(playbookID, scope)
	e.consecutiveFailures++
	r.push(e, true)

	alreadyTripped := e.tripped
	now := r.now()
	shouldTrip := e.consecutiveFailures >= r.cfg.FailureStreak || r.failureRate(e) > r.cfg.WindowFailureRate
	var until time.Time
	if shouldTrip {
		e.tripped = true
		until = now.Add(r.cfg.Cooldown)
		e.trippedUntil = until
	}
	e.probing = false
	onTrip := r.OnTrip
	r.mu.Unlock()

	if shouldTrip && !alreadyTripped && onTrip != nil {
		onTrip(playbookID, scope, until)
	}
	return shouldTrip
}

// RecordSuccess registers a successful execution, resetting the failure
// streak and closing a half-open breaker.
func (r *BreakerRegistry) RecordSuccess(playbookID string, scope domain.BlastRadius) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(playbookID, scope)
	e.consecutiveFailures = 0
	r.push(e, false)
	// Success closes the breaker whether half-open or open: a manual or
	// canary success is the only way a trip is lifted.
	e.tripped = false
	e.trippedUntil = time.Time{}
	e.probing = false
}

// IsOpen reports whether the breaker blocks execution for the pair.
// A tripped breaker past its cooldown is half-open: IsOpen returns false
// while no canary is in flight, but the breaker stays tripped until a
// success is recorded. The canary slot itself is claimed through Admit.
func (r *BreakerRegistry) IsOpen(playbookID string, scope domain.BlastRadius) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[breakerKey{playbookID, scope}]
	if !ok || !e.tripped {
		return false
	}
	if r.now().Before(e.trippedUntil) {
		return true
	}
	return e.probing
}

// Admit reserves the right to execute for the pair. Closed breakers
// always admit; open breakers never; a half-open breaker admits exactly
// one canary until its outcome is recorded.
func (r *BreakerRegistry) Admit(playbookID string, scope domain.BlastRadius) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[breakerKey{playbookID, scope}]
	if !ok || !e.tripped {
		return true
	}
	if r.now().Before(e.trippedUntil) || e.probing {
		return false
	}
	e.probing = true
	return true
}

// ReleaseProbe frees a claimed canary slot without recording an outcome,
// for attempts that abort before any action runs.
func (r *BreakerRegistry) ReleaseProbe(playbookID string, scope domain.BlastRadius) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[breakerKey{playbookID, scope}]; ok {
		e.probing = false
	}
}

// State returns a snapshot of the breaker for the pair.
func (r *BreakerRegistry) State(playbookID string, scope domain.BlastRadius) domain.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := domain.CircuitBreakerState{PlaybookID: playbookID, Scope: scope}
	e, ok := r.entries[breakerKey{playbookID, scope}]
	if !ok {
		return s
	}
	s.ConsecutiveFailures = e.consecutiveFailures
	s.WindowFailureRate = r.failureRate(e)
	s.Tripped = e.tripped
	if !e.trippedUntil.IsZero() {
		s.TrippedUntilUnix = e.trippedUntil.Unix()
	}
	return s
}

func (r *BreakerRegistry) entry(playbookID string, scope domain.BlastRadius) *breakerEntry {
	k := breakerKey{playbookID, scope}
	e, ok := r.entries[k]
	if !ok {
		e = &breakerEntry{}
		r.entries[k] = e
	}
	return e
}

func (r *BreakerRegistry) push(e *breakerEntry, failure bool) {
	e.window = append(e.window, failure)
	if len(e.window) > r.cfg.WindowSize {
		e.window = e.window[len(e.window)-r.cfg.WindowSize:]
	}
}

func (r *BreakerRegistry) failureRate(e *breakerEntry) float64 {
	if len(e.window) == 0 {
		return 0
	}
	failures := 0
	for _, f := range e.window {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(e.window))
}
