// Package coordination is baton's agent coordination plane: liveness and
// health scoring, capability-based discovery, and strategy-based routing
// behind per-agent circuit breakers.
package coordination

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of one agent.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker gates routing per agent. State lives in process memory
// and resets to CLOSED on restart: a truly unhealthy agent fails again and
// reopens its breaker.
//
// Transitions: threshold consecutive failures open the breaker for the
// configured timeout; expiry moves it to HALF_OPEN with a zeroed counter;
// the first success while HALF_OPEN closes it, any failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	now       func() time.Time
	agents    map[string]*breakerEntry
}

type breakerEntry struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	openUntil   time.Time
}

// BreakerSnapshot is the observable state of one agent's breaker.
type BreakerSnapshot struct {
	AgentID     string       `json:"agent_id"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
	OpenUntil   time.Time    `json:"open_until,omitempty"`
}

// NewCircuitBreaker creates a breaker registry. Every agent starts CLOSED.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		agents:    make(map[string]*breakerEntry),
	}
}

func (b *CircuitBreaker) entry(agentID string) *breakerEntry {
	e, ok := b.agents[agentID]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.agents[agentID] = e
	}
	return e
}

// Allow reports whether the agent may receive work. An expired OPEN
// breaker moves to HALF_OPEN as a side effect and admits one probe.
func (b *CircuitBreaker) Allow(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(agentID)
	if e.state != BreakerOpen {
		return true
	}
	if b.now().Before(e.openUntil) {
		return false
	}
	e.state = BreakerHalfOpen
	e.failures = 0
	return true
}

// RecordSuccess resets the failure counter; a HALF_OPEN breaker closes.
func (b *CircuitBreaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(agentID)
	e.failures = 0
	if e.state == BreakerHalfOpen {
		e.state = BreakerClosed
	}
}

// RecordFailure counts a failure and opens the breaker when the
// consecutive-failure threshold is reached. Any failure while HALF_OPEN
// reopens immediately.
func (b *CircuitBreaker) RecordFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(agentID)
	now := b.now()
	e.failures++
	e.lastFailure = now
	if e.state == BreakerHalfOpen || e.failures >= b.threshold {
		e.state = BreakerOpen
		e.openUntil = now.Add(b.timeout)
	}
}

// State returns the agent's current circuit state without side effects.
func (b *CircuitBreaker) State(agentID string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.agents[agentID]
	if !ok {
		return BreakerClosed
	}
	if e.state == BreakerOpen && !b.now().Before(e.openUntil) {
		return BreakerHalfOpen
	}
	return e.state
}

// Snapshot returns the observable state of every tracked agent.
func (b *CircuitBreaker) Snapshot() []BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(b.agents))
	for id, e := range b.agents {
		out = append(out, BreakerSnapshot{
			AgentID:     id,
			State:       e.state,
			Failures:    e.failures,
			LastFailure: e.lastFailure,
			OpenUntil:   e.openUntil,
		})
	}
	return out
}
