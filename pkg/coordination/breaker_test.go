package coordination

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a breaker deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(threshold, timeout)
	b.now = clock.now
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	assert.Equal(t, BreakerClosed, b.State("agent-1"))
	assert.True(t, b.Allow("agent-1"))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	for i := 0; i < 4; i++ {
		b.RecordFailure("agent-1")
		assert.True(t, b.Allow("agent-1"), "failure %d must not open the breaker", i+1)
	}
	b.RecordFailure("agent-1")
	assert.Equal(t, BreakerOpen, b.State("agent-1"))
	assert.False(t, b.Allow("agent-1"))
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("agent-1")
	b.RecordFailure("agent-1")
	b.RecordSuccess("agent-1")
	b.RecordFailure("agent-1")
	b.RecordFailure("agent-1")
	assert.Equal(t, BreakerClosed, b.State("agent-1"), "non-consecutive failures never open")
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("agent-1")
	b.RecordFailure("agent-1")
	require.False(t, b.Allow("agent-1"))

	// Expiry admits one probe in HALF_OPEN with a zeroed counter.
	clock.advance(61 * time.Second)
	require.True(t, b.Allow("agent-1"))
	assert.Equal(t, BreakerHalfOpen, b.State("agent-1"))

	// First success while HALF_OPEN closes.
	b.RecordSuccess("agent-1")
	assert.Equal(t, BreakerClosed, b.State("agent-1"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("agent-1")
	b.RecordFailure("agent-1")
	clock.advance(61 * time.Second)
	require.True(t, b.Allow("agent-1"))

	// A single failure while HALF_OPEN reopens regardless of threshold.
	b.RecordFailure("agent-1")
	assert.Equal(t, BreakerOpen, b.State("agent-1"))
	assert.False(t, b.Allow("agent-1"))
}

func TestBreakerAgentsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("agent-1")
	assert.False(t, b.Allow("agent-1"))
	assert.True(t, b.Allow("agent-2"))
}

func TestBreakerSnapshot(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("agent-1")
	b.RecordSuccess("agent-2")
	snaps := b.Snapshot()
	require.Len(t, snaps, 2)
	byID := map[string]BreakerSnapshot{}
	for _, s := range snaps {
		byID[s.AgentID] = s
	}
	assert.Equal(t, BreakerOpen, byID["agent-1"].State)
	assert.True(t, byID["agent-1"].OpenUntil.After(byID["agent-1"].LastFailure.Add(-time.Nanosecond)))
	assert.Equal(t, BreakerClosed, byID["agent-2"].State)
}

// TestBreakerTransitionProperties checks, over random success/failure
// sequences, that the breaker only moves along its legal edges and that
// OPEN always carries a future open-until.
func TestBreakerTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("legal transitions only", prop.ForAll(
		func(outcomes []bool) bool {
			b, clock := newTestBreaker(3, time.Minute)
			prev := b.State("a")
			for _, success := range outcomes {
				// Occasionally let time pass so OPEN can expire.
				clock.advance(20 * time.Second)
				b.Allow("a")
				if success {
					b.RecordSuccess("a")
				} else {
					b.RecordFailure("a")
				}
				next := b.State("a")
				if !legalBreakerEdge(prev, next) {
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}

// legalBreakerEdge accepts self-loops plus the spec's transition diagram.
func legalBreakerEdge(from, to BreakerState) bool {
	if from == to {
		return true
	}
	switch from {
	case BreakerClosed:
		return to == BreakerOpen
	case BreakerOpen:
		return to == BreakerHalfOpen
	case BreakerHalfOpen:
		return to == BreakerClosed || to == BreakerOpen
	}
	return false
}
