package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

func testCoordinationConfig() config.CoordinationConfig {
	return config.Default().Coordination
}

// harness bundles the coordination plane over a memory store with a fake
// clock shared by every component.
type harness struct {
	store     *store.MemoryStore
	health    *HealthMonitor
	discovery *Discovery
	breaker   *CircuitBreaker
	router    *Router
	clock     *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testCoordinationConfig()
	publisher := events.NewPublisher(st)
	breaker := NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	breaker.now = clock.now
	health := NewHealthMonitor(st, publisher, cfg, nil)
	health.now = clock.now
	discovery := NewDiscovery(st, health, breaker, publisher, cfg)
	discovery.now = clock.now
	router := NewRouter(st, discovery, breaker, publisher, cfg, nil)
	router.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return &harness{store: st, health: health, discovery: discovery, breaker: breaker, router: router, clock: clock}
}

func (h *harness) register(t *testing.T, id string, opts ...func(*models.AgentRegistration)) {
	t.Helper()
	reg := &models.AgentRegistration{
		ID:                 id,
		Type:               "coding",
		Capabilities:       []string{"code_generation"},
		MaxConcurrentTasks: 4,
		Priority:           100,
	}
	for _, opt := range opts {
		opt(reg)
	}
	require.NoError(t, h.discovery.Register(context.Background(), reg))
}

func TestCheckAgentHealthyScores(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))

	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	// Fresh agent: perfect scores across the board.
	assert.Equal(t, 100.0, m.PerformanceScore)
	assert.Equal(t, 100.0, m.ReliabilityScore)
	assert.Equal(t, 100.0, m.AvailabilityScore)
	assert.Equal(t, 100.0, m.OverallScore)
	assert.Equal(t, models.AgentStatusHealthy, m.Status)
}

func TestOverallScoreIsWeightedSum(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	// Heartbeat 45s ago: availability drops to 75 while performance and
	// reliability stay at 100. Overall = 0.4*100 + 0.4*100 + 0.2*75 = 95.
	h.clock.advance(45 * time.Second)
	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))

	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, m.AvailabilityScore)
	assert.InDelta(t, 95.0, m.OverallScore, 0.001)
	assert.Equal(t, models.AgentStatusHealthy, m.Status)
}

func TestAgentGoesOfflineAfterThreshold(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	h.clock.advance(121 * time.Second)
	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))

	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, m.Status)
	assert.Equal(t, 0.0, m.OverallScore)

	// The status index follows the transition.
	offline, err := h.store.SetMembers(ctx, store.AgentsByStatusKey(string(models.AgentStatusOffline)))
	require.NoError(t, err)
	assert.Contains(t, offline, "agent-1")
}

func TestStatusChangeEmitsEventOnlyOnTransition(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))
	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))
	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))

	entries, err := h.store.ReadFrom(ctx, store.AgentHealthEventsStream, store.StreamStart, 100, 0)
	require.NoError(t, err)
	// One transition: INITIALIZING → HEALTHY. Repeated checks with the
	// same outcome stay silent.
	require.Len(t, entries, 1)
	frame, err := events.FrameFromFields(entries[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeAgentStatusChange, frame.Type)
	assert.Equal(t, string(models.AgentStatusInitializing), frame.Data["from"])
	assert.Equal(t, string(models.AgentStatusHealthy), frame.Data["to"])
}

func TestResponseTimeScore(t *testing.T) {
	tests := []struct {
		name  string
		avgMS float64
		want  float64
	}{
		{"instant", 0, 100},
		{"under a second", 800, 100},
		{"exactly a second", 1000, 100},
		{"three seconds", 3000, 80},
		{"six seconds", 6000, 50},
		{"glacial", 60000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ResponseTimeScore(tt.avgMS), 0.001)
		})
	}
}

func TestRecordTaskLifecycleUpdatesMetrics(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-1", "task-1"))
	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.CurrentLoad)

	h.clock.advance(2 * time.Second)
	require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-1", "task-1", true, nil))

	m, err = h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, m.CurrentLoad)
	assert.Equal(t, 1, m.TotalTasks)
	assert.Equal(t, 1, m.SuccessfulTasks)
	assert.Equal(t, 0, m.FailedTasks)
	// First sample seeds the EMA directly.
	assert.InDelta(t, 2000, m.AvgResponseTimeMS, 1)
}

func TestResponseTimeEMA(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-1", "t1"))
	h.clock.advance(1 * time.Second)
	require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-1", "t1", true, nil))

	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-1", "t2"))
	h.clock.advance(3 * time.Second)
	require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-1", "t2", true, nil))

	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	// EMA with alpha 0.1: 0.1*3000 + 0.9*1000 = 1200.
	assert.InDelta(t, 1200, m.AvgResponseTimeMS, 1)
}

func TestFailureCountersAndReliability(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.health.RecordTaskStart(ctx, "agent-1", "t"))
		require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-1", "t", i == 0, nil))
	}
	require.NoError(t, h.health.CheckAgent(ctx, "agent-1"))

	m, err := h.health.Metrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalTasks)
	assert.Equal(t, 1, m.SuccessfulTasks)
	assert.Equal(t, 2, m.FailedTasks)
	assert.InDelta(t, 100.0/3, m.ReliabilityScore, 0.01)
}

func TestStatusForScoreMapping(t *testing.T) {
	assert.Equal(t, models.AgentStatusHealthy, statusForScore(80))
	assert.Equal(t, models.AgentStatusHealthy, statusForScore(100))
	assert.Equal(t, models.AgentStatusDegraded, statusForScore(79.9))
	assert.Equal(t, models.AgentStatusDegraded, statusForScore(60))
	assert.Equal(t, models.AgentStatusUnhealthy, statusForScore(59.9))
	assert.Equal(t, models.AgentStatusUnhealthy, statusForScore(0))
}
