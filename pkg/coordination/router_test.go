package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"ROUND_ROBIN", "LEAST_LOADED", "WEIGHTED_RANDOM", "HEALTH_AWARE", "PRIORITY_BASED"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}
	_, err := ParseStrategy("COIN_FLIP")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRouteSuccessUsesCanonicalStream(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")

	res, err := h.router.Route(context.Background(), Request{TaskID: "t-1", TaskType: "coding"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, "agent:coding:input", res.InputStream)
	assert.Equal(t, StrategyHealthAware, res.Strategy, "config default applies")
}

func TestRouteEmptyRegistryIsCategorized(t *testing.T) {
	h := newHarness(t)
	res, err := h.router.Route(context.Background(), Request{TaskID: "t-1", TaskType: "coding"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoAgentsRegistered, res.Reason)
}

func TestRouteAllExcluded(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	res, err := h.router.Route(context.Background(), Request{
		TaskID: "t-1", TaskType: "coding", Exclude: []string{"agent-1"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAllExcluded, res.Reason)
}

func TestRoundRobinCyclesCandidates(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-a")
	h.register(t, "agent-b")
	h.register(t, "agent-c")

	var order []string
	for i := 0; i < 6; i++ {
		res, err := h.router.Route(context.Background(), Request{
			TaskID: "t", TaskType: "coding", Strategy: StrategyRoundRobin,
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		order = append(order, res.AgentID)
	}
	assert.Equal(t, order[:3], order[3:], "cursor wraps over the same cycle")
	assert.ElementsMatch(t, []string{"agent-a", "agent-b", "agent-c"}, order[:3])
}

func TestLeastLoadedPicksIdleAgent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-busy")
	h.register(t, "agent-idle")
	ctx := context.Background()

	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-busy", "t0"))
	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-busy", "t1"))

	res, err := h.router.Route(ctx, Request{TaskID: "t-2", TaskType: "coding", Strategy: StrategyLeastLoaded})
	require.NoError(t, err)
	assert.Equal(t, "agent-idle", res.AgentID)
}

func TestHealthAwarePrefersHealthierAgent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-flaky")
	h.register(t, "agent-solid")
	ctx := context.Background()

	// agent-flaky fails often; recompute scores afterwards.
	for i := 0; i < 4; i++ {
		require.NoError(t, h.health.RecordTaskStart(ctx, "agent-flaky", "t"))
		require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-flaky", "t", false, nil))
	}
	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-solid", "t"))
	require.NoError(t, h.health.RecordTaskCompletion(ctx, "agent-solid", "t", true, nil))
	require.NoError(t, h.health.CheckAll(ctx))

	res, err := h.router.Route(ctx, Request{TaskID: "t-9", TaskType: "coding", Strategy: StrategyHealthAware})
	require.NoError(t, err)
	assert.Equal(t, "agent-solid", res.AgentID)
}

func TestPriorityBasedCriticalTakesTopAgent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-low", func(r *models.AgentRegistration) { r.Priority = 500 })
	h.register(t, "agent-top", func(r *models.AgentRegistration) { r.Priority = 1 })
	ctx := context.Background()

	// Load the top agent; CRITICAL still picks it, NORMAL avoids it.
	require.NoError(t, h.health.RecordTaskStart(ctx, "agent-top", "t0"))

	res, err := h.router.Route(ctx, Request{
		TaskID: "t-1", TaskType: "coding",
		Strategy: StrategyPriorityBased, Priority: models.JobPriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-top", res.AgentID)

	res, err = h.router.Route(ctx, Request{
		TaskID: "t-2", TaskType: "coding",
		Strategy: StrategyPriorityBased, Priority: models.JobPriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-low", res.AgentID, "least-loaded among the top agents")
}

func TestWeightedRandomAlwaysReturnsACandidate(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	h.register(t, "agent-2")
	for i := 0; i < 20; i++ {
		res, err := h.router.Route(context.Background(), Request{
			TaskID: "t", TaskType: "coding", Strategy: StrategyWeightedRandom,
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Contains(t, []string{"agent-1", "agent-2"}, res.AgentID)
	}
}

func TestRouteWithRetryFallsBackAfterRegistryFills(t *testing.T) {
	h := newHarness(t)
	attempts := 0
	h.router.sleep = func(ctx context.Context, d time.Duration) error {
		// The registry fills while the router backs off.
		if attempts++; attempts == 1 {
			h.register(t, "agent-late")
		}
		return nil
	}

	res, err := h.router.RouteWithRetry(context.Background(), Request{
		TaskID: "t-1", TaskType: "coding", MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "agent-late", res.AgentID)
	assert.Equal(t, 2, res.Attempts)
}

func TestRouteWithRetryExhaustsAndReportsReason(t *testing.T) {
	h := newHarness(t)
	res, err := h.router.RouteWithRetry(context.Background(), Request{
		TaskID: "t-1", TaskType: "coding", MaxRetries: 2,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoAgentsRegistered, res.Reason)
	assert.Equal(t, 2, res.Attempts)
}

func TestRoutingDecisionsAreRecorded(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	_, err := h.router.Route(ctx, Request{TaskID: "t-1", TaskType: "coding"})
	require.NoError(t, err)

	entries, err := h.store.ReadFrom(ctx, store.RoutingDecisionsStream, store.StreamStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	stats, err := h.router.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", stats["total_decisions"])
	assert.Equal(t, "1", stats["strategy:HEALTH_AWARE:success"])
}

// Scenario: a single agent accumulates five failures, its breaker opens
// and blocks routing until the breaker timeout elapses; one success after
// the half-open probe closes it again.
func TestBreakerOpensAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := h.router.Route(ctx, Request{TaskID: "t", TaskType: "coding"})
		require.NoError(t, err)
		require.True(t, res.Success, "routing works while the breaker is closed")
		h.router.RecordFailure(ctx, "agent-1")
	}

	// Sixth request: breaker is OPEN, routing fails with a category.
	res, err := h.router.Route(ctx, Request{TaskID: "t-6", TaskType: "coding"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAllCircuitsOpen, res.Reason)

	// After the breaker timeout the half-open probe is admitted.
	h.clock.advance(61 * time.Second)
	res, err = h.router.Route(ctx, Request{TaskID: "t-7", TaskType: "coding"})
	require.NoError(t, err)
	require.True(t, res.Success)

	h.router.RecordSuccess(ctx, "agent-1")
	assert.Equal(t, BreakerClosed, h.breaker.State("agent-1"))
}
