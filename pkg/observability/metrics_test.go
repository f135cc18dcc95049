package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobStarted()
	m.JobStarted()
	m.JobFinished("COMPLETED")
	m.RoutingDecision("HEALTH_AWARE", "success")
	m.FrameDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("HEALTH_AWARE", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames))

	// Registering twice on the same registry must panic (duplicate collectors).
	require.Panics(t, func() { New(reg) })
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobStarted()
		m.JobFinished("FAILED")
		m.ObserveTask("coding", "COMPLETED", 1.5)
		m.RoutingDecision("ROUND_ROBIN", "no_candidates")
		m.ObservePhase("RED", 4.2)
		m.SetAgentHealth("agent-1", 92)
		m.SubscriberConnected()
		m.SubscriberDisconnected()
		m.FrameDropped()
	})
}
