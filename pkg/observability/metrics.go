// Package observability exposes baton's Prometheus metrics. All collectors
// hang off a Metrics value constructed against an injected Registerer so
// tests can use fresh registries. A nil *Metrics is valid and records
// nothing, which lets components be constructed without metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the orchestrator emits.
type Metrics struct {
	JobsActive       prometheus.Gauge
	JobsTotal        *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	RoutingDecisions *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	AgentHealth      *prometheus.GaugeVec
	Subscribers      prometheus.Gauge
	DroppedFrames    prometheus.Counter
}

// New registers baton's collectors with reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "baton_jobs_active",
			Help: "Jobs currently in PLANNING or RUNNING.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "baton_jobs_total",
			Help: "Jobs by terminal status.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "baton_task_duration_seconds",
			Help:    "Task wall-clock duration from dispatch to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent_type", "status"}),
		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "baton_routing_decisions_total",
			Help: "Routing decisions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "baton_tdd_phase_duration_seconds",
			Help:    "Time spent in each TDD phase per transition.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"phase"}),
		AgentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "baton_agent_health_score",
			Help: "Overall health score (0-100) per agent.",
		}, []string{"agent_id"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "baton_stream_subscribers",
			Help: "Currently connected streaming subscribers.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_stream_dropped_frames_total",
			Help: "Event frames dropped under subscriber backpressure.",
		}),
	}
	reg.MustRegister(
		m.JobsActive, m.JobsTotal, m.TaskDuration, m.RoutingDecisions,
		m.PhaseDuration, m.AgentHealth, m.Subscribers, m.DroppedFrames,
	)
	return m
}

// Nil-safe recording helpers. Components call these unconditionally.

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsActive.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsActive.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTask(agentType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(agentType, status).Observe(seconds)
}

func (m *Metrics) RoutingDecision(strategy, outcome string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) ObservePhase(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

func (m *Metrics) SetAgentHealth(agentID string, score float64) {
	if m == nil {
		return
	}
	m.AgentHealth.WithLabelValues(agentID).Set(score)
}

func (m *Metrics) SubscriberConnected() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberDisconnected() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}
