package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/observability"
	"github.com/batonworks/baton/pkg/store"
)

// emaAlpha is the exponential-moving-average weight for response times.
const emaAlpha = 0.1

// Sub-score weights for the overall health score.
const (
	perfWeight  = 0.4
	relWeight   = 0.4
	availWeight = 0.2
)

// HealthMonitor periodically recomputes every registered agent's health
// scores, derives the HEALTHY/DEGRADED/UNHEALTHY/OFFLINE status, and emits
// status_changed events on transitions. It also tracks per-task load and
// response times fed in by the executor.
type HealthMonitor struct {
	store     store.Store
	publisher *events.Publisher
	cfg       config.CoordinationConfig
	metrics   *observability.Metrics
	now       func() time.Time
	log       *slog.Logger

	// taskStarts holds dispatch timestamps per agent and task for the
	// response-time calculation. Process-local: a restart only loses
	// in-flight samples.
	mu         sync.Mutex
	taskStarts map[string]map[string]time.Time
}

// NewHealthMonitor creates a monitor. metrics may be nil.
func NewHealthMonitor(st store.Store, publisher *events.Publisher, cfg config.CoordinationConfig, metrics *observability.Metrics) *HealthMonitor {
	return &HealthMonitor{
		store:      st,
		publisher:  publisher,
		cfg:        cfg,
		metrics:    metrics,
		now:        time.Now,
		log:        slog.With("component", "health_monitor"),
		taskStarts: make(map[string]map[string]time.Time),
	}
}

// Run recomputes health on every tick until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	h.log.Info("Health monitor starting", "interval", h.cfg.HealthCheckInterval)
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("Health monitor stopping")
			return nil
		case <-ticker.C:
			if err := h.CheckAll(ctx); err != nil {
				h.log.Warn("Health check pass failed", "error", err)
			}
		}
	}
}

// CheckAll recomputes health for every agent in the registry.
func (h *HealthMonitor) CheckAll(ctx context.Context) error {
	ids, err := h.store.SetMembers(ctx, store.AgentsAllKey)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	var firstErr error
	for _, id := range ids {
		if err := h.CheckAgent(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckAgent recomputes one agent's scores and status.
func (h *HealthMonitor) CheckAgent(ctx context.Context, agentID string) error {
	reg, err := h.loadRegistration(ctx, agentID)
	if err != nil {
		return err
	}
	m, err := h.Metrics(ctx, agentID)
	if err != nil {
		return err
	}

	now := h.now()
	silence := now.Sub(reg.LastSeen)

	var next models.AgentStatus
	if silence > h.cfg.OfflineThreshold {
		next = models.AgentStatusOffline
		m.PerformanceScore = 0
		m.ReliabilityScore = 0
		m.AvailabilityScore = 0
		m.OverallScore = 0
	} else {
		m.PerformanceScore = h.performanceScore(m)
		m.ReliabilityScore = reliabilityScore(m)
		m.AvailabilityScore = h.availabilityScore(silence)
		m.OverallScore = perfWeight*m.PerformanceScore + relWeight*m.ReliabilityScore + availWeight*m.AvailabilityScore
		next = statusForScore(m.OverallScore)
	}

	prev := m.Status
	m.Status = next
	m.LastHealthCheck = now
	if prev != next {
		m.LastStatusChange = now
	}

	if err := h.store.Put(ctx, store.AgentMetricsKey(agentID), m.Fields()); err != nil {
		return fmt.Errorf("persist metrics for %s: %w", agentID, err)
	}
	h.metrics.SetAgentHealth(agentID, m.OverallScore)

	if prev != next {
		h.log.Info("Agent status changed",
			"agent_id", agentID, "from", prev, "to", next, "overall", m.OverallScore)
		if err := h.updateStatusIndex(ctx, agentID, prev, next); err != nil {
			return err
		}
		if err := h.publisher.PublishAgentStatusChanged(ctx, agentID, prev, next, m.OverallScore); err != nil {
			h.log.Warn("Failed to publish status change", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// InitializeAgent seeds the metrics record for a newly registered agent.
// Re-registration keeps accumulated counters and only refreshes capacity.
func (h *HealthMonitor) InitializeAgent(ctx context.Context, reg *models.AgentRegistration) error {
	existing, err := h.Metrics(ctx, reg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m := existing
	if m == nil {
		m = &models.AgentMetrics{
			AgentID: reg.ID,
			Status:  models.AgentStatusInitializing,
		}
	}
	m.MaxConcurrency = reg.MaxConcurrentTasks
	if err := h.store.Put(ctx, store.AgentMetricsKey(reg.ID), m.Fields()); err != nil {
		return fmt.Errorf("initialize metrics for %s: %w", reg.ID, err)
	}
	return h.store.AddToSet(ctx, store.AgentsByStatusKey(string(m.Status)), reg.ID)
}

// RecordTaskStart notes a dispatch: load goes up and the start time is
// kept for the response-time sample on completion.
func (h *HealthMonitor) RecordTaskStart(ctx context.Context, agentID, taskID string) error {
	h.mu.Lock()
	starts, ok := h.taskStarts[agentID]
	if !ok {
		starts = make(map[string]time.Time)
		h.taskStarts[agentID] = starts
	}
	starts[taskID] = h.now()
	h.mu.Unlock()

	if _, err := h.store.IncrField(ctx, store.AgentMetricsKey(agentID), "current_load", 1); err != nil {
		return fmt.Errorf("increment load for %s: %w", agentID, err)
	}
	return nil
}

// RecordTaskCompletion closes a dispatch: load goes down, the outcome
// counters advance, and the response-time EMA absorbs the sample.
func (h *HealthMonitor) RecordTaskCompletion(ctx context.Context, agentID, taskID string, success bool, taskErr error) error {
	h.mu.Lock()
	var elapsed time.Duration
	if starts, ok := h.taskStarts[agentID]; ok {
		if started, ok := starts[taskID]; ok {
			elapsed = h.now().Sub(started)
			delete(starts, taskID)
		}
	}
	h.mu.Unlock()

	m, err := h.Metrics(ctx, agentID)
	if err != nil {
		return err
	}

	m.TotalTasks++
	if success {
		m.SuccessfulTasks++
	} else {
		m.FailedTasks++
		m.RecentErrors++
		m.ErrorsToday++
		if taskErr != nil {
			h.log.Debug("Task failed on agent", "agent_id", agentID, "task_id", taskID, "error", taskErr)
		}
	}
	if m.CurrentLoad > 0 {
		m.CurrentLoad--
	}
	if elapsed > 0 {
		sample := float64(elapsed.Milliseconds())
		if m.AvgResponseTimeMS == 0 {
			m.AvgResponseTimeMS = sample
		} else {
			m.AvgResponseTimeMS = emaAlpha*sample + (1-emaAlpha)*m.AvgResponseTimeMS
		}
	}

	if err := h.store.Put(ctx, store.AgentMetricsKey(agentID), m.Fields()); err != nil {
		return fmt.Errorf("persist metrics for %s: %w", agentID, err)
	}
	return nil
}

// Metrics loads an agent's metrics record.
func (h *HealthMonitor) Metrics(ctx context.Context, agentID string) (*models.AgentMetrics, error) {
	fields, err := h.store.Get(ctx, store.AgentMetricsKey(agentID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("metrics for %s: %w", agentID, err)
		}
		return nil, err
	}
	return models.AgentMetricsFromFields(fields)
}

func (h *HealthMonitor) loadRegistration(ctx context.Context, agentID string) (*models.AgentRegistration, error) {
	fields, err := h.store.Get(ctx, store.AgentRegistrationKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("registration for %s: %w", agentID, err)
	}
	return models.AgentRegistrationFromFields(fields)
}

func (h *HealthMonitor) updateStatusIndex(ctx context.Context, agentID string, from, to models.AgentStatus) error {
	if from != "" {
		if err := h.store.RemoveFromSet(ctx, store.AgentsByStatusKey(string(from)), agentID); err != nil {
			return err
		}
	}
	return h.store.AddToSet(ctx, store.AgentsByStatusKey(string(to)), agentID)
}

// performanceScore is the mean of the response-time and load scores.
func (h *HealthMonitor) performanceScore(m *models.AgentMetrics) float64 {
	return (ResponseTimeScore(m.AvgResponseTimeMS) + loadScore(m)) / 2
}

// ResponseTimeScore maps an average response time in milliseconds to
// [0,100]: 100 up to one second, then minus 10 per additional second.
func ResponseTimeScore(avgMS float64) float64 {
	overSeconds := (avgMS - 1000) / 1000
	if overSeconds < 0 {
		overSeconds = 0
	}
	score := 100 - overSeconds*10
	if score < 0 {
		return 0
	}
	return score
}

// loadScore penalizes a full agent by up to 50 points.
func loadScore(m *models.AgentMetrics) float64 {
	if m.MaxConcurrency <= 0 {
		return 0
	}
	score := 100 - float64(m.CurrentLoad)/float64(m.MaxConcurrency)*50
	if score < 0 {
		return 0
	}
	return score
}

// reliabilityScore is the success ratio; an agent with no history is
// trusted fully.
func reliabilityScore(m *models.AgentMetrics) float64 {
	if m.TotalTasks == 0 {
		return 100
	}
	return float64(m.SuccessfulTasks) / float64(m.TotalTasks) * 100
}

// availabilityScore buckets heartbeat freshness.
func (h *HealthMonitor) availabilityScore(silence time.Duration) float64 {
	switch {
	case silence <= h.cfg.HeartbeatInterval:
		return 100
	case silence <= 2*h.cfg.HeartbeatInterval:
		return 75
	case silence <= h.cfg.OfflineThreshold:
		return 50
	default:
		return 0
	}
}

// statusForScore maps the overall score to a status. The mapping is
// monotone: a higher score never yields a worse status.
func statusForScore(overall float64) models.AgentStatus {
	switch {
	case overall >= 80:
		return models.AgentStatusHealthy
	case overall >= 60:
		return models.AgentStatusDegraded
	default:
		return models.AgentStatusUnhealthy
	}
}
