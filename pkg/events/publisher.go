package events

import (
	"context"
	"fmt"
	"time"

	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

// Publisher appends typed events to the store's streams. Job-scoped events
// go to both the per-job stream and the global job-events stream so the
// relay can serve per-job and global subscribers from one tail each.
//
// Each public method accepts the concrete values for one event type and
// owns the frame layout; callers never assemble raw field maps.
type Publisher struct {
	store store.Store
	now   func() time.Time
}

// NewPublisher creates a Publisher on the given store.
func NewPublisher(st store.Store) *Publisher {
	return &Publisher{store: st, now: time.Now}
}

func (p *Publisher) publishJobScoped(ctx context.Context, jobID string, f Frame) error {
	fields, err := frameFields(f)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", f.Type, err)
	}
	if _, err := p.store.Append(ctx, store.JobStream(jobID), fields); err != nil {
		return fmt.Errorf("append %s to job stream: %w", f.Type, err)
	}
	if _, err := p.store.Append(ctx, store.JobEventsStream, fields); err != nil {
		return fmt.Errorf("append %s to job-events stream: %w", f.Type, err)
	}
	return nil
}

// PublishJobStatusChanged announces a job transition with progress counters.
func (p *Publisher) PublishJobStatusChanged(ctx context.Context, job *models.Job, progress models.JobProgress) error {
	return p.publishJobScoped(ctx, job.ID, Frame{
		Type:      EventTypeJobStatusChanged,
		Timestamp: p.now(),
		JobID:     job.ID,
		Data: map[string]any{
			"status": string(job.Status),
			"progress": map[string]any{
				"total":      progress.Total,
				"completed":  progress.Completed,
				"failed":     progress.Failed,
				"running":    progress.Running,
				"pending":    progress.Pending,
				"percentage": progress.Percentage,
			},
		},
	})
}

// PublishTaskStatusChanged announces a task transition.
func (p *Publisher) PublishTaskStatusChanged(ctx context.Context, task *models.Task) error {
	data := map[string]any{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
		"status":     string(task.Status),
	}
	if task.AssignedAgent != "" {
		data["assigned_agent"] = task.AssignedAgent
	}
	if task.Error != nil {
		data["error"] = map[string]any{
			"category": task.Error.Category,
			"message":  task.Error.Message,
		}
	}
	return p.publishJobScoped(ctx, task.JobID, Frame{
		Type:      EventTypeTaskStatusChanged,
		Timestamp: p.now(),
		JobID:     task.JobID,
		Data:      data,
	})
}

// PublishTaskCompleted announces a successful task with its decoded result.
func (p *Publisher) PublishTaskCompleted(ctx context.Context, task *models.Task) error {
	return p.publishJobScoped(ctx, task.JobID, Frame{
		Type:      EventTypeTaskCompleted,
		Timestamp: p.now(),
		JobID:     task.JobID,
		Data: map[string]any{
			"task_id":    task.ID,
			"agent_type": task.AgentType,
			"result":     task.Result,
		},
	})
}

// PublishTaskFailed announces a failed task with its error payload.
func (p *Publisher) PublishTaskFailed(ctx context.Context, task *models.Task) error {
	data := map[string]any{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
	}
	if task.Error != nil {
		data["error"] = map[string]any{
			"category": task.Error.Category,
			"message":  task.Error.Message,
		}
	}
	return p.publishJobScoped(ctx, task.JobID, Frame{
		Type:      EventTypeTaskFailed,
		Timestamp: p.now(),
		JobID:     task.JobID,
		Data:      data,
	})
}

// PublishAgentRegistered announces a new or updated registration on the
// discovery-events stream.
func (p *Publisher) PublishAgentRegistered(ctx context.Context, reg *models.AgentRegistration) error {
	return p.publishAgentEvent(ctx, store.AgentDiscoveryEventsStream, Frame{
		Type:      EventTypeAgentRegistered,
		Timestamp: p.now(),
		Data: map[string]any{
			"agent_id":     reg.ID,
			"agent_type":   reg.Type,
			"capabilities": reg.Capabilities,
		},
	})
}

// PublishAgentDeregistered announces a deregistration.
func (p *Publisher) PublishAgentDeregistered(ctx context.Context, agentID string) error {
	return p.publishAgentEvent(ctx, store.AgentDiscoveryEventsStream, Frame{
		Type:      EventTypeAgentDeregistered,
		Timestamp: p.now(),
		Data:      map[string]any{"agent_id": agentID},
	})
}

// PublishAgentStatusChanged announces a health status transition on the
// health-events stream. Emitted only on transition, not on every check.
func (p *Publisher) PublishAgentStatusChanged(ctx context.Context, agentID string, from, to models.AgentStatus, overall float64) error {
	return p.publishAgentEvent(ctx, store.AgentHealthEventsStream, Frame{
		Type:      EventTypeAgentStatusChange,
		Timestamp: p.now(),
		Data: map[string]any{
			"agent_id":      agentID,
			"from":          string(from),
			"to":            string(to),
			"overall_score": overall,
		},
	})
}

// PublishRoutingDecision records one routing decision.
func (p *Publisher) PublishRoutingDecision(ctx context.Context, data map[string]any) error {
	return p.publishAgentEvent(ctx, store.RoutingDecisionsStream, Frame{
		Type:      EventTypeRoutingDecision,
		Timestamp: p.now(),
		Data:      data,
	})
}

func (p *Publisher) publishAgentEvent(ctx context.Context, stream string, f Frame) error {
	fields, err := frameFields(f)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", f.Type, err)
	}
	if _, err := p.store.Append(ctx, stream, fields); err != nil {
		return fmt.Errorf("append %s to %s: %w", f.Type, stream, err)
	}
	return nil
}
