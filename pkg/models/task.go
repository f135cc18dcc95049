package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus defines the lifecycle states of a task
type TaskStatus string

const (
	// TaskStatusPending means the task waits for its dependencies
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusQueued means the task was handed to the router
	TaskStatusQueued TaskStatus = "QUEUED"
	// TaskStatusRunning means an agent is executing the task
	TaskStatusRunning TaskStatus = "RUNNING"
	// TaskStatusCompleted means the agent returned a successful result
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed means the task failed after all retries
	TaskStatusFailed TaskStatus = "FAILED"
)

// IsValid checks if the task status is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// rank orders statuses along the only legal path so out-of-order writes can
// be detected.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusQueued:
		return 1
	case TaskStatusRunning:
		return 2
	case TaskStatusCompleted, TaskStatusFailed:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving to next follows
// PENDING→QUEUED→RUNNING→(COMPLETED|FAILED) with no back-edges. Failure is
// reachable from any non-terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskStatusFailed {
		return true
	}
	return next.rank() == s.rank()+1
}

// TaskError is the persisted failure payload of a task
type TaskError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Task is a single unit of agent work inside a job's dependency graph.
type Task struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	AgentType     string         `json:"agent_type"`
	Status        TaskStatus     `json:"status"`
	Description   string         `json:"description"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         *TaskError     `json:"error,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	UseTDD        bool           `json:"use_tdd,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
}

// Fields flattens the task into store hash fields.
func (t *Task) Fields() map[string]string {
	fields := map[string]string{
		"id":             t.ID,
		"job_id":         t.JobID,
		"agent_type":     t.AgentType,
		"status":         string(t.Status),
		"description":    t.Description,
		"dependencies":   encodeStrings(t.Dependencies),
		"assigned_agent": t.AssignedAgent,
		"use_tdd":        encodeBool(t.UseTDD),
		"retry_count":    encodeInt(t.RetryCount),
		"created_at":     encodeTime(t.CreatedAt),
		"updated_at":     encodeTime(t.UpdatedAt),
		"started_at":     encodeTime(t.StartedAt),
		"completed_at":   encodeTime(t.CompletedAt),
	}
	if t.Result != nil {
		raw, _ := json.Marshal(t.Result)
		fields["result"] = string(raw)
	}
	if t.Error != nil {
		raw, _ := json.Marshal(t.Error)
		fields["error"] = string(raw)
	}
	return fields
}

// TaskFromFields rebuilds a task from store hash fields.
func TaskFromFields(fields map[string]string) (*Task, error) {
	t := &Task{
		ID:            fields["id"],
		JobID:         fields["job_id"],
		AgentType:     fields["agent_type"],
		Status:        TaskStatus(fields["status"]),
		Description:   fields["description"],
		AssignedAgent: fields["assigned_agent"],
		UseTDD:        fields["use_tdd"] == "true",
	}
	var err error
	if t.Dependencies, err = decodeStrings(fields["dependencies"]); err != nil {
		return nil, fmt.Errorf("parse task dependencies: %w", err)
	}
	if t.RetryCount, err = decodeInt(fields["retry_count"]); err != nil {
		return nil, fmt.Errorf("parse task retry_count: %w", err)
	}
	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Result); err != nil {
			return nil, fmt.Errorf("parse task result: %w", err)
		}
	}
	if raw := fields["error"]; raw != "" {
		t.Error = &TaskError{}
		if err := json.Unmarshal([]byte(raw), t.Error); err != nil {
			return nil, fmt.Errorf("parse task error: %w", err)
		}
	}
	if t.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}
	if t.UpdatedAt, err = decodeTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse task updated_at: %w", err)
	}
	if t.StartedAt, err = decodeTime(fields["started_at"]); err != nil {
		return nil, fmt.Errorf("parse task started_at: %w", err)
	}
	if t.CompletedAt, err = decodeTime(fields["completed_at"]); err != nil {
		return nil, fmt.Errorf("parse task completed_at: %w", err)
	}
	return t, nil
}

func encodeBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
