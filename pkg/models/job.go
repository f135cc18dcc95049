package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobStatus defines the lifecycle states of a job
type JobStatus string

const (
	// JobStatusPlanning means the planner has not produced a task graph yet
	JobStatusPlanning JobStatus = "PLANNING"
	// JobStatusRunning means tasks are being dispatched and executed
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted means every task finished successfully
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed means at least one task failed
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusCanceled means the job was canceled before completion
	JobStatusCanceled JobStatus = "CANCELED"
)

// IsValid checks if the job status is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPlanning, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// JobPriority orders jobs for priority-based routing
type JobPriority string

const (
	JobPriorityLow      JobPriority = "LOW"
	JobPriorityNormal   JobPriority = "NORMAL"
	JobPriorityHigh     JobPriority = "HIGH"
	JobPriorityCritical JobPriority = "CRITICAL"
)

// IsValid checks if the priority is valid
func (p JobPriority) IsValid() bool {
	switch p {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriorityCritical:
		return true
	default:
		return false
	}
}

// Weight maps a priority to a numeric rank, higher = more urgent.
func (p JobPriority) Weight() int {
	switch p {
	case JobPriorityCritical:
		return 3
	case JobPriorityHigh:
		return 2
	case JobPriorityNormal:
		return 1
	default:
		return 0
	}
}

// Job is the top-level user request and the root of its task graph.
type Job struct {
	ID          string      `json:"id"`
	UserRequest string      `json:"user_request"`
	Status      JobStatus   `json:"status"`
	TaskIDs     []string    `json:"task_ids"`
	Priority    JobPriority `json:"priority"`
	Tags        []string    `json:"tags,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// JobProgress summarizes task counts for job status events
type JobProgress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Running    int     `json:"running"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}

// Fields flattens the job into store hash fields.
func (j *Job) Fields() map[string]string {
	return map[string]string{
		"id":           j.ID,
		"user_request": j.UserRequest,
		"status":       string(j.Status),
		"task_ids":     encodeStrings(j.TaskIDs),
		"priority":     string(j.Priority),
		"tags":         encodeStrings(j.Tags),
		"error":        j.Error,
		"created_at":   encodeTime(j.CreatedAt),
		"updated_at":   encodeTime(j.UpdatedAt),
	}
}

// JobFromFields rebuilds a job from store hash fields.
func JobFromFields(fields map[string]string) (*Job, error) {
	j := &Job{
		ID:          fields["id"],
		UserRequest: fields["user_request"],
		Status:      JobStatus(fields["status"]),
		Priority:    JobPriority(fields["priority"]),
		Error:       fields["error"],
	}
	var err error
	if j.TaskIDs, err = decodeStrings(fields["task_ids"]); err != nil {
		return nil, fmt.Errorf("parse job task_ids: %w", err)
	}
	if j.Tags, err = decodeStrings(fields["tags"]); err != nil {
		return nil, fmt.Errorf("parse job tags: %w", err)
	}
	if j.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse job created_at: %w", err)
	}
	if j.UpdatedAt, err = decodeTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse job updated_at: %w", err)
	}
	return j, nil
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(values)
	return string(raw)
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func encodeInt(n int) string { return strconv.Itoa(n) }

func decodeInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func encodeFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func decodeFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}
