package api

import (
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// JobResponse wraps a job with its live progress. Tasks are included on
// single-job lookups only.
type JobResponse struct {
	Job      *models.Job        `json:"job"`
	Progress models.JobProgress `json:"progress"`
	Tasks    []*models.Task     `json:"tasks,omitempty"`
}

// JobListResponse is returned by GET /api/v1/jobs. Count is the total
// match count before paging.
type JobListResponse struct {
	Jobs     []*models.Job `json:"jobs"`
	Count    int           `json:"count"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// AgentResponse pairs a registration with its live health metrics.
type AgentResponse struct {
	Registration *models.AgentRegistration `json:"registration"`
	Metrics      *models.AgentMetrics      `json:"metrics,omitempty"`
}

// AgentListResponse is returned by GET /api/v1/agents and
// POST /api/v1/agents/discover.
type AgentListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

// EventRecord is one catch-up event with its stream id, usable as the
// `since` cursor of a follow-up read.
type EventRecord struct {
	ID    string       `json:"id"`
	Event events.Frame `json:"event"`
}

// EventsPageResponse is returned by GET /api/v1/jobs/:id/events.
type EventsPageResponse struct {
	JobID  string        `json:"job_id"`
	Events []EventRecord `json:"events"`
	LastID string        `json:"last_id,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Subscribers int    `json:"subscribers"`
}
