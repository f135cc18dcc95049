package models

import (
	"fmt"
	"time"
)

// RegistrationStatus defines the lifecycle states of an agent registration
type RegistrationStatus string

const (
	RegistrationStatusPending  RegistrationStatus = "PENDING"
	RegistrationStatusActive   RegistrationStatus = "ACTIVE"
	RegistrationStatusInactive RegistrationStatus = "INACTIVE"
	RegistrationStatusFailed   RegistrationStatus = "FAILED"
)

// IsValid checks if the registration status is valid
func (s RegistrationStatus) IsValid() bool {
	switch s {
	case RegistrationStatusPending, RegistrationStatusActive, RegistrationStatusInactive, RegistrationStatusFailed:
		return true
	default:
		return false
	}
}

// AgentStatus is the health classification derived from an agent's overall
// score
type AgentStatus string

const (
	AgentStatusHealthy      AgentStatus = "HEALTHY"
	AgentStatusDegraded     AgentStatus = "DEGRADED"
	AgentStatusUnhealthy    AgentStatus = "UNHEALTHY"
	AgentStatusOffline      AgentStatus = "OFFLINE"
	AgentStatusInitializing AgentStatus = "INITIALIZING"
)

// IsValid checks if the agent status is valid
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusHealthy, AgentStatusDegraded, AgentStatusUnhealthy, AgentStatusOffline, AgentStatusInitializing:
		return true
	default:
		return false
	}
}

// AgentRegistration is the durable record of an agent known to the
// coordination plane.
type AgentRegistration struct {
	ID                 string             `json:"id"`
	Type               string             `json:"type"`
	Capabilities       []string           `json:"capabilities,omitempty"`
	Version            string             `json:"version,omitempty"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks"`
	Priority           int                `json:"priority"`
	Tags               []string           `json:"tags,omitempty"`
	Host               string             `json:"host,omitempty"`
	Port               int                `json:"port,omitempty"`
	Endpoint           string             `json:"endpoint,omitempty"`
	Status             RegistrationStatus `json:"status"`
	RegisteredAt       time.Time          `json:"registered_at"`
	LastSeen           time.Time          `json:"last_seen"`
}

// Fields flattens the registration into store hash fields.
func (a *AgentRegistration) Fields() map[string]string {
	return map[string]string{
		"id":                   a.ID,
		"type":                 a.Type,
		"capabilities":         encodeStrings(a.Capabilities),
		"version":              a.Version,
		"max_concurrent_tasks": encodeInt(a.MaxConcurrentTasks),
		"priority":             encodeInt(a.Priority),
		"tags":                 encodeStrings(a.Tags),
		"host":                 a.Host,
		"port":                 encodeInt(a.Port),
		"endpoint":             a.Endpoint,
		"status":               string(a.Status),
		"registered_at":        encodeTime(a.RegisteredAt),
		"last_seen":            encodeTime(a.LastSeen),
	}
}

// AgentRegistrationFromFields rebuilds a registration from store hash fields.
func AgentRegistrationFromFields(fields map[string]string) (*AgentRegistration, error) {
	a := &AgentRegistration{
		ID:       fields["id"],
		Type:     fields["type"],
		Version:  fields["version"],
		Host:     fields["host"],
		Endpoint: fields["endpoint"],
		Status:   RegistrationStatus(fields["status"]),
	}
	var err error
	if a.Capabilities, err = decodeStrings(fields["capabilities"]); err != nil {
		return nil, fmt.Errorf("parse agent capabilities: %w", err)
	}
	if a.MaxConcurrentTasks, err = decodeInt(fields["max_concurrent_tasks"]); err != nil {
		return nil, fmt.Errorf("parse agent max_concurrent_tasks: %w", err)
	}
	if a.Priority, err = decodeInt(fields["priority"]); err != nil {
		return nil, fmt.Errorf("parse agent priority: %w", err)
	}
	if a.Tags, err = decodeStrings(fields["tags"]); err != nil {
		return nil, fmt.Errorf("parse agent tags: %w", err)
	}
	if a.Port, err = decodeInt(fields["port"]); err != nil {
		return nil, fmt.Errorf("parse agent port: %w", err)
	}
	if a.RegisteredAt, err = decodeTime(fields["registered_at"]); err != nil {
		return nil, fmt.Errorf("parse agent registered_at: %w", err)
	}
	if a.LastSeen, err = decodeTime(fields["last_seen"]); err != nil {
		return nil, fmt.Errorf("parse agent last_seen: %w", err)
	}
	return a, nil
}

// AgentMetrics carries the health monitor's live view of one agent.
type AgentMetrics struct {
	AgentID           string      `json:"agent_id"`
	Status            AgentStatus `json:"status"`
	TotalTasks        int         `json:"total_tasks"`
	SuccessfulTasks   int         `json:"successful_tasks"`
	FailedTasks       int         `json:"failed_tasks"`
	CurrentLoad       int         `json:"current_load"`
	MaxConcurrency    int         `json:"max_concurrency"`
	AvgResponseTimeMS float64     `json:"avg_response_time_ms"`
	RecentErrors      int         `json:"recent_errors"`
	ErrorsToday       int         `json:"errors_today"`
	PerformanceScore  float64     `json:"performance_score"`
	ReliabilityScore  float64     `json:"reliability_score"`
	AvailabilityScore float64     `json:"availability_score"`
	OverallScore      float64     `json:"overall_score"`
	LastStatusChange  time.Time   `json:"last_status_change,omitempty"`
	LastHealthCheck   time.Time   `json:"last_health_check,omitempty"`
}

// LoadHeadroom returns the unused share of the agent's concurrency budget,
// in [0,1].
func (m *AgentMetrics) LoadHeadroom() float64 {
	if m.MaxConcurrency <= 0 {
		return 0
	}
	headroom := 1 - float64(m.CurrentLoad)/float64(m.MaxConcurrency)
	if headroom < 0 {
		return 0
	}
	return headroom
}

// Fields flattens the metrics into store hash fields.
func (m *AgentMetrics) Fields() map[string]string {
	return map[string]string{
		"agent_id":             m.AgentID,
		"status":               string(m.Status),
		"total_tasks":          encodeInt(m.TotalTasks),
		"successful_tasks":     encodeInt(m.SuccessfulTasks),
		"failed_tasks":         encodeInt(m.FailedTasks),
		"current_load":         encodeInt(m.CurrentLoad),
		"max_concurrency":      encodeInt(m.MaxConcurrency),
		"avg_response_time_ms": encodeFloat(m.AvgResponseTimeMS),
		"recent_errors":        encodeInt(m.RecentErrors),
		"errors_today":         encodeInt(m.ErrorsToday),
		"performance_score":    encodeFloat(m.PerformanceScore),
		"reliability_score":    encodeFloat(m.ReliabilityScore),
		"availability_score":   encodeFloat(m.AvailabilityScore),
		"overall_score":        encodeFloat(m.OverallScore),
		"last_status_change":   encodeTime(m.LastStatusChange),
		"last_health_check":    encodeTime(m.LastHealthCheck),
	}
}

// AgentMetricsFromFields rebuilds metrics from store hash fields.
func AgentMetricsFromFields(fields map[string]string) (*AgentMetrics, error) {
	m := &AgentMetrics{
		AgentID: fields["agent_id"],
		Status:  AgentStatus(fields["status"]),
	}
	var err error
	if m.TotalTasks, err = decodeInt(fields["total_tasks"]); err != nil {
		return nil, fmt.Errorf("parse metrics total_tasks: %w", err)
	}
	if m.SuccessfulTasks, err = decodeInt(fields["successful_tasks"]); err != nil {
		return nil, fmt.Errorf("parse metrics successful_tasks: %w", err)
	}
	if m.FailedTasks, err = decodeInt(fields["failed_tasks"]); err != nil {
		return nil, fmt.Errorf("parse metrics failed_tasks: %w", err)
	}
	if m.CurrentLoad, err = decodeInt(fields["current_load"]); err != nil {
		return nil, fmt.Errorf("parse metrics current_load: %w", err)
	}
	if m.MaxConcurrency, err = decodeInt(fields["max_concurrency"]); err != nil {
		return nil, fmt.Errorf("parse metrics max_concurrency: %w", err)
	}
	if m.AvgResponseTimeMS, err = decodeFloat(fields["avg_response_time_ms"]); err != nil {
		return nil, fmt.Errorf("parse metrics avg_response_time_ms: %w", err)
	}
	if m.RecentErrors, err = decodeInt(fields["recent_errors"]); err != nil {
		return nil, fmt.Errorf("parse metrics recent_errors: %w", err)
	}
	if m.ErrorsToday, err = decodeInt(fields["errors_today"]); err != nil {
		return nil, fmt.Errorf("parse metrics errors_today: %w", err)
	}
	if m.PerformanceScore, err = decodeFloat(fields["performance_score"]); err != nil {
		return nil, fmt.Errorf("parse metrics performance_score: %w", err)
	}
	if m.ReliabilityScore, err = decodeFloat(fields["reliability_score"]); err != nil {
		return nil, fmt.Errorf("parse metrics reliability_score: %w", err)
	}
	if m.AvailabilityScore, err = decodeFloat(fields["availability_score"]); err != nil {
		return nil, fmt.Errorf("parse metrics availability_score: %w", err)
	}
	if m.OverallScore, err = decodeFloat(fields["overall_score"]); err != nil {
		return nil, fmt.Errorf("parse metrics overall_score: %w", err)
	}
	if m.LastStatusChange, err = decodeTime(fields["last_status_change"]); err != nil {
		return nil, fmt.Errorf("parse metrics last_status_change: %w", err)
	}
	if m.LastHealthCheck, err = decodeTime(fields["last_health_check"]); err != nil {
		return nil, fmt.Errorf("parse metrics last_health_check: %w", err)
	}
	return m, nil
}
