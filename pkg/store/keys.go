package store

import "strings"

// Key and stream name builders. Every component addresses the store
// through these so the keyspace layout lives in one place.

// Record keys.
func JobKey(jobID string) string                { return "job:" + jobID }
func TaskKey(taskID string) string              { return "task:" + taskID }
func FeatureKey(featureID string) string        { return "feature:" + featureID }
func AgentRegistrationKey(agentID string) string { return "agent:registration:" + agentID }
func AgentMetricsKey(agentID string) string     { return "agent:" + agentID + ":metrics" }

// RoutingStatisticsKey aggregates per-strategy routing counters.
const RoutingStatisticsKey = "routing:statistics"

// Set index keys.
func JobTasksKey(jobID string) string          { return "job:" + jobID + ":tasks" }
func TaskDependenciesKey(taskID string) string { return "task:" + taskID + ":dependencies" }
func TaskDependentsKey(taskID string) string   { return "task:" + taskID + ":dependents" }
func JobsByStatusKey(status string) string     { return "jobs:status:" + status }
func TasksByStatusKey(status string) string    { return "tasks:status:" + status }
func TasksByAgentTypeKey(agentType string) string { return "tasks:agent:" + agentType }

const (
	AgentsAllKey = "agents:all"
	JobsAllKey   = "jobs:all"
)

func AgentsByTypeKey(agentType string) string { return "agents:type:" + agentType }
func AgentsByStatusKey(status string) string  { return "agents:status:" + status }
func CapabilityKey(capability string) string  { return "capability:" + capability }

// Stream names.
const (
	// JobEventsStream carries every job-scoped event for global subscribers.
	JobEventsStream = "job-events"

	// AgentAnnouncementsStream carries registration, heartbeat, and
	// deregistration messages from agents.
	AgentAnnouncementsStream = "agent-announcements"

	// AgentHealthEventsStream carries agent status transitions.
	AgentHealthEventsStream = "agent-health-events"

	// AgentDiscoveryEventsStream carries register/deregister events.
	AgentDiscoveryEventsStream = "agent-discovery-events"

	// RoutingDecisionsStream records every routing decision.
	RoutingDecisionsStream = "routing-decisions"

	// TaskResultsStream carries completed work items back to the executor.
	TaskResultsStream = "task-results"
)

// JobStream is the per-job event stream.
func JobStream(jobID string) string { return "job-stream:" + jobID }

// ReplyStream is the transient per-invocation reply stream used for
// synchronous agent sub-steps. Reply streams carry a TTL.
func ReplyStream(invocationID string) string { return "reply:" + invocationID }

// AgentInputStream returns the canonical work-item stream for an agent
// type. There is exactly one naming rule per environment; all producers
// and consumers derive the name through NormalizeAgentType first.
func AgentInputStream(agentType string) string {
	return "agent:" + NormalizeAgentType(agentType) + ":input"
}

// NormalizeAgentType maps an agent type to its canonical spelling:
// lowercase, surrounding whitespace removed, and a legacy "_agent"
// suffix stripped.
func NormalizeAgentType(agentType string) string {
	t := strings.ToLower(strings.TrimSpace(agentType))
	t = strings.TrimSuffix(t, "_agent")
	return t
}
