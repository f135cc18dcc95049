package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAgentType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"planner", "planner"},
		{"Planner", "planner"},
		{"  backend ", "backend"},
		{"Backend_Agent", "backend"},
		{"testwriter_agent", "testwriter"},
		{"DEVOPS_AGENT", "devops"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAgentType(tt.in))
		})
	}
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "job:j1", JobKey("j1"))
	assert.Equal(t, "task:t1", TaskKey("t1"))
	assert.Equal(t, "feature:f1", FeatureKey("f1"))
	assert.Equal(t, "agent:registration:a1", AgentRegistrationKey("a1"))
	assert.Equal(t, "agent:a1:metrics", AgentMetricsKey("a1"))
	assert.Equal(t, "job:j1:tasks", JobTasksKey("j1"))
	assert.Equal(t, "task:t1:dependencies", TaskDependenciesKey("t1"))
	assert.Equal(t, "task:t1:dependents", TaskDependentsKey("t1"))
	assert.Equal(t, "jobs:status:FAILED", JobsByStatusKey("FAILED"))
	assert.Equal(t, "tasks:status:READY", TasksByStatusKey("READY"))
	assert.Equal(t, "tasks:agent:backend", TasksByAgentTypeKey("backend"))
	assert.Equal(t, "agents:type:frontend", AgentsByTypeKey("frontend"))
	assert.Equal(t, "agents:status:HEALTHY", AgentsByStatusKey("HEALTHY"))
	assert.Equal(t, "capability:golang", CapabilityKey("golang"))
	assert.Equal(t, "job-stream:j1", JobStream("j1"))
	assert.Equal(t, "reply:inv-1", ReplyStream("inv-1"))
	assert.Equal(t, "agent:backend:input", AgentInputStream("Backend_Agent"))
}
