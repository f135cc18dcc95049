package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonworks/baton/pkg/agent"
)

func planOf(steps ...agent.PlanStep) *agent.Plan {
	return &agent.Plan{Tasks: steps}
}

func TestTranslateLinearPlan(t *testing.T) {
	tasks, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "write spec"},
		agent.PlanStep{AgentType: "design", Description: "design", Dependencies: []any{float64(0)}},
		agent.PlanStep{AgentType: "coding", Description: "implement", Dependencies: []any{float64(1)}, UseTDD: true},
	))
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Empty(t, tasks[0].Dependencies)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].Dependencies)
	assert.Equal(t, []string{tasks[1].ID}, tasks[2].Dependencies)
	assert.True(t, tasks[2].UseTDD)
	for _, task := range tasks {
		assert.Equal(t, "job-1", task.JobID)
		assert.Equal(t, "PENDING", string(task.Status))
	}
}

func TestTranslateNormalizesAgentTypes(t *testing.T) {
	tasks, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "Coding_Agent", Description: "implement"},
	))
	require.NoError(t, err)
	assert.Equal(t, "coding", tasks[0].AgentType)
}

func TestTranslateDependencyForms(t *testing.T) {
	// Numeric strings resolve as indexes; ints as indexes.
	tasks, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "a"},
		agent.PlanStep{AgentType: "design", Description: "b", Dependencies: []any{"0"}},
		agent.PlanStep{AgentType: "review", Description: "c", Dependencies: []any{0, float64(1)}},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].Dependencies)
	assert.ElementsMatch(t, []string{tasks[0].ID, tasks[1].ID}, tasks[2].Dependencies)
}

func TestTranslateRejectsUnknownAgent(t *testing.T) {
	_, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "sorcery", Description: "cast"},
	))
	var perr *PlanError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "plan_unknown_agent", perr.Category)
}

func TestTranslateRejectsCycles(t *testing.T) {
	var perr *PlanError

	_, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "a", Dependencies: []any{float64(0)}},
	))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "plan_cycle", perr.Category)

	_, err = translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "a", Dependencies: []any{float64(1)}},
		agent.PlanStep{AgentType: "design", Description: "b", Dependencies: []any{float64(0)}},
	))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "plan_cycle", perr.Category)
}

func TestTranslateRejectsBadDependencies(t *testing.T) {
	var perr *PlanError

	_, err := translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "a", Dependencies: []any{float64(7)}},
	))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "dependency_unsatisfied", perr.Category)

	_, err = translatePlan("job-1", planOf(
		agent.PlanStep{AgentType: "spec", Description: "a", Dependencies: []any{"no-such-task"}},
	))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "dependency_unsatisfied", perr.Category)
}

func TestTranslateRejectsEmptyPlan(t *testing.T) {
	var perr *PlanError
	_, err := translatePlan("job-1", planOf())
	require.ErrorAs(t, err, &perr)
}
