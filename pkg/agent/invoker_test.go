package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubPlannerProducesParsablePlan(t *testing.T) {
	res, err := StubPlanner{}.Invoke(context.Background(), &Request{Description: "build a calculator"})
	require.NoError(t, err)
	require.False(t, res.Failed())

	plan, err := PlanFromStructured(res.Structured)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4)
	assert.Equal(t, "spec", plan.Tasks[0].AgentType)
	assert.True(t, plan.Tasks[2].UseTDD)
	assert.Contains(t, plan.Tasks[0].Description, "build a calculator")
}

func TestStubExecutorFailsWithoutCode(t *testing.T) {
	req := &Request{Payload: map[string]any{
		"tests": []any{"test_a", "test_b"},
		"code":  "",
	}}
	res, err := StubExecutor{}.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(0), toFloat(res.Structured["passed"]))
	assert.Equal(t, float64(2), toFloat(res.Structured["failed"]))

	req.Payload["code"] = "def solve(): return 1"
	res, err = StubExecutor{}.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(2), toFloat(res.Structured["passed"]))
	assert.Equal(t, float64(0), toFloat(res.Structured["failed"]))
}

func TestStubReviewerVerdicts(t *testing.T) {
	approve, err := StubReviewer{}.Invoke(context.Background(), &Request{
		Payload: map[string]any{"code": "def solve(): ..."},
	})
	require.NoError(t, err)
	assert.Equal(t, true, approve.Structured["approved"])

	reject, err := StubReviewer{}.Invoke(context.Background(), &Request{
		Payload: map[string]any{"code": "   "},
	})
	require.NoError(t, err)
	assert.Equal(t, false, reject.Structured["approved"])
	assert.NotEmpty(t, reject.Structured["feedback"])
}

func TestStubInvokersCoverBuiltinTypes(t *testing.T) {
	seen := map[string]bool{}
	for _, inv := range StubInvokers() {
		seen[inv.Type()] = true
	}
	for _, typ := range []string{"planner", "spec", "design", "test", "coding", "executor", "review"} {
		assert.True(t, seen[typ], typ)
	}
}

func toFloat(v any) float64 {
	switch vv := v.(type) {
	case int:
		return float64(vv)
	case float64:
		return vv
	default:
		return -1
	}
}
