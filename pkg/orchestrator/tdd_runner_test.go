package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonworks/baton/pkg/agent"
	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
	"github.com/batonworks/baton/pkg/tdd"
)

// scriptedInvoker answers each agent type from a fixed queue of results
// and records every request for assertions.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses map[string][]*agent.Result
	requests  map[string][]*agent.Request
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		responses: make(map[string][]*agent.Result),
		requests:  make(map[string][]*agent.Request),
	}
}

func (s *scriptedInvoker) on(agentType string, results ...*agent.Result) {
	s.responses[agentType] = append(s.responses[agentType], results...)
}

func (s *scriptedInvoker) InvokeSync(_ context.Context, agentType string, req *agent.Request) (*agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[agentType] = append(s.requests[agentType], req)
	queue := s.responses[agentType]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response left for %s", agentType)
	}
	s.responses[agentType] = queue[1:]
	return queue[0], nil
}

func testsWritten(tests ...string) *agent.Result {
	return &agent.Result{Structured: map[string]any{
		"test_code":      "def test(): ...",
		"file_count":     1,
		"function_count": len(tests),
		"tests":          tests,
	}}
}

func runResult(passed, failed int, failing []string, message string) *agent.Result {
	return &agent.Result{
		Output: message,
		Structured: map[string]any{
			"passed":        passed,
			"failed":        failed,
			"failing_tests": failing,
			"exec_time_ms":  25,
		},
	}
}

func codeResult(code string) *agent.Result {
	return &agent.Result{Structured: map[string]any{"code": code}}
}

func reviewResult(approved bool, feedback string) *agent.Result {
	return &agent.Result{Structured: map[string]any{"approved": approved, "feedback": feedback}}
}

func newTestRunner(t *testing.T, invoker SyncInvoker) (*TDDRunner, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.Default().TDD
	engine := tdd.NewEngine(st, cfg, nil)
	r := NewTDDRunner(engine, tdd.NewRetryPolicy(cfg.MaxPhaseRetries, cfg.MaxStagnationRetries), invoker, cfg)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, st
}

func codingTask() *models.Task {
	return &models.Task{ID: "task-1", JobID: "job-1", AgentType: "coding", Description: "adder", UseTDD: true}
}

func TestRunnerRetriesFailedImplementationWithHints(t *testing.T) {
	inv := newScriptedInvoker()
	inv.on("test", testsWritten("test_add", "test_sub"))
	inv.on("executor",
		runResult(0, 2, []string{"test_add", "test_sub"}, "2 failed"),
		runResult(1, 1, []string{"test_add"}, "AssertionError: expected 4 got 5"),
		runResult(2, 0, nil, "all passed"),
	)
	inv.on("coding", codeResult("v1"), codeResult("v2"))
	inv.on("review", reviewResult(true, ""))

	r, st := newTestRunner(t, inv)
	result, terr := r.Run(context.Background(), codingTask())
	require.Nil(t, terr)
	assert.Equal(t, "v2", result["code"])

	// The second coding request carried the synthesized retry context.
	require.Len(t, inv.requests["coding"], 2)
	first := inv.requests["coding"][0]
	assert.NotContains(t, first.Payload, "retry_prompt")
	second := inv.requests["coding"][1]
	prompt, _ := second.Payload["retry_prompt"].(string)
	assert.Contains(t, prompt, "category: test_failure")
	assert.Contains(t, prompt, "assertion mismatch: expected 4, got 5")
	assert.Contains(t, prompt, "newly pass")

	featureID, _ := result["feature_id"].(string)
	fields, err := st.Get(context.Background(), store.FeatureKey(featureID))
	require.NoError(t, err)
	feature, err := models.FeatureFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, feature.Phase)
	assert.Len(t, feature.TestRuns, 3)
}

func TestRunnerReviewRejectionCyclesBack(t *testing.T) {
	inv := newScriptedInvoker()
	inv.on("test", testsWritten("test_add"))
	inv.on("executor",
		runResult(0, 1, []string{"test_add"}, "1 failed"),
		runResult(1, 0, nil, "passed"),
		runResult(1, 0, nil, "passed"),
	)
	inv.on("coding", codeResult("v1"), codeResult("v2"))
	inv.on("review",
		reviewResult(false, "missing input validation"),
		reviewResult(true, ""),
	)

	r, st := newTestRunner(t, inv)
	result, terr := r.Run(context.Background(), codingTask())
	require.Nil(t, terr)
	assert.Equal(t, "v2", result["code"])
	assert.Equal(t, 1, result["fix_iterations"])
	assert.Equal(t, 2, result["review_attempts"])

	// The rework request carried the reviewer's feedback.
	second := inv.requests["coding"][1]
	prompt, _ := second.Payload["retry_prompt"].(string)
	assert.Contains(t, prompt, "missing input validation")

	featureID, _ := result["feature_id"].(string)
	fields, err := st.Get(context.Background(), store.FeatureKey(featureID))
	require.NoError(t, err)
	feature, err := models.FeatureFromFields(fields)
	require.NoError(t, err)
	assert.Contains(t, feature.ReviewFeedback, "missing input validation")
}

func TestRunnerRejectsVacuousTests(t *testing.T) {
	inv := newScriptedInvoker()
	inv.on("test", testsWritten("test_nothing"))
	inv.on("executor", runResult(1, 0, nil, "passed with no implementation"))

	r, _ := newTestRunner(t, inv)
	_, terr := r.Run(context.Background(), codingTask())
	require.NotNil(t, terr)
	assert.Equal(t, "agent_error", terr.Category)
	assert.Contains(t, terr.Message, "vacuous")
}

func TestRunnerStopsWhenRetryBudgetExhausted(t *testing.T) {
	inv := newScriptedInvoker()
	inv.on("test", testsWritten("test_add"))
	// Initial red run plus endless identical failures.
	fails := []*agent.Result{runResult(0, 1, []string{"test_add"}, "1 failed")}
	for i := 0; i < 12; i++ {
		fails = append(fails, runResult(0, 1, []string{"test_add"},
			"AssertionError: expected 4 got 5 in test_add every time"))
	}
	inv.on("executor", fails...)
	for i := 0; i < 12; i++ {
		inv.on("coding", codeResult(fmt.Sprintf("v%d", i+1)))
	}

	r, _ := newTestRunner(t, inv)
	_, terr := r.Run(context.Background(), codingTask())
	require.NotNil(t, terr)
	assert.Equal(t, string(tdd.CategoryTestFailure), terr.Category)
	assert.Contains(t, terr.Message, "tests still failing")
}

func TestRunnerStopsAtPhaseRetryCap(t *testing.T) {
	// Distinct runtime failures: no category cap and no stagnation, so the
	// per-phase cap is the only thing that can stop the loop. The default
	// total budget (10) must not be what ends it.
	inv := newScriptedInvoker()
	inv.on("test", testsWritten("test_add"))
	runs := []*agent.Result{runResult(0, 1, []string{"test_add"}, "1 failed")}
	for _, word := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"} {
		runs = append(runs, runResult(0, 1, []string{"test_add"}, "RuntimeError: exploded at "+word))
	}
	inv.on("executor", runs...)
	for i := 0; i < 6; i++ {
		inv.on("coding", codeResult(fmt.Sprintf("v%d", i+1)))
	}

	r, _ := newTestRunner(t, inv)
	_, terr := r.Run(context.Background(), codingTask())
	require.NotNil(t, terr)
	assert.Equal(t, string(tdd.CategoryRuntime), terr.Category)
	assert.Contains(t, terr.Message, "after 4 attempts")
	assert.Len(t, inv.requests["coding"], 4,
		"three retries after the first attempt, then stop")
}

func TestRunnerPropagatesAgentFailures(t *testing.T) {
	inv := newScriptedInvoker()
	inv.on("test", agent.Errorf("agent_error", "test model offline"))

	r, _ := newTestRunner(t, inv)
	_, terr := r.Run(context.Background(), codingTask())
	require.NotNil(t, terr)
	assert.Equal(t, "agent_error", terr.Category)
	assert.Contains(t, terr.Message, "test model offline")
}
