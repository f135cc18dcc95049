package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batonworks/baton/pkg/agent"
	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/tdd"
)

// SyncInvoker runs one agent invocation to completion and returns the
// result. The executor implements it on top of reply streams.
type SyncInvoker interface {
	InvokeSync(ctx context.Context, agentType string, req *agent.Request) (*agent.Result, error)
}

// TDDRunner drives one coding task through the test-first cycle: a test
// agent writes failing tests, a coding agent implements against them, an
// executor agent runs them, and a review agent signs off. The phase engine
// owns the feature record; the runner owns the agent conversation.
type TDDRunner struct {
	engine  *tdd.Engine
	policy  *tdd.RetryPolicy
	invoker SyncInvoker
	cfg     config.TDDConfig
	log     *slog.Logger

	// sleep is swapped in tests to skip retry backoffs.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTDDRunner wires the runner.
func NewTDDRunner(engine *tdd.Engine, policy *tdd.RetryPolicy, invoker SyncInvoker, cfg config.TDDConfig) *TDDRunner {
	return &TDDRunner{
		engine:  engine,
		policy:  policy,
		invoker: invoker,
		cfg:     cfg,
		log:     slog.With("component", "tdd_runner"),
		sleep:   sleepCtx,
	}
}

// testArtifacts is the parsed output of the test-writing step.
type testArtifacts struct {
	testCode      string
	tests         []string
	fileCount     int
	functionCount int
}

// testRun is the parsed output of one executor-agent run.
type testRun struct {
	passed       int
	failed       int
	failingTests []string
	execTime     time.Duration
	message      string
}

// Run executes the full cycle for one task. It returns the task result on
// success, or the error the task should fail with.
func (r *TDDRunner) Run(ctx context.Context, task *models.Task) (map[string]any, *models.TaskError) {
	log := r.log.With("task_id", task.ID, "job_id", task.JobID)

	feature, err := r.engine.CreateFeature(ctx, task.JobID, task.ID, task.Description, task.Description)
	if err != nil {
		return nil, &models.TaskError{Category: "store_unavailable", Message: err.Error()}
	}

	artifacts, terr := r.writeTests(ctx, task, feature.ID)
	if terr != nil {
		return nil, terr
	}
	log.Info("Tests written", "tests", len(artifacts.tests))

	// The tests must fail before any implementation exists; passing tests
	// exercise nothing.
	attempt := 1
	initial, terr := r.runTests(ctx, task, feature.ID, attempt, "", artifacts)
	if terr != nil {
		return nil, terr
	}
	if initial.failed == 0 {
		return nil, &models.TaskError{
			Category: "agent_error",
			Message:  "initial test run passed with no implementation; tests are vacuous",
		}
	}
	log.Info("Initial run red", "failed", initial.failed)

	// retries is the cycle-wide budget (capped by MaxTotalRetries);
	// phaseRetries counts attempts within the current red phase and resets
	// once the tests go green.
	var (
		history      []tdd.Failure
		prevFailing  = initial.failingTests
		retryPrompt  string
		retries      int
		phaseRetries int
		code         string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &models.TaskError{Category: "canceled", Message: "run aborted: " + err.Error()}
		}

		attempt++
		code, terr = r.implement(ctx, task, retryPrompt, artifacts)
		if terr != nil {
			return nil, terr
		}

		run, terr := r.runTests(ctx, task, feature.ID, attempt, code, artifacts)
		if terr != nil {
			return nil, terr
		}

		if run.failed > 0 {
			failure := tdd.Failure{
				Category:     tdd.Categorize(run.message),
				Message:      run.message,
				FailingTests: run.failingTests,
				Attempt:      phaseRetries + 1,
			}
			history = append(history, failure)
			if retries >= r.cfg.MaxTotalRetries || !r.policy.ShouldRetry(failure, phaseRetries, history) {
				return nil, &models.TaskError{
					Category: string(failure.Category),
					Message:  fmt.Sprintf("tests still failing after %d attempts: %s", phaseRetries+1, run.message),
				}
			}
			retryPrompt = tdd.BuildRetryPrompt(failure, tdd.Progress(prevFailing, run.failingTests))
			prevFailing = run.failingTests
			retries++
			phaseRetries++
			log.Info("Implementation attempt failed, retrying",
				"attempt", phaseRetries, "category", failure.Category, "failing", run.failed)
			if err := r.sleep(ctx, r.policy.Backoff(failure.Category)); err != nil {
				return nil, &models.TaskError{Category: "canceled", Message: "run aborted during backoff"}
			}
			continue
		}

		phaseRetries = 0
		if err := r.engine.EnterYellow(ctx, feature.ID); err != nil {
			return nil, &models.TaskError{Category: "internal_error", Message: err.Error()}
		}

		approved, feedback, terr := r.review(ctx, task, code, artifacts)
		if terr != nil {
			return nil, terr
		}
		if err := r.engine.ReviewResult(ctx, feature.ID, approved, feedback); err != nil {
			return nil, &models.TaskError{Category: "internal_error", Message: err.Error()}
		}
		if approved {
			break
		}

		retries++
		if retries >= r.cfg.MaxTotalRetries {
			return nil, &models.TaskError{
				Category: "agent_error",
				Message:  fmt.Sprintf("review rejected after %d attempts: %s", retries, feedback),
			}
		}
		retryPrompt = "The review rejected the previous implementation: " + feedback
		log.Info("Review rejected, cycling back", "feedback", feedback)
	}

	if err := r.engine.Complete(ctx, feature.ID); err != nil {
		return nil, &models.TaskError{Category: "internal_error", Message: err.Error()}
	}

	final, err := r.engine.Feature(ctx, feature.ID)
	if err != nil {
		return nil, &models.TaskError{Category: "store_unavailable", Message: err.Error()}
	}
	log.Info("Cycle complete",
		"feature_id", final.ID,
		"fix_iterations", final.TestFixIterations,
		"review_attempts", final.ReviewAttempts)
	return map[string]any{
		"feature_id":      final.ID,
		"code":            code,
		"test_code":       artifacts.testCode,
		"tests":           artifacts.tests,
		"fix_iterations":  final.TestFixIterations,
		"review_attempts": final.ReviewAttempts,
	}, nil
}

func (r *TDDRunner) writeTests(ctx context.Context, task *models.Task, featureID string) (*testArtifacts, *models.TaskError) {
	res, err := r.invoker.InvokeSync(ctx, "test", &agent.Request{
		TaskID:      task.ID,
		JobID:       task.JobID,
		Description: task.Description,
		Payload:     map[string]any{"feature_id": featureID},
	})
	if err != nil {
		return nil, &models.TaskError{Category: "agent_unavailable", Message: err.Error()}
	}
	if res.Failed() {
		return nil, &models.TaskError{Category: "agent_error", Message: "test writing failed: " + res.ErrorMsg}
	}

	artifacts := &testArtifacts{
		testCode:      stringField(res.Structured, "test_code"),
		tests:         stringSliceField(res.Structured, "tests"),
		fileCount:     intField(res.Structured, "file_count"),
		functionCount: intField(res.Structured, "function_count"),
	}
	if artifacts.testCode == "" || len(artifacts.tests) == 0 {
		return nil, &models.TaskError{Category: "agent_error", Message: "test agent returned no tests"}
	}
	if err := r.engine.WriteTests(ctx, featureID, artifacts.fileCount, artifacts.functionCount); err != nil {
		return nil, &models.TaskError{Category: "internal_error", Message: err.Error()}
	}
	return artifacts, nil
}

func (r *TDDRunner) runTests(ctx context.Context, task *models.Task, featureID string, attempt int, code string, artifacts *testArtifacts) (*testRun, *models.TaskError) {
	res, err := r.invoker.InvokeSync(ctx, "executor", &agent.Request{
		TaskID:      task.ID,
		JobID:       task.JobID,
		Description: "run tests for: " + task.Description,
		Payload: map[string]any{
			"code":      code,
			"test_code": artifacts.testCode,
			"tests":     artifacts.tests,
		},
	})
	if err != nil {
		return nil, &models.TaskError{Category: "agent_unavailable", Message: err.Error()}
	}
	if res.Failed() {
		return nil, &models.TaskError{Category: "agent_error", Message: "test execution failed: " + res.ErrorMsg}
	}

	run := &testRun{
		passed:       intField(res.Structured, "passed"),
		failed:       intField(res.Structured, "failed"),
		failingTests: stringSliceField(res.Structured, "failing_tests"),
		execTime:     time.Duration(intField(res.Structured, "exec_time_ms")) * time.Millisecond,
		message:      res.Output,
	}
	if msg := stringField(res.Structured, "message"); msg != "" {
		run.message = msg
	}
	if err := r.engine.RecordTestRun(ctx, featureID, attempt, run.passed, run.failed, run.execTime, run.failingTests); err != nil {
		return nil, &models.TaskError{Category: "internal_error", Message: err.Error()}
	}
	return run, nil
}

func (r *TDDRunner) implement(ctx context.Context, task *models.Task, retryPrompt string, artifacts *testArtifacts) (string, *models.TaskError) {
	payload := map[string]any{"test_code": artifacts.testCode}
	if retryPrompt != "" {
		payload["retry_prompt"] = retryPrompt
	}
	res, err := r.invoker.InvokeSync(ctx, "coding", &agent.Request{
		TaskID:      task.ID,
		JobID:       task.JobID,
		Description: task.Description,
		Payload:     payload,
	})
	if err != nil {
		return "", &models.TaskError{Category: "agent_unavailable", Message: err.Error()}
	}
	if res.Failed() {
		return "", &models.TaskError{Category: "agent_error", Message: "implementation failed: " + res.ErrorMsg}
	}
	code := stringField(res.Structured, "code")
	if code == "" {
		return "", &models.TaskError{Category: "agent_error", Message: "coding agent returned no code"}
	}
	return code, nil
}

func (r *TDDRunner) review(ctx context.Context, task *models.Task, code string, artifacts *testArtifacts) (bool, string, *models.TaskError) {
	res, err := r.invoker.InvokeSync(ctx, "review", &agent.Request{
		TaskID:      task.ID,
		JobID:       task.JobID,
		Description: "review implementation for: " + task.Description,
		Payload: map[string]any{
			"code":      code,
			"test_code": artifacts.testCode,
		},
	})
	if err != nil {
		return false, "", &models.TaskError{Category: "agent_unavailable", Message: err.Error()}
	}
	if res.Failed() {
		return false, "", &models.TaskError{Category: "agent_error", Message: "review failed: " + res.ErrorMsg}
	}
	approved, _ := res.Structured["approved"].(bool)
	return approved, stringField(res.Structured, "feedback"), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringSliceField(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
