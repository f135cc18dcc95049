// Package orchestrator turns user requests into jobs: it runs the planner,
// translates the plan into a dependency graph of tasks, dispatches ready
// tasks through the coordination plane, consumes agent results, and closes
// jobs when their graphs drain. Coding tasks flagged for the test-first
// flow are delegated to the TDD runner instead of a single work item.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batonworks/baton/pkg/agent"
	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/coordination"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/observability"
	"github.com/batonworks/baton/pkg/store"
	"github.com/batonworks/baton/pkg/tdd"
)

var (
	// ErrJobNotFound is returned for operations on unknown jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskNotFound is returned for operations on unknown tasks.
	ErrTaskNotFound = errors.New("task not found")
	// ErrJobNotCancelable is returned when canceling a COMPLETED or FAILED
	// job. Canceling a CANCELED job is a no-op.
	ErrJobNotCancelable = errors.New("job already finished")
)

// resultsBlock bounds one blocking read of the task-results stream.
const resultsBlock = 2 * time.Second

// Executor owns the job and task lifecycle.
type Executor struct {
	store     store.Store
	router    *coordination.Router
	health    *coordination.HealthMonitor
	publisher *events.Publisher
	metrics   *observability.Metrics
	cfg       config.ExecutorConfig
	tddRunner *TDDRunner
	now       func() time.Time
	log       *slog.Logger

	// jobMu serializes job-level transitions (completion checks, cancel)
	// so two result consumers never race a job into two terminal states.
	jobMu sync.Mutex

	// tddRuns tracks in-flight composite coding tasks for shutdown.
	tddRuns sync.WaitGroup
}

// NewExecutor wires the executor. metrics may be nil.
func NewExecutor(st store.Store, router *coordination.Router, health *coordination.HealthMonitor, publisher *events.Publisher, engine *tdd.Engine, cfg config.ExecutorConfig, tddCfg config.TDDConfig, metrics *observability.Metrics) *Executor {
	e := &Executor{
		store:     st,
		router:    router,
		health:    health,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.With("component", "executor"),
	}
	e.tddRunner = NewTDDRunner(engine, tdd.NewRetryPolicy(tddCfg.MaxPhaseRetries, tddCfg.MaxStagnationRetries), e, tddCfg)
	return e
}

// CreateJob validates the request, persists the job in PLANNING, and
// dispatches the planning task. The job carries no graph tasks until the
// planner's breakdown lands.
func (e *Executor) CreateJob(ctx context.Context, userRequest string, priority models.JobPriority, tags []string) (*models.Job, error) {
	if strings.TrimSpace(userRequest) == "" {
		return nil, &coordination.ValidationError{Field: "user_request", Reason: "must not be empty"}
	}
	if priority == "" {
		priority = models.JobPriorityNormal
	}
	if !priority.IsValid() {
		return nil, &coordination.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", priority)}
	}

	now := e.now()
	job := &models.Job{
		ID:          uuid.New().String(),
		UserRequest: userRequest,
		Status:      models.JobStatusPlanning,
		Priority:    priority,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Put(ctx, store.JobKey(job.ID), job.Fields()); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if err := e.store.AddToSet(ctx, store.JobsAllKey, job.ID); err != nil {
		return nil, err
	}
	if err := e.store.AddToSet(ctx, store.JobsByStatusKey(string(job.Status)), job.ID); err != nil {
		return nil, err
	}
	e.metrics.JobStarted()
	e.log.Info("Job created", "job_id", job.ID, "priority", priority)
	if err := e.publisher.PublishJobStatusChanged(ctx, job, models.JobProgress{}); err != nil {
		e.log.Warn("Failed to publish job_status_changed", "job_id", job.ID, "error", err)
	}

	planner := &models.Task{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		AgentType:   "planner",
		Status:      models.TaskStatusPending,
		Description: userRequest,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Put(ctx, store.TaskKey(planner.ID), planner.Fields()); err != nil {
		return nil, fmt.Errorf("persist planning task: %w", err)
	}
	if err := e.indexNewTask(ctx, planner); err != nil {
		return nil, err
	}
	if err := e.dispatch(ctx, planner, job); err != nil {
		e.log.Error("Failed to dispatch planning task", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Job loads a job record.
func (e *Executor) Job(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := e.store.Get(ctx, store.JobKey(jobID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return models.JobFromFields(fields)
}

// Task loads a task record.
func (e *Executor) Task(ctx context.Context, taskID string) (*models.Task, error) {
	fields, err := e.store.Get(ctx, store.TaskKey(taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	return models.TaskFromFields(fields)
}

// Jobs lists jobs, optionally filtered by status, newest first.
func (e *Executor) Jobs(ctx context.Context, status string) ([]*models.Job, error) {
	key := store.JobsAllKey
	if status != "" {
		key = store.JobsByStatusKey(status)
	}
	ids, err := e.store.SetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := e.Job(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// Progress counts the job's graph tasks per state.
func (e *Executor) Progress(ctx context.Context, job *models.Job) (models.JobProgress, error) {
	var p models.JobProgress
	p.Total = len(job.TaskIDs)
	for _, id := range job.TaskIDs {
		task, err := e.Task(ctx, id)
		if err != nil {
			return p, err
		}
		switch task.Status {
		case models.TaskStatusCompleted:
			p.Completed++
		case models.TaskStatusFailed:
			p.Failed++
		case models.TaskStatusRunning, models.TaskStatusQueued:
			p.Running++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p, nil
}

// CancelJob moves a PLANNING or RUNNING job to CANCELED and fails its
// unfinished tasks with category "canceled". Canceling an already-canceled
// job is a no-op; canceling a finished one is an error.
func (e *Executor) CancelJob(ctx context.Context, jobID string) error {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	job, err := e.Job(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobStatusCanceled:
		return nil
	case models.JobStatusCompleted, models.JobStatusFailed:
		return fmt.Errorf("%w: %s is %s", ErrJobNotCancelable, jobID, job.Status)
	}

	for _, taskID := range job.TaskIDs {
		task, err := e.Task(ctx, taskID)
		if err != nil || task.Status.Terminal() {
			continue
		}
		e.failTask(ctx, task, &models.TaskError{Category: "canceled", Message: "job canceled"})
	}
	job.Error = "canceled by user"
	return e.transitionJob(ctx, job, models.JobStatusCanceled)
}

// RunResults consumes the task-results stream until ctx is canceled.
// Entries are sharded across the configured number of consumers by task id
// so per-task ordering survives the fan-out.
func (e *Executor) RunResults(ctx context.Context) error {
	n := e.cfg.ResultConsumers
	if n <= 0 {
		n = 1
	}
	e.log.Info("Result consumers starting", "consumers", n)

	shards := make([]chan store.Entry, n)
	for i := range shards {
		shards[i] = make(chan store.Entry, 16)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		ch := shards[i]
		g.Go(func() error {
			for entry := range ch {
				e.handleResultEntry(gctx, entry)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		lastID := store.StreamStart
		for {
			entries, err := e.store.ReadFrom(gctx, store.TaskResultsStream, lastID, 64, resultsBlock)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				e.log.Warn("Results read failed, retrying", "error", err)
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}
			for _, entry := range entries {
				lastID = entry.ID
				shard := shardFor(entry.Fields[agent.FieldTaskID], n)
				select {
				case shards[shard] <- entry:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})
	err := g.Wait()
	e.tddRuns.Wait()
	e.log.Info("Result consumers stopped")
	return err
}

func shardFor(taskID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(n))
}

// handleResultEntry applies one results-stream entry. Replayed entries
// are absorbed: started notices only act on QUEUED tasks and results only
// on non-terminal ones.
func (e *Executor) handleResultEntry(ctx context.Context, entry store.Entry) {
	taskID := entry.Fields[agent.FieldTaskID]
	task, err := e.Task(ctx, taskID)
	if err != nil {
		e.log.Warn("Result for unknown task", "task_id", taskID, "entry_id", entry.ID)
		return
	}

	switch entry.Fields[agent.FieldKind] {
	case agent.KindTaskStarted:
		e.handleTaskStarted(ctx, task, entry.Fields[agent.FieldAgentID])
	case agent.KindTaskResult:
		e.handleTaskResult(ctx, task, entry.Fields)
	default:
		e.log.Warn("Unknown result entry kind", "kind", entry.Fields[agent.FieldKind], "entry_id", entry.ID)
	}
}

func (e *Executor) handleTaskStarted(ctx context.Context, task *models.Task, agentID string) {
	if task.Status != models.TaskStatusQueued {
		return
	}
	prev := task.Status
	task.Status = models.TaskStatusRunning
	task.StartedAt = e.now()
	task.UpdatedAt = task.StartedAt
	if agentID != "" {
		task.AssignedAgent = agentID
	}
	if err := e.transitionTask(ctx, task, prev); err != nil {
		e.log.Error("Failed to persist RUNNING task", "task_id", task.ID, "error", err)
		return
	}
	e.publishTaskStatus(ctx, task)
	if agentID != "" {
		if err := e.health.RecordTaskStart(ctx, agentID, task.ID); err != nil {
			e.log.Warn("Failed to record task start", "agent_id", agentID, "error", err)
		}
	}
}

func (e *Executor) handleTaskResult(ctx context.Context, task *models.Task, fields map[string]string) {
	if task.Status.Terminal() {
		// Duplicate delivery or a result for a canceled job.
		return
	}
	res, success, err := agent.ResultFromFields(fields)
	if err != nil {
		e.log.Error("Malformed result", "task_id", task.ID, "error", err)
		e.failTask(ctx, task, &models.TaskError{Category: "internal_error", Message: err.Error()})
		e.afterTaskTerminal(ctx, task)
		return
	}

	// Planner results feed the plan translator instead of the task graph.
	job, err := e.Job(ctx, task.JobID)
	if err != nil {
		e.log.Error("Result for unknown job", "job_id", task.JobID, "task_id", task.ID)
		return
	}
	if task.AgentType == "planner" && job.Status == models.JobStatusPlanning {
		e.handlePlanResult(ctx, job, task, res, success)
		return
	}
	if job.Status.Terminal() {
		// Late result after cancel or failure; the task was already closed.
		return
	}

	if !success {
		e.failTask(ctx, task, &models.TaskError{
			Category: taskErrorCategory(res.ErrorType),
			Message:  res.ErrorMsg,
		})
		e.afterTaskTerminal(ctx, task)
		return
	}

	if task.UseTDD && task.AgentType == "coding" {
		// The single work item answered by the agent is only the signal to
		// start the composite flow when routed directly; composite tasks
		// are never dispatched as plain work items, so reaching this arm
		// means the graph was built without the TDD flag honored.
		e.log.Warn("Plain result for TDD-flagged task", "task_id", task.ID)
	}

	result := res.Structured
	if result == nil {
		result = map[string]any{}
	}
	if res.Output != "" {
		result["output"] = res.Output
	}
	e.completeTask(ctx, task, result)
	e.afterTaskTerminal(ctx, task)
}

// handlePlanResult translates the planner's breakdown into the task graph
// and moves the job to RUNNING, or fails the job when the plan is unusable.
func (e *Executor) handlePlanResult(ctx context.Context, job *models.Job, task *models.Task, res *agent.Result, success bool) {
	if !success {
		e.failTask(ctx, task, &models.TaskError{Category: taskErrorCategory(res.ErrorType), Message: res.ErrorMsg})
		e.failJob(ctx, job, "planning failed: "+res.ErrorMsg)
		return
	}

	plan, err := agent.PlanFromStructured(res.Structured)
	if err != nil {
		e.failTask(ctx, task, &models.TaskError{Category: "internal_error", Message: err.Error()})
		e.failJob(ctx, job, "unparsable plan: "+err.Error())
		return
	}
	tasks, err := translatePlan(job.ID, plan)
	if err != nil {
		var perr *PlanError
		category := "internal_error"
		if errors.As(err, &perr) {
			category = perr.Category
		}
		e.failTask(ctx, task, &models.TaskError{Category: category, Message: err.Error()})
		e.failJob(ctx, job, err.Error())
		return
	}

	e.completeTask(ctx, task, res.Structured)

	now := e.now()
	for _, t := range tasks {
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := e.saveTask(ctx, t); err != nil {
			e.failJob(ctx, job, "persist plan: "+err.Error())
			return
		}
		if err := e.indexNewTask(ctx, t); err != nil {
			e.failJob(ctx, job, err.Error())
			return
		}
		if err := e.store.AddToSet(ctx, store.JobTasksKey(job.ID), t.ID); err != nil {
			e.failJob(ctx, job, err.Error())
			return
		}
		for _, dep := range t.Dependencies {
			if err := e.store.AddToSet(ctx, store.TaskDependenciesKey(t.ID), dep); err != nil {
				e.failJob(ctx, job, err.Error())
				return
			}
			if err := e.store.AddToSet(ctx, store.TaskDependentsKey(dep), t.ID); err != nil {
				e.failJob(ctx, job, err.Error())
				return
			}
		}
		job.TaskIDs = append(job.TaskIDs, t.ID)
	}

	if err := e.transitionJob(ctx, job, models.JobStatusRunning); err != nil {
		e.log.Error("Failed to move job to RUNNING", "job_id", job.ID, "error", err)
		return
	}
	e.log.Info("Plan accepted", "job_id", job.ID, "tasks", len(tasks))

	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			if err := e.dispatch(ctx, t, job); err != nil {
				e.log.Error("Failed to dispatch root task", "task_id", t.ID, "error", err)
			}
		}
	}
}

// dispatch routes one PENDING task to an agent and enqueues its work item.
// Dispatching a task in any other state is a no-op, which makes redundant
// ready-set wakeups harmless.
func (e *Executor) dispatch(ctx context.Context, task *models.Task, job *models.Job) error {
	if task.Status != models.TaskStatusPending {
		return nil
	}
	prev := task.Status
	task.Status = models.TaskStatusQueued
	task.UpdatedAt = e.now()
	if err := e.transitionTask(ctx, task, prev); err != nil {
		return err
	}
	e.publishTaskStatus(ctx, task)

	if task.UseTDD && task.AgentType == "coding" {
		e.startTDDRun(ctx, task)
		return nil
	}

	res, err := e.router.RouteWithRetry(ctx, coordination.Request{
		TaskID:        task.ID,
		TaskType:      task.AgentType,
		Priority:      job.Priority,
		PreferredTags: job.Tags,
		Timeout:       e.cfg.DispatchTimeout,
	})
	if err != nil {
		e.failTask(ctx, task, &models.TaskError{Category: "store_unavailable", Message: err.Error()})
		e.afterTaskTerminal(ctx, task)
		return err
	}
	if !res.Success {
		e.failTask(ctx, task, &models.TaskError{
			Category: routingFailureCategory(res.Reason),
			Message:  fmt.Sprintf("routing failed after %d attempts: %s", res.Attempts, res.Reason),
		})
		e.afterTaskTerminal(ctx, task)
		return nil
	}

	req := &agent.Request{
		TaskID:         task.ID,
		JobID:          task.JobID,
		AgentType:      task.AgentType,
		Description:    task.Description,
		Priority:       string(job.Priority),
		TimeoutSeconds: int(e.cfg.TaskTimeout.Seconds()),
	}
	fields, err := req.Fields()
	if err != nil {
		e.failTask(ctx, task, &models.TaskError{Category: "internal_error", Message: err.Error()})
		e.afterTaskTerminal(ctx, task)
		return err
	}
	if _, err := e.store.Append(ctx, res.InputStream, fields); err != nil {
		e.failTask(ctx, task, &models.TaskError{Category: "store_unavailable", Message: err.Error()})
		e.afterTaskTerminal(ctx, task)
		return err
	}

	task.AssignedAgent = res.AgentID
	task.UpdatedAt = e.now()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	e.log.Info("Task dispatched",
		"task_id", task.ID, "job_id", task.JobID,
		"agent_type", task.AgentType, "agent_id", res.AgentID, "strategy", res.Strategy)
	return nil
}

// startTDDRun executes the composite test-first flow in its own goroutine.
// The runner drives sub-invocations through reply streams; the task itself
// moves RUNNING immediately and closes when the cycle finishes.
func (e *Executor) startTDDRun(ctx context.Context, task *models.Task) {
	prev := task.Status
	task.Status = models.TaskStatusRunning
	task.StartedAt = e.now()
	task.UpdatedAt = task.StartedAt
	if err := e.transitionTask(ctx, task, prev); err != nil {
		e.log.Error("Failed to start TDD task", "task_id", task.ID, "error", err)
		return
	}
	e.publishTaskStatus(ctx, task)

	e.tddRuns.Add(1)
	go func() {
		defer e.tddRuns.Done()
		result, taskErr := e.tddRunner.Run(ctx, task)
		// Reload: the job may have been canceled mid-cycle.
		current, err := e.Task(ctx, task.ID)
		if err != nil || current.Status.Terminal() {
			return
		}
		if taskErr != nil {
			e.failTask(ctx, current, taskErr)
		} else {
			e.completeTask(ctx, current, result)
		}
		e.afterTaskTerminal(ctx, current)
	}()
}

// InvokeSync routes one synchronous sub-invocation, enqueues its work item
// with a dedicated reply stream, and blocks for the answer.
func (e *Executor) InvokeSync(ctx context.Context, agentType string, req *agent.Request) (*agent.Result, error) {
	invocationID := uuid.New().String()
	reply := store.ReplyStream(invocationID)
	req.AgentType = store.NormalizeAgentType(agentType)
	req.ReplyStream = reply
	req.InvocationID = invocationID
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = int(e.cfg.ReplyTimeout.Seconds())
	}

	res, err := e.router.RouteWithRetry(ctx, coordination.Request{
		TaskID:   req.TaskID,
		TaskType: req.AgentType,
		Timeout:  e.cfg.DispatchTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("no %s agent available: %s", req.AgentType, res.Reason)
	}

	fields, err := req.Fields()
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Append(ctx, res.InputStream, fields); err != nil {
		return nil, fmt.Errorf("enqueue %s invocation: %w", req.AgentType, err)
	}
	// Reply streams are transient; expire them so abandoned invocations do
	// not leak keys.
	if err := e.store.Expire(ctx, reply, 2*e.cfg.ReplyTimeout); err != nil {
		e.log.Debug("Failed to set reply stream TTL", "stream", reply, "error", err)
	}

	entries, err := e.store.ReadFrom(ctx, reply, store.StreamStart, 1, e.cfg.ReplyTimeout)
	if err != nil {
		e.router.RecordFailure(ctx, res.AgentID)
		return nil, fmt.Errorf("wait for %s reply: %w", req.AgentType, err)
	}
	if len(entries) == 0 {
		e.router.RecordFailure(ctx, res.AgentID)
		return nil, fmt.Errorf("%s agent %s did not reply within %s", req.AgentType, res.AgentID, e.cfg.ReplyTimeout)
	}

	result, _, err := agent.ResultFromFields(entries[0].Fields)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		e.router.RecordFailure(ctx, res.AgentID)
	} else {
		e.router.RecordSuccess(ctx, res.AgentID)
	}
	return result, nil
}

// completeTask closes a task successfully and stores its result.
func (e *Executor) completeTask(ctx context.Context, task *models.Task, result map[string]any) {
	e.ensureRunning(ctx, task)
	now := e.now()
	prev := task.Status
	task.Status = models.TaskStatusCompleted
	task.Result = result
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := e.transitionTask(ctx, task, prev); err != nil {
		e.log.Error("Failed to persist COMPLETED task", "task_id", task.ID, "error", err)
		return
	}
	e.publishTaskStatus(ctx, task)
	if err := e.publisher.PublishTaskCompleted(ctx, task); err != nil {
		e.log.Warn("Failed to publish task_completed", "task_id", task.ID, "error", err)
	}
	e.recordOutcome(ctx, task, true, nil)
	e.log.Info("Task completed", "task_id", task.ID, "job_id", task.JobID, "agent_type", task.AgentType)
}

// failTask closes a task with an error payload.
func (e *Executor) failTask(ctx context.Context, task *models.Task, taskErr *models.TaskError) {
	now := e.now()
	prev := task.Status
	task.Status = models.TaskStatusFailed
	task.Error = taskErr
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := e.transitionTask(ctx, task, prev); err != nil {
		e.log.Error("Failed to persist FAILED task", "task_id", task.ID, "error", err)
		return
	}
	e.publishTaskStatus(ctx, task)
	if err := e.publisher.PublishTaskFailed(ctx, task); err != nil {
		e.log.Warn("Failed to publish task_failed", "task_id", task.ID, "error", err)
	}
	e.recordOutcome(ctx, task, false, taskErr)
	e.log.Warn("Task failed",
		"task_id", task.ID, "job_id", task.JobID,
		"category", taskErr.Category, "error", taskErr.Message)
}

// ensureRunning inserts the RUNNING edge when a result arrives before the
// start notice was processed.
func (e *Executor) ensureRunning(ctx context.Context, task *models.Task) {
	if task.Status != models.TaskStatusQueued {
		return
	}
	prev := task.Status
	task.Status = models.TaskStatusRunning
	task.StartedAt = e.now()
	task.UpdatedAt = task.StartedAt
	if err := e.transitionTask(ctx, task, prev); err == nil {
		e.publishTaskStatus(ctx, task)
	}
}

// recordOutcome feeds the health monitor, breaker, and task metrics.
func (e *Executor) recordOutcome(ctx context.Context, task *models.Task, success bool, taskErr *models.TaskError) {
	status := "completed"
	if !success {
		status = "failed"
	}
	if !task.StartedAt.IsZero() && !task.CompletedAt.IsZero() {
		e.metrics.ObserveTask(task.AgentType, status, task.CompletedAt.Sub(task.StartedAt).Seconds())
	}
	if task.AssignedAgent == "" {
		return
	}
	if err := e.health.RecordTaskCompletion(ctx, task.AssignedAgent, task.ID, success, taskErr); err != nil {
		e.log.Warn("Failed to record task completion", "agent_id", task.AssignedAgent, "error", err)
	}
	if success {
		e.router.RecordSuccess(ctx, task.AssignedAgent)
	} else if taskErr == nil || taskErr.Category != "canceled" {
		e.router.RecordFailure(ctx, task.AssignedAgent)
	}
}

// afterTaskTerminal wakes ready dependents and re-evaluates the job.
func (e *Executor) afterTaskTerminal(ctx context.Context, task *models.Task) {
	if task.Status == models.TaskStatusCompleted {
		e.wakeDependents(ctx, task)
	}
	if err := e.checkJobCompletion(ctx, task.JobID); err != nil {
		e.log.Warn("Job completion check failed", "job_id", task.JobID, "error", err)
	}
}

// wakeDependents dispatches every dependent whose dependency set is now
// fully COMPLETED.
func (e *Executor) wakeDependents(ctx context.Context, task *models.Task) {
	dependents, err := e.store.SetMembers(ctx, store.TaskDependentsKey(task.ID))
	if err != nil {
		e.log.Warn("Failed to list dependents", "task_id", task.ID, "error", err)
		return
	}
	sort.Strings(dependents)

	job, err := e.Job(ctx, task.JobID)
	if err != nil || job.Status != models.JobStatusRunning {
		return
	}
	for _, depID := range dependents {
		dep, err := e.Task(ctx, depID)
		if err != nil || dep.Status != models.TaskStatusPending {
			continue
		}
		if !e.dependenciesSatisfied(ctx, dep) {
			continue
		}
		if err := e.dispatch(ctx, dep, job); err != nil {
			e.log.Error("Failed to dispatch ready task", "task_id", depID, "error", err)
		}
	}
}

func (e *Executor) dependenciesSatisfied(ctx context.Context, task *models.Task) bool {
	for _, depID := range task.Dependencies {
		dep, err := e.Task(ctx, depID)
		if err != nil || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// checkJobCompletion closes the job when its graph has drained: any FAILED
// task fails the job, a fully COMPLETED graph completes it.
func (e *Executor) checkJobCompletion(ctx context.Context, jobID string) error {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	job, err := e.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.JobStatusPlanning {
		return nil
	}
	progress, err := e.Progress(ctx, job)
	if err != nil {
		return err
	}

	switch {
	case progress.Failed > 0:
		job.Error = e.firstTaskError(ctx, job)
		return e.transitionJob(ctx, job, models.JobStatusFailed)
	case progress.Completed == progress.Total && progress.Total > 0:
		return e.transitionJob(ctx, job, models.JobStatusCompleted)
	default:
		return nil
	}
}

func (e *Executor) firstTaskError(ctx context.Context, job *models.Job) string {
	for _, id := range job.TaskIDs {
		task, err := e.Task(ctx, id)
		if err == nil && task.Error != nil {
			return fmt.Sprintf("task %s: %s", task.ID, task.Error.Error())
		}
	}
	return "task failed"
}

// failJob closes a job as FAILED outside the normal drain path (plan
// errors). Caller need not hold jobMu.
func (e *Executor) failJob(ctx context.Context, job *models.Job, reason string) {
	job.Error = reason
	if err := e.transitionJob(ctx, job, models.JobStatusFailed); err != nil {
		e.log.Error("Failed to fail job", "job_id", job.ID, "error", err)
	}
}

// transitionJob persists a status change, maintains the status indexes,
// publishes the event, and feeds job metrics on terminal edges.
func (e *Executor) transitionJob(ctx context.Context, job *models.Job, next models.JobStatus) error {
	prev := job.Status
	if prev == next {
		return nil
	}
	job.Status = next
	job.UpdatedAt = e.now()
	if err := e.store.Put(ctx, store.JobKey(job.ID), job.Fields()); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	if err := e.store.RemoveFromSet(ctx, store.JobsByStatusKey(string(prev)), job.ID); err != nil {
		return err
	}
	if err := e.store.AddToSet(ctx, store.JobsByStatusKey(string(next)), job.ID); err != nil {
		return err
	}

	progress, err := e.Progress(ctx, job)
	if err != nil {
		progress = models.JobProgress{Total: len(job.TaskIDs)}
	}
	if err := e.publisher.PublishJobStatusChanged(ctx, job, progress); err != nil {
		e.log.Warn("Failed to publish job_status_changed", "job_id", job.ID, "error", err)
	}
	if next.Terminal() {
		e.metrics.JobFinished(string(next))
		e.log.Info("Job finished", "job_id", job.ID, "status", next, "error", job.Error)
	} else {
		e.log.Info("Job status changed", "job_id", job.ID, "from", prev, "to", next)
	}
	return nil
}

func (e *Executor) saveTask(ctx context.Context, task *models.Task) error {
	if err := e.store.Put(ctx, store.TaskKey(task.ID), task.Fields()); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

// indexNewTask seeds the status and agent-type index sets for a freshly
// persisted task.
func (e *Executor) indexNewTask(ctx context.Context, task *models.Task) error {
	if err := e.store.AddToSet(ctx, store.TasksByStatusKey(string(task.Status)), task.ID); err != nil {
		return err
	}
	return e.store.AddToSet(ctx, store.TasksByAgentTypeKey(store.NormalizeAgentType(task.AgentType)), task.ID)
}

// transitionTask persists a task whose status the caller changed from prev
// and moves its id between the tasks:status sets, mirroring how
// transitionJob maintains jobs:status.
func (e *Executor) transitionTask(ctx context.Context, task *models.Task, prev models.TaskStatus) error {
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	if prev == task.Status {
		return nil
	}
	if err := e.store.RemoveFromSet(ctx, store.TasksByStatusKey(string(prev)), task.ID); err != nil {
		return err
	}
	return e.store.AddToSet(ctx, store.TasksByStatusKey(string(task.Status)), task.ID)
}

func (e *Executor) publishTaskStatus(ctx context.Context, task *models.Task) {
	if err := e.publisher.PublishTaskStatusChanged(ctx, task); err != nil {
		e.log.Warn("Failed to publish task_status_changed", "task_id", task.ID, "error", err)
	}
}

// taskErrorCategory maps an agent-reported error type into the task error
// taxonomy.
func taskErrorCategory(errorType string) string {
	switch errorType {
	case "timeout", "agent_error", "internal_error":
		return errorType
	case "":
		return "agent_error"
	default:
		return "agent_error"
	}
}

// routingFailureCategory maps a router reason to a task error category.
func routingFailureCategory(reason string) string {
	switch reason {
	case coordination.ReasonNoAgentsRegistered, coordination.ReasonAllCircuitsOpen:
		return "agent_unavailable"
	default:
		return "routing_failed"
	}
}
