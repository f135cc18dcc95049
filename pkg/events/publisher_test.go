package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

func readAll(t *testing.T, st store.Store, stream string) []store.Entry {
	t.Helper()
	entries, err := st.ReadFrom(context.Background(), stream, store.StreamStart, 100, 0)
	require.NoError(t, err)
	return entries
}

func TestPublishJobStatusChangedFansOutToBothStreams(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPublisher(st)

	job := &models.Job{ID: "job-1", Status: models.JobStatusRunning}
	require.NoError(t, p.PublishJobStatusChanged(context.Background(), job, models.JobProgress{Total: 3, Pending: 3}))

	perJob := readAll(t, st, store.JobStream("job-1"))
	global := readAll(t, st, store.JobEventsStream)
	require.Len(t, perJob, 1)
	require.Len(t, global, 1)

	frame, err := FrameFromFields(perJob[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, EventTypeJobStatusChanged, frame.Type)
	assert.Equal(t, "RUNNING", frame.Data["status"])
	progress, ok := frame.Data["progress"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, progress["total"])
}

func TestPublishTaskEvents(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPublisher(st)
	ctx := context.Background()

	task := &models.Task{
		ID:        "task-1",
		JobID:     "job-1",
		AgentType: "coding",
		Status:    models.TaskStatusCompleted,
		Result:    map[string]any{"output": "ok"},
	}
	require.NoError(t, p.PublishTaskStatusChanged(ctx, task))
	require.NoError(t, p.PublishTaskCompleted(ctx, task))

	task.Status = models.TaskStatusFailed
	task.Error = &models.TaskError{Category: "timeout", Message: "deadline exceeded"}
	require.NoError(t, p.PublishTaskFailed(ctx, task))

	entries := readAll(t, st, store.JobStream("job-1"))
	require.Len(t, entries, 3)

	completed, err := FrameFromFields(entries[1].Fields)
	require.NoError(t, err)
	result, ok := completed.Data["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", result["output"])

	failed, err := FrameFromFields(entries[2].Fields)
	require.NoError(t, err)
	errObj, ok := failed.Data["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "timeout", errObj["category"])
}

func TestPublishAgentEventsUseDedicatedStreams(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPublisher(st)
	ctx := context.Background()

	reg := &models.AgentRegistration{ID: "agent-1", Type: "coding", Capabilities: []string{"code_generation"}}
	require.NoError(t, p.PublishAgentRegistered(ctx, reg))
	require.NoError(t, p.PublishAgentDeregistered(ctx, "agent-1"))
	require.NoError(t, p.PublishAgentStatusChanged(ctx, "agent-1", models.AgentStatusHealthy, models.AgentStatusDegraded, 72.5))
	require.NoError(t, p.PublishRoutingDecision(ctx, map[string]any{"strategy": "HEALTH_AWARE"}))

	assert.Len(t, readAll(t, st, store.AgentDiscoveryEventsStream), 2)
	assert.Len(t, readAll(t, st, store.AgentHealthEventsStream), 1)
	assert.Len(t, readAll(t, st, store.RoutingDecisionsStream), 1)
	// Agent events never pollute the job streams.
	assert.Empty(t, readAll(t, st, store.JobEventsStream))
}

func TestPublishedStreamIDsIncrease(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPublisher(st)
	ctx := context.Background()

	job := &models.Job{ID: "job-1", Status: models.JobStatusRunning}
	for i := 0; i < 5; i++ {
		require.NoError(t, p.PublishJobStatusChanged(ctx, job, models.JobProgress{}))
	}
	entries := readAll(t, st, store.JobStream("job-1"))
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].ID, entries[i].ID)
	}
}
