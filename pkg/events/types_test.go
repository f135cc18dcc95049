package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalsFlat(t *testing.T) {
	f := Frame{
		Type:      EventTypeTaskCompleted,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		JobID:     "job-1",
		Data: map[string]any{
			"task_id": "task-9",
			"result":  map[string]any{"output": "done"},
		},
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(raw, &obj))
	assert.Equal(t, "task_completed", obj["event_type"])
	assert.Equal(t, "2026-03-01T12:00:00Z", obj["timestamp"])
	assert.Equal(t, "job-1", obj["job_id"])
	assert.Equal(t, "task-9", obj["task_id"])
	// The result payload stays a decoded object, not a serialized string.
	result, ok := obj["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", result["output"])
}

func TestFrameTerminal(t *testing.T) {
	tests := []struct {
		name     string
		frame    Frame
		terminal bool
	}{
		{"task completed", Frame{Type: EventTypeTaskCompleted}, true},
		{"task failed", Frame{Type: EventTypeTaskFailed}, true},
		{"job completed", Frame{Type: EventTypeJobStatusChanged, Data: map[string]any{"status": "COMPLETED"}}, true},
		{"job failed", Frame{Type: EventTypeJobStatusChanged, Data: map[string]any{"status": "FAILED"}}, true},
		{"job canceled", Frame{Type: EventTypeJobStatusChanged, Data: map[string]any{"status": "CANCELED"}}, true},
		{"job running", Frame{Type: EventTypeJobStatusChanged, Data: map[string]any{"status": "RUNNING"}}, false},
		{"task status change", Frame{Type: EventTypeTaskStatusChanged}, false},
		{"routing decision", Frame{Type: EventTypeRoutingDecision}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.frame.Terminal())
		})
	}
}

func TestFrameFieldsRoundTrip(t *testing.T) {
	in := Frame{
		Type:      EventTypeTaskStatusChanged,
		Timestamp: time.Date(2026, 3, 1, 8, 30, 0, 123456789, time.UTC),
		JobID:     "job-7",
		Data:      map[string]any{"task_id": "t-1", "status": "RUNNING"},
	}

	fields, err := frameFields(in)
	require.NoError(t, err)

	out, err := FrameFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.JobID, out.JobID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, "RUNNING", out.Data["status"])
}

func TestFrameFromFieldsRejectsBadTimestamp(t *testing.T) {
	_, err := FrameFromFields(map[string]string{
		fieldEventType: EventTypePong,
		fieldTimestamp: "yesterday",
	})
	assert.Error(t, err)
}
