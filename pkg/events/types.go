// Package events carries baton's event fabric: typed frames, the publisher
// that appends them to store streams, the connection manager that fans them
// out to live subscribers, and the relay that bridges the two.
package events

import (
	"encoding/json"
	"time"

	"github.com/batonworks/baton/pkg/models"
)

// Event types carried on streams and pushed to subscribers.
const (
	EventTypeConnected         = "connected"
	EventTypeJobStatus         = "job_status"
	EventTypeJobStatusChanged  = "job_status_changed"
	EventTypeTaskStatusChanged = "task_status_changed"
	EventTypeTaskCompleted     = "task_completed"
	EventTypeTaskFailed        = "task_failed"
	EventTypeAgentRegistered   = "agent_registered"
	EventTypeAgentDeregistered = "agent_deregistered"
	EventTypeAgentStatusChange = "agent_status_changed"
	EventTypeRoutingDecision   = "routing_decision"
	EventTypeError             = "error"
	EventTypePong              = "pong"
	EventTypePing              = "ping"
	EventTypeBackpressure      = "backpressure"
)

// Frame is one event as delivered to a subscriber. It marshals flat: the
// Data fields are merged into the top-level object next to event_type and
// timestamp, so result payloads arrive as already-decoded structures.
type Frame struct {
	Type      string
	Timestamp time.Time
	JobID     string
	Data      map[string]any
}

// Terminal reports whether the frame must never be dropped under
// backpressure: task terminations and job transitions into an absorbing
// status.
func (f Frame) Terminal() bool {
	switch f.Type {
	case EventTypeTaskCompleted, EventTypeTaskFailed:
		return true
	case EventTypeJobStatusChanged:
		status, _ := f.Data["status"].(string)
		return models.JobStatus(status).Terminal()
	default:
		return false
	}
}

// MarshalJSON flattens Data into the top-level object. event_type and
// timestamp always win over colliding Data keys.
func (f Frame) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(f.Data)+3)
	for k, v := range f.Data {
		obj[k] = v
	}
	obj["event_type"] = f.Type
	obj["timestamp"] = f.Timestamp.UTC().Format(time.RFC3339Nano)
	if f.JobID != "" {
		obj["job_id"] = f.JobID
	}
	return json.Marshal(obj)
}

// Stream entry field names shared by publisher and relay.
const (
	fieldEventType = "event_type"
	fieldJobID     = "job_id"
	fieldTimestamp = "timestamp"
	fieldData      = "data"
)

// frameFields encodes a frame for a store stream append.
func frameFields(f Frame) (map[string]string, error) {
	fields := map[string]string{
		fieldEventType: f.Type,
		fieldTimestamp: f.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if f.JobID != "" {
		fields[fieldJobID] = f.JobID
	}
	if len(f.Data) > 0 {
		raw, err := json.Marshal(f.Data)
		if err != nil {
			return nil, err
		}
		fields[fieldData] = string(raw)
	}
	return fields, nil
}

// FrameFromFields decodes a stream entry back into a frame. Unknown fields
// are ignored; a missing timestamp yields the zero time.
func FrameFromFields(fields map[string]string) (Frame, error) {
	f := Frame{
		Type:  fields[fieldEventType],
		JobID: fields[fieldJobID],
	}
	if raw := fields[fieldTimestamp]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Frame{}, err
		}
		f.Timestamp = ts
	}
	if raw := fields[fieldData]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Data); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
