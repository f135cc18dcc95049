// Package agent defines the protocol between the orchestrator core and
// worker agents, the Invoker contract an agent implementation fulfills,
// and the Worker runtime that hosts an invoker against the store streams.
package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Work item and result field names on the wire. Work items travel on the
// per-type agent input streams; results and start notices travel on the
// task-results stream or, for synchronous sub-steps, on the work item's
// reply stream.
const (
	FieldKind           = "kind"
	FieldTaskID         = "task_id"
	FieldJobID          = "job_id"
	FieldAgentType      = "agent_type"
	FieldAgentID        = "agent_id"
	FieldDescription    = "description"
	FieldPriority       = "priority"
	FieldTimeoutSeconds = "timeout_seconds"
	FieldPayload        = "payload"
	FieldReplyStream    = "reply_stream"
	FieldInvocationID   = "invocation_id"
	FieldSuccess        = "success"
	FieldOutput         = "output"
	FieldStructured     = "structured"
	FieldErrorType      = "error_type"
	FieldErrorMessage   = "error_message"
)

// Result-entry kinds.
const (
	KindTaskStarted = "task_started"
	KindTaskResult  = "task_result"
)

// Request is the invocation context handed to an agent. Payload carries
// the type-specific fields: test code for coders, feature description and
// criteria for test writers, code plus tests for the executor, artifacts
// for reviewers, the user request for planners.
type Request struct {
	TaskID         string         `json:"task_id"`
	JobID          string         `json:"job_id"`
	AgentType      string         `json:"agent_type"`
	Description    string         `json:"description"`
	Priority       string         `json:"priority,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`

	// ReplyStream and InvocationID are set for synchronous sub-steps:
	// the result goes to the reply stream instead of the shared
	// task-results stream.
	ReplyStream  string `json:"reply_stream,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`
}

// Result is an agent's response: either output plus a structured payload
// conforming to the per-type schema, or an error.
type Result struct {
	Output     string         `json:"output,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`
}

// Failed reports whether the result is an error object.
func (r *Result) Failed() bool { return r.ErrorType != "" }

// Errorf builds an error result.
func Errorf(errorType, format string, args ...any) *Result {
	return &Result{ErrorType: errorType, ErrorMsg: fmt.Sprintf(format, args...)}
}

// Fields encodes a request as work-item stream fields.
func (r *Request) Fields() (map[string]string, error) {
	fields := map[string]string{
		FieldTaskID:      r.TaskID,
		FieldJobID:       r.JobID,
		FieldAgentType:   r.AgentType,
		FieldDescription: r.Description,
	}
	if r.Priority != "" {
		fields[FieldPriority] = r.Priority
	}
	if r.TimeoutSeconds > 0 {
		fields[FieldTimeoutSeconds] = strconv.Itoa(r.TimeoutSeconds)
	}
	if len(r.Payload) > 0 {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode work item payload: %w", err)
		}
		fields[FieldPayload] = string(raw)
	}
	if r.ReplyStream != "" {
		fields[FieldReplyStream] = r.ReplyStream
		fields[FieldInvocationID] = r.InvocationID
	}
	return fields, nil
}

// RequestFromFields decodes a work-item stream entry.
func RequestFromFields(fields map[string]string) (*Request, error) {
	req := &Request{
		TaskID:       fields[FieldTaskID],
		JobID:        fields[FieldJobID],
		AgentType:    fields[FieldAgentType],
		Description:  fields[FieldDescription],
		Priority:     fields[FieldPriority],
		ReplyStream:  fields[FieldReplyStream],
		InvocationID: fields[FieldInvocationID],
	}
	if raw := fields[FieldTimeoutSeconds]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse timeout_seconds: %w", err)
		}
		req.TimeoutSeconds = n
	}
	if raw := fields[FieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			return nil, fmt.Errorf("parse work item payload: %w", err)
		}
	}
	return req, nil
}

// ResultFields encodes a task result for the results or reply stream.
func ResultFields(agentID string, req *Request, res *Result) (map[string]string, error) {
	fields := map[string]string{
		FieldKind:    KindTaskResult,
		FieldTaskID:  req.TaskID,
		FieldJobID:   req.JobID,
		FieldAgentID: agentID,
		FieldSuccess: strconv.FormatBool(!res.Failed()),
	}
	if req.InvocationID != "" {
		fields[FieldInvocationID] = req.InvocationID
	}
	if res.Output != "" {
		fields[FieldOutput] = res.Output
	}
	if len(res.Structured) > 0 {
		raw, err := json.Marshal(res.Structured)
		if err != nil {
			return nil, fmt.Errorf("encode structured result: %w", err)
		}
		fields[FieldStructured] = string(raw)
	}
	if res.Failed() {
		fields[FieldErrorType] = res.ErrorType
		fields[FieldErrorMessage] = res.ErrorMsg
	}
	return fields, nil
}

// StartedFields encodes the start notice sent before an agent begins work.
func StartedFields(agentID string, req *Request) map[string]string {
	return map[string]string{
		FieldKind:    KindTaskStarted,
		FieldTaskID:  req.TaskID,
		FieldJobID:   req.JobID,
		FieldAgentID: agentID,
	}
}

// ResultFromFields decodes a result-stream entry.
func ResultFromFields(fields map[string]string) (*Result, bool, error) {
	success := fields[FieldSuccess] == "true"
	res := &Result{
		Output:    fields[FieldOutput],
		ErrorType: fields[FieldErrorType],
		ErrorMsg:  fields[FieldErrorMessage],
	}
	if raw := fields[FieldStructured]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &res.Structured); err != nil {
			return nil, false, fmt.Errorf("parse structured result: %w", err)
		}
	}
	return res, success, nil
}
