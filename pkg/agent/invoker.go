package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Invoker is the agent implementation contract. An invoker receives the
// invocation context and returns a result; it must respect ctx
// cancellation on long operations. Returning an error means the agent
// runtime itself broke; domain failures go in the Result.
type Invoker interface {
	// Type is the normalized agent type this invoker serves.
	Type() string
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// PlanStep is one entry of a planner's task breakdown. Dependencies refer
// to other steps either by zero-based index or by their eventual task id.
type PlanStep struct {
	AgentType    string `json:"agent_type"`
	Description  string `json:"description"`
	Dependencies []any  `json:"dependencies,omitempty"`
	UseTDD       bool   `json:"use_tdd,omitempty"`
}

// Plan is the structured payload a planner returns.
type Plan struct {
	ProjectType           string     `json:"project_type,omitempty"`
	TechnicalRequirements []string   `json:"technical_requirements,omitempty"`
	Tasks                 []PlanStep `json:"tasks"`
}

// Structured converts the plan to the generic structured-result shape.
func (p *Plan) Structured() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlanFromStructured parses a planner's structured result back into a plan.
func PlanFromStructured(structured map[string]any) (*Plan, error) {
	raw, err := json.Marshal(structured)
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc struct {
	AgentType string
	Fn        func(ctx context.Context, req *Request) (*Result, error)
}

func (f InvokerFunc) Type() string { return f.AgentType }

func (f InvokerFunc) Invoke(ctx context.Context, req *Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// The stub invokers below make the system runnable end to end without a
// model backend: deterministic canned artifacts shaped like the real
// per-type schemas. They back baton-agent's default mode and the
// integration tests.

// StubPlanner breaks every request into a fixed spec/design/coding/test
// pipeline, the coding step flagged for the test-first flow.
type StubPlanner struct{}

func (StubPlanner) Type() string { return "planner" }

func (StubPlanner) Invoke(_ context.Context, req *Request) (*Result, error) {
	plan := &Plan{
		ProjectType:           "library",
		TechnicalRequirements: []string{"deterministic output", "no external services"},
		Tasks: []PlanStep{
			{AgentType: "spec", Description: "Write the specification for: " + req.Description},
			{AgentType: "design", Description: "Design the solution", Dependencies: []any{0}},
			{AgentType: "coding", Description: "Implement the solution", Dependencies: []any{1}, UseTDD: true},
			{AgentType: "review", Description: "Final review", Dependencies: []any{2}},
		},
	}
	structured, err := plan.Structured()
	if err != nil {
		return nil, err
	}
	return &Result{Output: "plan with 4 tasks", Structured: structured}, nil
}

// StubSpec writes a one-paragraph specification.
type StubSpec struct{}

func (StubSpec) Type() string { return "spec" }

func (StubSpec) Invoke(_ context.Context, req *Request) (*Result, error) {
	return &Result{
		Output: "Specification: " + req.Description,
		Structured: map[string]any{
			"sections": []string{"overview", "requirements", "acceptance"},
		},
	}, nil
}

// StubDesign sketches a module layout.
type StubDesign struct{}

func (StubDesign) Type() string { return "design" }

func (StubDesign) Invoke(_ context.Context, req *Request) (*Result, error) {
	return &Result{
		Output: "Design for: " + req.Description,
		Structured: map[string]any{
			"modules": []string{"core", "io"},
		},
	}, nil
}

// StubTestWriter emits a fixed three-function test file.
type StubTestWriter struct{}

func (StubTestWriter) Type() string { return "test" }

func (StubTestWriter) Invoke(_ context.Context, req *Request) (*Result, error) {
	tests := []string{"test_basic", "test_edge_cases", "test_errors"}
	return &Result{
		Output: "3 tests written",
		Structured: map[string]any{
			"test_code":      "def test_basic(): ...\ndef test_edge_cases(): ...\ndef test_errors(): ...",
			"file_count":     1,
			"function_count": len(tests),
			"tests":          tests,
		},
	}, nil
}

// StubCoder returns an implementation. The first attempt against a retry
// prompt echoes the hints back, which is enough for the stub executor to
// mark the run green.
type StubCoder struct{}

func (StubCoder) Type() string { return "coding" }

func (StubCoder) Invoke(_ context.Context, req *Request) (*Result, error) {
	code := "def solve(x):\n    return x"
	if prompt, _ := req.Payload["retry_prompt"].(string); prompt != "" {
		code += "\n# revised"
	}
	return &Result{
		Output:     "implementation ready",
		Structured: map[string]any{"code": code},
	}, nil
}

// StubExecutor simulates a test run: everything fails until there is code,
// then everything passes.
type StubExecutor struct{}

func (StubExecutor) Type() string { return "executor" }

func (StubExecutor) Invoke(_ context.Context, req *Request) (*Result, error) {
	tests := stringSlice(req.Payload["tests"])
	code, _ := req.Payload["code"].(string)
	if strings.TrimSpace(code) == "" {
		return &Result{
			Output: fmt.Sprintf("0 passed, %d failed", len(tests)),
			Structured: map[string]any{
				"passed":        0,
				"failed":        len(tests),
				"failing_tests": tests,
				"exec_time_ms":  40,
			},
		}, nil
	}
	return &Result{
		Output: fmt.Sprintf("%d passed, 0 failed", len(tests)),
		Structured: map[string]any{
			"passed":        len(tests),
			"failed":        0,
			"failing_tests": []string{},
			"exec_time_ms":  35,
		},
	}, nil
}

// StubReviewer approves everything that contains code.
type StubReviewer struct{}

func (StubReviewer) Type() string { return "review" }

func (StubReviewer) Invoke(_ context.Context, req *Request) (*Result, error) {
	code, _ := req.Payload["code"].(string)
	if strings.TrimSpace(code) == "" && req.Payload != nil {
		return &Result{
			Output:     "rejected",
			Structured: map[string]any{"approved": false, "feedback": "no code submitted for review"},
		}, nil
	}
	return &Result{
		Output:     "approved",
		Structured: map[string]any{"approved": true, "feedback": ""},
	}, nil
}

// StubInvokers returns the full default set, one per built-in agent type.
func StubInvokers() []Invoker {
	return []Invoker{
		StubPlanner{}, StubSpec{}, StubDesign{},
		StubTestWriter{}, StubCoder{}, StubExecutor{}, StubReviewer{},
	}
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
