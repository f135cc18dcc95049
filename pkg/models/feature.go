package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TDDPhase defines the phases of a feature's test-driven cycle
type TDDPhase string

const (
	// PhaseRed means failing tests exist and implementation is underway
	PhaseRed TDDPhase = "RED"
	// PhaseYellow means all tests pass and the work awaits review
	PhaseYellow TDDPhase = "YELLOW"
	// PhaseGreen means the review approved the implementation
	PhaseGreen TDDPhase = "GREEN"
	// PhaseComplete means the cycle finished; no further transitions
	PhaseComplete TDDPhase = "COMPLETE"
)

// IsValid checks if the phase is valid
func (p TDDPhase) IsValid() bool {
	switch p {
	case PhaseRed, PhaseYellow, PhaseGreen, PhaseComplete:
		return true
	default:
		return false
	}
}

// Terminal reports whether the phase is absorbing.
func (p TDDPhase) Terminal() bool { return p == PhaseComplete }

// CanTransitionTo reports whether from→to is a legal cycle edge.
func (p TDDPhase) CanTransitionTo(to TDDPhase) bool {
	switch p {
	case PhaseRed:
		return to == PhaseYellow
	case PhaseYellow:
		return to == PhaseGreen || to == PhaseRed
	case PhaseGreen:
		return to == PhaseComplete
	default:
		return false
	}
}

// PhaseTransition is one entry of a feature's ordered transition log
type PhaseTransition struct {
	From TDDPhase  `json:"from"`
	To   TDDPhase  `json:"to"`
	At   time.Time `json:"at"`
}

// TestRun records one test execution attempt
type TestRun struct {
	Attempt    int       `json:"attempt"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	ExecTimeMS float64   `json:"exec_time_ms"`
	At         time.Time `json:"at"`
}

// Feature is the unit a TDD cycle operates on. It belongs to a coding task
// and carries the cycle's full measurement history.
type Feature struct {
	ID                 string                     `json:"id"`
	Title              string                     `json:"title"`
	Description        string                     `json:"description,omitempty"`
	JobID              string                     `json:"job_id"`
	TaskID             string                     `json:"task_id"`
	Phase              TDDPhase                   `json:"phase"`
	PhaseEnteredAt     time.Time                  `json:"phase_entered_at"`
	Transitions        []PhaseTransition          `json:"transitions,omitempty"`
	PhaseDurations     map[TDDPhase]time.Duration `json:"phase_durations,omitempty"`
	TestFixIterations  int                        `json:"test_fix_iterations"`
	ReviewAttempts     int                        `json:"review_attempts"`
	TestsWritten       bool                       `json:"tests_written"`
	TestFileCount      int                        `json:"test_file_count"`
	TestFunctionCount  int                        `json:"test_function_count"`
	TestRuns           []TestRun                  `json:"test_runs,omitempty"`
	FailingTests       []string                   `json:"failing_tests,omitempty"`
	PersistentFailures []string                   `json:"persistent_failures,omitempty"`
	ReviewFeedback     []string                   `json:"review_feedback,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// LastTestRun returns the most recent test execution, or nil.
func (f *Feature) LastTestRun() *TestRun {
	if len(f.TestRuns) == 0 {
		return nil
	}
	return &f.TestRuns[len(f.TestRuns)-1]
}

// Fields flattens the feature into store hash fields.
func (f *Feature) Fields() map[string]string {
	fields := map[string]string{
		"id":                  f.ID,
		"title":               f.Title,
		"description":         f.Description,
		"job_id":              f.JobID,
		"task_id":             f.TaskID,
		"phase":               string(f.Phase),
		"phase_entered_at":    encodeTime(f.PhaseEnteredAt),
		"test_fix_iterations": encodeInt(f.TestFixIterations),
		"review_attempts":     encodeInt(f.ReviewAttempts),
		"tests_written":       encodeBool(f.TestsWritten),
		"test_file_count":     encodeInt(f.TestFileCount),
		"test_function_count": encodeInt(f.TestFunctionCount),
		"failing_tests":       encodeStrings(f.FailingTests),
		"persistent_failures": encodeStrings(f.PersistentFailures),
		"review_feedback":     encodeStrings(f.ReviewFeedback),
		"created_at":          encodeTime(f.CreatedAt),
		"updated_at":          encodeTime(f.UpdatedAt),
	}
	if len(f.Transitions) > 0 {
		raw, _ := json.Marshal(f.Transitions)
		fields["transitions"] = string(raw)
	}
	if len(f.PhaseDurations) > 0 {
		raw, _ := json.Marshal(f.PhaseDurations)
		fields["phase_durations"] = string(raw)
	}
	if len(f.TestRuns) > 0 {
		raw, _ := json.Marshal(f.TestRuns)
		fields["test_runs"] = string(raw)
	}
	return fields
}

// FeatureFromFields rebuilds a feature from store hash fields.
func FeatureFromFields(fields map[string]string) (*Feature, error) {
	f := &Feature{
		ID:           fields["id"],
		Title:        fields["title"],
		Description:  fields["description"],
		JobID:        fields["job_id"],
		TaskID:       fields["task_id"],
		Phase:        TDDPhase(fields["phase"]),
		TestsWritten: fields["tests_written"] == "true",
	}
	var err error
	if f.PhaseEnteredAt, err = decodeTime(fields["phase_entered_at"]); err != nil {
		return nil, fmt.Errorf("parse feature phase_entered_at: %w", err)
	}
	if f.TestFixIterations, err = decodeInt(fields["test_fix_iterations"]); err != nil {
		return nil, fmt.Errorf("parse feature test_fix_iterations: %w", err)
	}
	if f.ReviewAttempts, err = decodeInt(fields["review_attempts"]); err != nil {
		return nil, fmt.Errorf("parse feature review_attempts: %w", err)
	}
	if f.TestFileCount, err = decodeInt(fields["test_file_count"]); err != nil {
		return nil, fmt.Errorf("parse feature test_file_count: %w", err)
	}
	if f.TestFunctionCount, err = decodeInt(fields["test_function_count"]); err != nil {
		return nil, fmt.Errorf("parse feature test_function_count: %w", err)
	}
	if f.FailingTests, err = decodeStrings(fields["failing_tests"]); err != nil {
		return nil, fmt.Errorf("parse feature failing_tests: %w", err)
	}
	if f.PersistentFailures, err = decodeStrings(fields["persistent_failures"]); err != nil {
		return nil, fmt.Errorf("parse feature persistent_failures: %w", err)
	}
	if f.ReviewFeedback, err = decodeStrings(fields["review_feedback"]); err != nil {
		return nil, fmt.Errorf("parse feature review_feedback: %w", err)
	}
	if raw := fields["transitions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Transitions); err != nil {
			return nil, fmt.Errorf("parse feature transitions: %w", err)
		}
	}
	if raw := fields["phase_durations"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.PhaseDurations); err != nil {
			return nil, fmt.Errorf("parse feature phase_durations: %w", err)
		}
	}
	if raw := fields["test_runs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.TestRuns); err != nil {
			return nil, fmt.Errorf("parse feature test_runs: %w", err)
		}
	}
	if f.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse feature created_at: %w", err)
	}
	if f.UpdatedAt, err = decodeTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse feature updated_at: %w", err)
	}
	return f, nil
}
