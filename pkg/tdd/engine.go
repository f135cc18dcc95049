// Package tdd drives features through the RED/YELLOW/GREEN cycle: tests
// first, implementation until they pass, review before the cycle closes.
// The engine owns feature records in the store and is the only writer of
// phase transitions; retry policy and failure analysis live alongside it.
package tdd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/observability"
	"github.com/batonworks/baton/pkg/store"
)

// ErrFeatureNotFound is returned for operations on unknown features.
var ErrFeatureNotFound = errors.New("feature not found")

// TransitionError reports an attempted illegal phase edge.
type TransitionError struct {
	FeatureID string
	From      models.TDDPhase
	To        models.TDDPhase
	Reason    string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("feature %s: illegal transition %s -> %s: %s", e.FeatureID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("feature %s: illegal transition %s -> %s", e.FeatureID, e.From, e.To)
}

// Engine is the per-feature phase machine. All state lives in the store;
// the engine itself is stateless and safe for concurrent use across
// distinct features.
type Engine struct {
	store   store.Store
	cfg     config.TDDConfig
	metrics *observability.Metrics
	now     func() time.Time
	log     *slog.Logger
}

// NewEngine creates a phase engine. metrics may be nil.
func NewEngine(st store.Store, cfg config.TDDConfig, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		log:     slog.With("component", "tdd_engine"),
	}
}

// CreateFeature mints a feature in RED with its phase timer open.
func (e *Engine) CreateFeature(ctx context.Context, jobID, taskID, title, description string) (*models.Feature, error) {
	now := e.now()
	f := &models.Feature{
		ID:             uuid.New().String(),
		Title:          title,
		Description:    description,
		JobID:          jobID,
		TaskID:         taskID,
		Phase:          models.PhaseRed,
		PhaseEnteredAt: now,
		PhaseDurations: make(map[models.TDDPhase]time.Duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.save(ctx, f); err != nil {
		return nil, err
	}
	e.log.Info("Feature created", "feature_id", f.ID, "task_id", taskID, "title", title)
	return f, nil
}

// Feature loads a feature record.
func (e *Engine) Feature(ctx context.Context, featureID string) (*models.Feature, error) {
	fields, err := e.store.Get(ctx, store.FeatureKey(featureID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, featureID)
		}
		return nil, err
	}
	return models.FeatureFromFields(fields)
}

// WriteTests records the test artifacts produced for the feature.
func (e *Engine) WriteTests(ctx context.Context, featureID string, fileCount, functionCount int) error {
	f, err := e.Feature(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Phase != models.PhaseRed {
		return &TransitionError{FeatureID: featureID, From: f.Phase, To: f.Phase, Reason: "tests are written in RED"}
	}
	f.TestsWritten = true
	f.TestFileCount = fileCount
	f.TestFunctionCount = functionCount
	f.UpdatedAt = e.now()
	return e.save(ctx, f)
}

// RecordTestRun appends one test execution to the feature's history and
// refreshes the failing-test bookkeeping. Tests still failing from the
// previous run join the persistent-failure set.
func (e *Engine) RecordTestRun(ctx context.Context, featureID string, attempt, passed, failed int, execTime time.Duration, failingTests []string) error {
	f, err := e.Feature(ctx, featureID)
	if err != nil {
		return err
	}

	previous := make(map[string]bool, len(f.FailingTests))
	for _, name := range f.FailingTests {
		previous[name] = true
	}
	for _, name := range failingTests {
		if previous[name] && !contains(f.PersistentFailures, name) {
			f.PersistentFailures = append(f.PersistentFailures, name)
		}
	}
	f.FailingTests = failingTests
	f.TestRuns = append(f.TestRuns, models.TestRun{
		Attempt:    attempt,
		Passed:     passed,
		Failed:     failed,
		ExecTimeMS: float64(execTime.Milliseconds()),
		At:         e.now(),
	})
	f.UpdatedAt = e.now()

	e.log.Debug("Test run recorded",
		"feature_id", featureID, "attempt", attempt, "passed", passed, "failed", failed)
	return e.save(ctx, f)
}

// EnterYellow moves RED -> YELLOW. Only permitted when the last recorded
// test run has zero failures. A return after a review rejection counts a
// fix iteration.
func (e *Engine) EnterYellow(ctx context.Context, featureID string) error {
	f, err := e.Feature(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Phase != models.PhaseRed {
		return &TransitionError{FeatureID: featureID, From: f.Phase, To: models.PhaseYellow}
	}
	last := f.LastTestRun()
	if last == nil {
		return &TransitionError{FeatureID: featureID, From: f.Phase, To: models.PhaseYellow, Reason: "no test run recorded"}
	}
	if last.Failed > 0 {
		return &TransitionError{
			FeatureID: featureID, From: f.Phase, To: models.PhaseYellow,
			Reason: fmt.Sprintf("%d tests still failing", last.Failed),
		}
	}

	if n := len(f.Transitions); n > 0 && f.Transitions[n-1].From == models.PhaseYellow && f.Transitions[n-1].To == models.PhaseRed {
		f.TestFixIterations++
	}
	e.transition(f, models.PhaseYellow)
	return e.save(ctx, f)
}

// ReviewResult applies a review verdict in YELLOW. Approval moves to GREEN
// and clears the YELLOW context; rejection returns to RED, preserving the
// feedback list and the review-attempt counter for the next cycle.
func (e *Engine) ReviewResult(ctx context.Context, featureID string, approved bool, feedback string) error {
	f, err := e.Feature(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Phase != models.PhaseYellow {
		return &TransitionError{FeatureID: featureID, From: f.Phase, To: models.PhaseGreen, Reason: "review happens in YELLOW"}
	}
	f.ReviewAttempts++
	if approved {
		e.transition(f, models.PhaseGreen)
		f.FailingTests = nil
		e.log.Info("Feature approved", "feature_id", featureID, "review_attempts", f.ReviewAttempts)
	} else {
		if feedback != "" {
			f.ReviewFeedback = append(f.ReviewFeedback, feedback)
		}
		e.transition(f, models.PhaseRed)
		e.log.Info("Feature rejected, returning to RED",
			"feature_id", featureID, "feedback", feedback, "review_attempts", f.ReviewAttempts)
	}
	return e.save(ctx, f)
}

// Complete closes the cycle: GREEN -> COMPLETE. Terminal; no further
// transitions are accepted.
func (e *Engine) Complete(ctx context.Context, featureID string) error {
	f, err := e.Feature(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Phase != models.PhaseGreen {
		return &TransitionError{FeatureID: featureID, From: f.Phase, To: models.PhaseComplete}
	}
	e.transition(f, models.PhaseComplete)
	e.log.Info("Feature complete",
		"feature_id", featureID,
		"fix_iterations", f.TestFixIterations,
		"review_attempts", f.ReviewAttempts)
	return e.save(ctx, f)
}

// transition performs the bookkeeping shared by every edge: close the old
// phase's timer, log the edge, open the new phase's timer.
func (e *Engine) transition(f *models.Feature, to models.TDDPhase) {
	now := e.now()
	elapsed := now.Sub(f.PhaseEnteredAt)
	if f.PhaseDurations == nil {
		f.PhaseDurations = make(map[models.TDDPhase]time.Duration)
	}
	f.PhaseDurations[f.Phase] += elapsed
	e.metrics.ObservePhase(string(f.Phase), elapsed.Seconds())

	f.Transitions = append(f.Transitions, models.PhaseTransition{From: f.Phase, To: to, At: now})
	f.Phase = to
	f.PhaseEnteredAt = now
	f.UpdatedAt = now
}

// PhaseTimeout returns the configured wall-clock budget for a phase.
func (e *Engine) PhaseTimeout(phase models.TDDPhase) time.Duration {
	switch phase {
	case models.PhaseRed:
		return e.cfg.RedTimeout
	case models.PhaseYellow:
		return e.cfg.YellowTimeout
	case models.PhaseGreen:
		return e.cfg.GreenTimeout
	default:
		return e.cfg.RedTimeout
	}
}

func (e *Engine) save(ctx context.Context, f *models.Feature) error {
	if err := e.store.Put(ctx, store.FeatureKey(f.ID), f.Fields()); err != nil {
		return fmt.Errorf("persist feature %s: %w", f.ID, err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
