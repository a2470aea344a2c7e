package pipeline

import (
	"github.com/quantorhq/quantor/pkg/schema"
)

// ValidRunTransitions defines the allowed lifecycle transitions for pipeline
// runs and batch operations. Terminal states have no exits.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:    {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed transitions for individual steps.
// Skipped records a false condition; not_run records an aborted run.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusNotRun},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusNotRun:    {},
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// transitionRun validates and applies a run state change in place.
func transitionRun(run *schema.PipelineRun, to schema.RunStatus) error {
	if !isValidRunTransition(run.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", run.Status, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(run.Status), "to": string(to)})
	}
	run.Status = to
	return nil
}

// transitionStep validates and applies a step state change in place.
func transitionStep(step *schema.StepResult, to schema.StepStatus) error {
	if !isValidStepTransition(step.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", step.Status, to).
			WithStep(step.Index).
			WithDetails(map[string]any{"from": string(step.Status), "to": string(to)})
	}
	step.Status = to
	return nil
}
