package engine

import (
	"github.com/taskmill/taskmill/pkg/schema"
)

// ValidTaskTransitions defines the allowed lifecycle transitions for tasks.
// A task terminates exactly once; terminal states have no outgoing edges.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:    {schema.TaskStatusInProgress, schema.TaskStatusCancelled},
	schema.TaskStatusInProgress: {schema.TaskStatusPaused, schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusPaused:     {schema.TaskStatusInProgress, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusCompleted:  {},
	schema.TaskStatusFailed:     {},
	schema.TaskStatusCancelled:  {},
}

// ValidStepTransitions defines the allowed per-step transitions.
// in_progress -> pending is the retry edge: a transiently failed step is
// returned to the scheduler for another attempt.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusInProgress, schema.StepStatusSkipped},
	schema.StepStatusInProgress: {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusPending, schema.StepStatusSkipped},
	schema.StepStatusCompleted:  {},
	schema.StepStatusFailed:     {},
	schema.StepStatusSkipped:    {},
}

// ValidateTaskTransition checks a task status change against the transition table.
func ValidateTaskTransition(taskID string, from, to schema.TaskStatus) error {
	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}
	return nil
}

// ValidateStepTransition checks a step status change against the transition table.
func ValidateStepTransition(stepID string, from, to schema.StepStatus) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// skippableSteps returns the IDs of all steps that can still be moved to
// skipped, sorted for deterministic cascade order. Used when cancelling a
// task: completed work is preserved, everything else is closed out.
func skippableSteps(statuses map[string]schema.StepStatus) []string {
	var ids []string
	for id, status := range statuses {
		if isValidStepTransition(status, schema.StepStatusSkipped) {
			ids = append(ids, id)
		}
	}
	sortStrings(ids)
	return ids
}
