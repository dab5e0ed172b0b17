package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/schema"
)

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct{ from, to schema.TaskStatus }{
		{schema.TaskStatusPending, schema.TaskStatusInProgress},
		{schema.TaskStatusPending, schema.TaskStatusCancelled},
		{schema.TaskStatusInProgress, schema.TaskStatusPaused},
		{schema.TaskStatusInProgress, schema.TaskStatusCompleted},
		{schema.TaskStatusInProgress, schema.TaskStatusFailed},
		{schema.TaskStatusInProgress, schema.TaskStatusCancelled},
		{schema.TaskStatusPaused, schema.TaskStatusInProgress},
		{schema.TaskStatusPaused, schema.TaskStatusCancelled},
	}
	for _, tc := range valid {
		assert.NoError(t, ValidateTaskTransition("t1", tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct{ from, to schema.TaskStatus }{
		{schema.TaskStatusPending, schema.TaskStatusCompleted},
		{schema.TaskStatusPending, schema.TaskStatusPaused},
		{schema.TaskStatusCompleted, schema.TaskStatusInProgress},
		{schema.TaskStatusFailed, schema.TaskStatusInProgress},
		{schema.TaskStatusCancelled, schema.TaskStatusInProgress},
		{schema.TaskStatusCancelled, schema.TaskStatusCancelled},
	}
	for _, tc := range invalid {
		err := ValidateTaskTransition("t1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		taskErr, ok := err.(*schema.TaskError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, taskErr.Code)
	}
}

func TestValidateStepTransition(t *testing.T) {
	// The retry edge: a transient failure returns the step to pending.
	assert.NoError(t, ValidateStepTransition("s1", schema.StepStatusInProgress, schema.StepStatusPending))

	assert.NoError(t, ValidateStepTransition("s1", schema.StepStatusPending, schema.StepStatusInProgress))
	assert.NoError(t, ValidateStepTransition("s1", schema.StepStatusPending, schema.StepStatusSkipped))
	assert.NoError(t, ValidateStepTransition("s1", schema.StepStatusInProgress, schema.StepStatusCompleted))
	assert.NoError(t, ValidateStepTransition("s1", schema.StepStatusInProgress, schema.StepStatusFailed))

	for _, terminal := range []schema.StepStatus{
		schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped,
	} {
		err := ValidateStepTransition("s1", terminal, schema.StepStatusInProgress)
		require.Error(t, err, "from %s", terminal)
		taskErr, ok := err.(*schema.TaskError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, taskErr.Code)
		assert.Equal(t, "s1", taskErr.StepID)
	}
}

func TestSkippableSteps(t *testing.T) {
	statuses := map[string]schema.StepStatus{
		"done":    schema.StepStatusCompleted,
		"failed":  schema.StepStatusFailed,
		"waiting": schema.StepStatusPending,
		"running": schema.StepStatusInProgress,
		"gone":    schema.StepStatusSkipped,
	}
	got := skippableSteps(statuses)
	assert.Equal(t, []string{"running", "waiting"}, got)
}
