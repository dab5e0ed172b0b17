package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		Goal: "fetch and transform",
		Steps: []Step{
			{ID: "fetch", Order: 0, Action: "http.request", Parameters: json.RawMessage(`{"url":"https://example.com"}`)},
			{ID: "shape", Order: 1, Action: "jq", Dependencies: []string{"fetch"}},
		},
	}
}

func TestPlanValidator_ValidPlan(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	require.NoError(t, v.Validate(validPlan()))
}

func TestPlanValidator_NilPlan(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	err = v.Validate(nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, err.(*TaskError).Code)
}

func TestPlanValidator_MissingGoal(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Goal = ""
	err = v.Validate(p)
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, err.(*TaskError).Code)
}

func TestPlanValidator_EmptySteps(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	err = v.Validate(&Plan{Goal: "nothing to do"})
	require.Error(t, err)
}

func TestPlanValidator_StepWithoutAction(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Steps[0].Action = ""
	require.Error(t, v.Validate(p))
}

func TestPlanValidator_DuplicateStepID(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Steps[1].ID = "fetch"
	p.Steps[1].Dependencies = nil
	err = v.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestPlanValidator_SelfDependency(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Steps[0].Dependencies = []string{"fetch"}
	err = v.Validate(p)
	require.Error(t, err)
	assert.Equal(t, ErrCodeCycleDetected, err.(*TaskError).Code)
}

func TestPlanValidator_UnknownDependency(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Steps[1].Dependencies = []string{"ghost"}
	err = v.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestPlanValidator_DuplicateDependency(t *testing.T) {
	v, err := NewPlanValidator()
	require.NoError(t, err)

	p := validPlan()
	p.Steps[1].Dependencies = []string{"fetch", "fetch"}
	err = v.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dependency")
}

func TestTaskError_Formatting(t *testing.T) {
	err := NewErrorf(ErrCodeStepFailed, "boom %d", 7).WithStep("s1")
	assert.Equal(t, "[STEP_FAILED] step s1: boom 7", err.Error())

	bare := NewError(ErrCodeConflict, "token mismatch")
	assert.Equal(t, "[CONFLICT] token mismatch", bare.Error())
}

func TestTaskError_Retryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "t").IsRetryable())
	assert.True(t, NewError(ErrCodeExecution, "e").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "v").IsRetryable())
	assert.False(t, NewError(ErrCodeMissingInput, "m").IsRetryable())
	assert.False(t, NewError(ErrCodeRetryExhausted, "r").IsRetryable())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusPaused.Terminal())
	assert.False(t, TaskStatusInProgress.Terminal())

	assert.True(t, StepStatusSkipped.Terminal())
	assert.False(t, StepStatusPending.Terminal())
	assert.False(t, StepStatusInProgress.Terminal())
}
