package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/internal/tools"
	"github.com/taskmill/taskmill/pkg/schema"
)

func runnerWith(t *testing.T, toolset ...tools.Tool) *StepRunner {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, reg.Register(tool))
	}
	return NewStepRunner(reg)
}

func TestStepRunner_Success(t *testing.T) {
	echo := &scriptedTool{
		name: "echo",
		fn: func(_ int, input tools.ToolInput) (*tools.ToolOutput, error) {
			data, err := json.Marshal(input.Params)
			require.NoError(t, err)
			return &tools.ToolOutput{Data: data}, nil
		},
	}
	r := runnerWith(t, echo)

	out, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "echo"},
		json.RawMessage(`{"k":"v"}`), nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(out))
}

func TestStepRunner_EmptyOutputBecomesNull(t *testing.T) {
	quiet := &scriptedTool{
		name: "quiet",
		fn: func(_ int, _ tools.ToolInput) (*tools.ToolOutput, error) {
			return &tools.ToolOutput{}, nil
		},
	}
	r := runnerWith(t, quiet)

	out, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "quiet"}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestStepRunner_UnknownAction(t *testing.T) {
	r := runnerWith(t)

	_, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "ghost"}, nil, nil, time.Second)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeToolUnavailable, taskErr.Code)
	assert.Equal(t, "s1", taskErr.StepID)
}

func TestStepRunner_TimeoutClassified(t *testing.T) {
	slow := &scriptedTool{
		name: "slow",
		fn: func(_ int, _ tools.ToolInput) (*tools.ToolOutput, error) {
			time.Sleep(100 * time.Millisecond)
			return nil, errors.New("interrupted")
		},
	}
	r := runnerWith(t, slow)

	_, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "slow"}, nil, nil, 10*time.Millisecond)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTimeout, taskErr.Code)
	assert.Equal(t, "s1", taskErr.StepID)
}

func TestStepRunner_OverrunSuccessIsTimeout(t *testing.T) {
	// A tool that ignores its context, sleeps past the deadline, and still
	// reports success must not produce a completed step.
	stubborn := &scriptedTool{
		name: "stubborn",
		fn: func(_ int, _ tools.ToolInput) (*tools.ToolOutput, error) {
			time.Sleep(100 * time.Millisecond)
			return &tools.ToolOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	r := runnerWith(t, stubborn)

	out, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "stubborn"}, nil, nil, 10*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, out)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTimeout, taskErr.Code)
	assert.Equal(t, "s1", taskErr.StepID)
}

func TestStepRunner_TaskErrorPassesThrough(t *testing.T) {
	strict := &scriptedTool{
		name: "strict",
		fn: func(_ int, _ tools.ToolInput) (*tools.ToolOutput, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "bad argument")
		},
	}
	r := runnerWith(t, strict)

	_, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "strict"}, nil, nil, time.Second)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, taskErr.Code)
	assert.Equal(t, "s1", taskErr.StepID) // step attached on the way out
}

func TestStepRunner_PlainErrorWrapped(t *testing.T) {
	broken := &scriptedTool{
		name: "broken",
		fn: func(_ int, _ tools.ToolInput) (*tools.ToolOutput, error) {
			return nil, errors.New("wire snapped")
		},
	}
	r := runnerWith(t, broken)

	_, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "broken"}, nil, nil, time.Second)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, taskErr.Code)
	assert.Contains(t, taskErr.Message, "wire snapped")
}

func TestStepRunner_NonObjectParams(t *testing.T) {
	echo := emitTool(t, "echo", map[string]any{})
	r := runnerWith(t, echo)

	_, err := r.Run(context.Background(), &schema.Step{ID: "s1", Action: "echo"},
		json.RawMessage(`[1,2,3]`), nil, time.Second)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, taskErr.Code)
}
