package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskmill/taskmill/internal/tools"
	"github.com/taskmill/taskmill/pkg/schema"
)

// StepRunner executes a single ready step against the tool registry and
// classifies the outcome.
type StepRunner struct {
	registry tools.ToolRegistry
}

// NewStepRunner creates a StepRunner backed by the given registry.
func NewStepRunner(registry tools.ToolRegistry) *StepRunner {
	return &StepRunner{registry: registry}
}

// Run invokes the step's action with fully resolved parameters under the
// per-step timeout. outputs exposes completed step outputs to tools that
// inspect cross-step data. The returned error, if any, is a classified
// TaskError: TIMEOUT_ERROR for deadline hits, TOOL_UNAVAILABLE for unknown
// actions, EXECUTION_ERROR otherwise.
func (r *StepRunner) Run(ctx context.Context, step *schema.Step, params json.RawMessage, outputs map[string]any, timeout time.Duration) (json.RawMessage, error) {
	tool, err := r.registry.Get(step.Action)
	if err != nil {
		var taskErr *schema.TaskError
		if errors.As(err, &taskErr) {
			return nil, taskErr.WithStep(step.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "action %q is not registered", step.Action).
			WithStep(step.ID).WithCause(err)
	}

	paramMap, err := decodeParams(step.ID, params)
	if err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Execute(stepCtx, tools.ToolInput{Params: paramMap, Steps: outputs})
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"action %q exceeded the %s step timeout", step.Action, timeout).
				WithStep(step.ID).WithCause(err).
				WithDetails(map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
		}
		var taskErr *schema.TaskError
		if errors.As(err, &taskErr) {
			if taskErr.StepID == "" {
				taskErr.StepID = step.ID
			}
			return nil, taskErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "action %q failed: %v", step.Action, err).
			WithStep(step.ID).WithCause(err)
	}

	// A tool that ignores its context and returns success past the deadline
	// still counts as a timeout.
	if stepCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"action %q exceeded the %s step timeout", step.Action, timeout).
			WithStep(step.ID).WithCause(stepCtx.Err()).
			WithDetails(map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
	}

	if out == nil || len(out.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Data, nil
}

// decodeParams turns resolved parameters into the map form tools consume.
// Step parameters are an object or absent; anything else is a plan defect.
func decodeParams(stepID string, params json.RawMessage) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"resolved parameters are not a JSON object: %v", err).
			WithStep(stepID).WithCause(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
