package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskmill/taskmill/pkg/schema"
)

// RegisterBuiltins registers all built-in tools in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Tool{
		&echoTool{},
		&waitTool{},
		NewHTTPRequestTool(httpCfg),
	}

	evals, err := EvalTools()
	if err != nil {
		return err
	}
	all = append(all, evals...)

	for _, tool := range all {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

// echoTool returns its params unchanged. Useful for plan debugging and as a
// data-shaping no-op between steps.
type echoTool struct{}

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Schema() ToolSchema {
	return ToolSchema{Description: "Return the resolved parameters unchanged."}
}

func (t *echoTool) Validate(params map[string]any) error { return nil }

func (t *echoTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	data, err := json.Marshal(input.Params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "echo: marshal params: %v", err)
	}
	return &ToolOutput{Data: data}, nil
}

// --- wait ---

// waitTool sleeps for a duration, respecting context cancellation.
type waitTool struct{}

func (t *waitTool) Name() string { return "wait" }

func (t *waitTool) Schema() ToolSchema {
	return ToolSchema{Description: "Sleep for the given duration (e.g. \"500ms\", \"2s\")."}
}

func (t *waitTool) Validate(params map[string]any) error {
	d := stringParam(params, "duration", "")
	if d == "" {
		return schema.NewError(schema.ErrCodeValidation, "wait: missing required param 'duration'")
	}
	if _, err := time.ParseDuration(d); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", d)
	}
	return nil
}

func (t *waitTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	d, _ := time.ParseDuration(stringParam(input.Params, "duration", ""))

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "wait interrupted: %v", ctx.Err()).WithCause(ctx.Err())
	}

	out, _ := json.Marshal(map[string]any{"waited": d.String()})
	return &ToolOutput{Data: out}, nil
}
