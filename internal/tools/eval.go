package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmill/taskmill/internal/expressions"
	"github.com/taskmill/taskmill/pkg/schema"
)

// EvalTools returns the expression evaluation tools: jq (transforms),
// expr.eval (logic), and cel.assert (predicates).
func EvalTools() ([]Tool, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Tool{
		&jqTool{engine: expressions.NewGoJQEngine()},
		&exprEvalTool{engine: expressions.NewExprEngine()},
		&celAssertTool{engine: celEngine},
	}, nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }

func (t *jqTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Transform JSON data with a jq expression. 'data' is the input document.",
	}
}

func (t *jqTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'expression' string parameter")
	}
	return nil
}

func (t *jqTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	doc := map[string]any{
		"data":  input.Params["data"],
		"steps": input.Steps,
	}
	result, err := t.engine.Evaluate(ctx, expression, doc)
	if err != nil {
		return nil, err
	}
	return marshalResult("jq", result)
}

// --- expr.eval ---

type exprEvalTool struct {
	engine *expressions.ExprEngine
}

func (t *exprEvalTool) Name() string { return "expr.eval" }

func (t *exprEvalTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an Expr expression. 'data' and completed step outputs are in scope.",
	}
}

func (t *exprEvalTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (t *exprEvalTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	scope := map[string]any{
		"data":  input.Params["data"],
		"steps": input.Steps,
	}
	result, err := t.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return marshalResult("expr.eval", result)
}

// --- cel.assert ---

type celAssertTool struct {
	engine *expressions.CELEngine
}

func (t *celAssertTool) Name() string { return "cel.assert" }

func (t *celAssertTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate a CEL predicate and fail the step when it is false.",
	}
}

func (t *celAssertTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "cel.assert requires non-empty 'expression' string parameter")
	}
	return nil
}

func (t *celAssertTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	result, err := t.engine.Evaluate(ctx, expression, map[string]any{
		"data":   input.Params["data"],
		"steps":  input.Steps,
		"params": input.Params,
	})
	if err != nil {
		return nil, err
	}

	passed, ok := result.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cel.assert: expression %q did not evaluate to a boolean (got %T)", expression, result)
	}
	if !passed {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cel.assert: assertion %q failed", expression).
			WithDetails(map[string]any{"expression": expression})
	}

	out, _ := json.Marshal(map[string]any{"passed": true})
	return &ToolOutput{Data: out}, nil
}

func marshalResult(tool string, result any) (*ToolOutput, error) {
	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: marshal output: %v", tool, err)
	}
	return &ToolOutput{Data: out}, nil
}
