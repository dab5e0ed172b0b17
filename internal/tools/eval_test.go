package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/schema"
)

func evalTool(t *testing.T, name string) Tool {
	t.Helper()
	all, err := EvalTools()
	require.NoError(t, err)
	for _, tool := range all {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestJQTool(t *testing.T) {
	tool := evalTool(t, "jq")

	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{
			"expression": ".data.items | length",
			"data":       map[string]any{"items": []any{1.0, 2.0, 3.0}},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":3}`, string(out.Data))
}

func TestJQTool_StepsInScope(t *testing.T) {
	tool := evalTool(t, "jq")

	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{"expression": ".steps.fetch.count"},
		Steps:  map[string]any{"fetch": map[string]any{"count": 7.0}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":7}`, string(out.Data))
}

func TestExprEvalTool(t *testing.T) {
	tool := evalTool(t, "expr.eval")

	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{
			"expression": "len(filter(data, # > 10))",
			"data":       []any{5.0, 20.0, 30.0},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":2}`, string(out.Data))
}

func TestCELAssertTool_Pass(t *testing.T) {
	tool := evalTool(t, "cel.assert")

	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{
			"expression": "data.status == 200",
			"data":       map[string]any{"status": 200.0},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed":true}`, string(out.Data))
}

func TestCELAssertTool_Fail(t *testing.T) {
	tool := evalTool(t, "cel.assert")

	_, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{
			"expression": "data.status == 200",
			"data":       map[string]any{"status": 500.0},
		},
	})
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, taskErr.Code)
}

func TestCELAssertTool_NonBoolean(t *testing.T) {
	tool := evalTool(t, "cel.assert")

	_, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{"expression": `"not a bool"`},
	})
	require.Error(t, err)
}

func TestEvalTools_MissingExpression(t *testing.T) {
	for _, name := range []string{"jq", "expr.eval", "cel.assert"} {
		tool := evalTool(t, name)
		_, err := tool.Execute(context.Background(), ToolInput{Params: map[string]any{}})
		assert.Error(t, err, name)
	}
}
