package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoTool(t *testing.T) {
	tool := &echoTool{}
	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{"msg": "hello", "n": float64(3)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hello","n":3}`, string(out.Data))
}

func TestWaitTool(t *testing.T) {
	tool := &waitTool{}

	start := time.Now()
	out, err := tool.Execute(context.Background(), ToolInput{
		Params: map[string]any{"duration": "20ms"},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.JSONEq(t, `{"waited":"20ms"}`, string(out.Data))
}

func TestWaitTool_Validation(t *testing.T) {
	tool := &waitTool{}

	_, err := tool.Execute(context.Background(), ToolInput{Params: map[string]any{}})
	require.Error(t, err)

	_, err = tool.Execute(context.Background(), ToolInput{Params: map[string]any{"duration": "soon"}})
	require.Error(t, err)
}

func TestWaitTool_Cancelled(t *testing.T) {
	tool := &waitTool{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tool.Execute(ctx, ToolInput{Params: map[string]any{"duration": "5s"}})
	require.Error(t, err)
}
