package tools

import (
	"context"
	"encoding/json"
)

// Tool is an executable unit of work invoked by a plan step's action.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, input ToolInput) (*ToolOutput, error)
	Validate(params map[string]any) error
}

// ToolRegistry manages the lifecycle and lookup of available tools.
type ToolRegistry interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []ToolInfo
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInput is the data provided to a tool at execution time. Params hold the
// step's fully resolved parameters; Steps exposes completed step outputs for
// tools that inspect cross-step data.
type ToolInput struct {
	Params map[string]any `json:"params"`
	Steps  map[string]any `json:"steps,omitempty"`
}

// ToolOutput is the result of a tool execution.
type ToolOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Param helpers used by all tool files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mv, _ := v.(map[string]any)
	return mv
}
