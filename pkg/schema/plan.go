package schema

import "encoding/json"

// Plan is a declarative, dependency-annotated sequence of steps produced by an
// external planner. Once a task starts executing it, the plan is read-only.
type Plan struct {
	Goal        string           `json:"goal"`
	Steps       []Step           `json:"steps"`
	MissingData []MissingDataRef `json:"missing_data,omitempty"`
}

// Step is one unit of work within a plan. It references an external tool by
// action name and may carry template references in its parameters
// ({{<stepId>.output.<path>}}).
type Step struct {
	ID             string          `json:"id"`
	Order          int             `json:"order"`
	Action         string          `json:"action"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	ExpectedOutput string          `json:"expected_output,omitempty"`
	Dependencies   []string        `json:"dependencies,omitempty"`
}

// MissingDataRef is advisory pre-execution information from the planner about
// data a plan is known to need. It is not enforced by the engine.
type MissingDataRef struct {
	Step        string `json:"step"`
	Field       string `json:"field"`
	Description string `json:"description,omitempty"`
}

// UserInput is one value supplied on resume to satisfy a pending input
// requirement. Field uses the same dot/array-index addressing as template
// references (e.g. "filters.ids[0]").
type UserInput struct {
	StepID string          `json:"step_id"`
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value"`
}
