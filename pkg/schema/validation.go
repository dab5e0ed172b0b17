package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchemaJSON is the JSON Schema for Plan validation.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskmill.dev/schemas/plan.json",
  "type": "object",
  "required": ["goal", "steps"],
  "properties": {
    "goal": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "missing_data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["step", "field"],
        "properties": {
          "step": { "type": "string" },
          "field": { "type": "string" },
          "description": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "order": { "type": "integer" },
        "action": {
          "type": "string",
          "minLength": 1
        },
        "parameters": {},
        "expected_output": { "type": "string" },
        "dependencies": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator validates Plans against the plan JSON Schema plus the
// structural constraints the schema cannot express. Safe for concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator creates a PlanValidator with the plan schema pre-compiled.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://taskmill.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile("https://taskmill.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &PlanValidator{planSchema: compiled}, nil
}

// Validate checks a Plan against the JSON Schema and the structural rules:
// unique step IDs, no self-dependencies, and no references to unknown steps.
// Cycle detection is the engine's job (it needs the full graph anyway).
func (v *PlanValidator) Validate(plan *Plan) error {
	if plan == nil {
		return NewError(ErrCodeValidation, "plan is nil")
	}

	doc, err := toJSONValue(plan)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize plan").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toTaskError(err)
	}

	ids := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, exists := ids[step.ID]; exists {
			return NewErrorf(ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = struct{}{}
	}

	for _, step := range plan.Steps {
		seen := make(map[string]struct{}, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == step.ID {
				return NewErrorf(ErrCodeCycleDetected, "step %q depends on itself", step.ID).WithStep(step.ID)
			}
			if _, ok := ids[dep]; !ok {
				return NewErrorf(ErrCodeValidation, "step %q depends on unknown step %q", step.ID, dep).WithStep(step.ID)
			}
			if _, dup := seen[dep]; dup {
				return NewErrorf(ErrCodeValidation, "step %q has duplicate dependency %q", step.ID, dep).WithStep(step.ID)
			}
			seen[dep] = struct{}{}
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toTaskError converts a jsonschema.ValidationError into a TaskError with
// leaf-level violation messages.
func toTaskError(err error) *TaskError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return NewError(ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return NewError(ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return NewErrorf(ErrCodeValidation, "plan validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
