package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/taskmill/taskmill/pkg/schema"
)

// Scope holds all data available for resolving one step's parameters.
type Scope struct {
	StepID  string                     // step whose parameters are being resolved
	Outputs map[string]any             // completed step ID -> decoded output value
	Inputs  map[string]json.RawMessage // user-supplied values for this step, keyed by field path
}

// Result is the outcome of a resolution pass. When Missing is non-empty the
// step must not execute; the requirements are surfaced as pending inputs.
type Result struct {
	Parameters json.RawMessage
	Missing    []schema.MissingDataRef
}

// Resolver materializes concrete step parameters from raw parameter values
// containing {{<stepId>.output.<path>}} template references.
//
// Resolution is a pure function of its inputs: resolving the same scope and
// parameters twice yields byte-identical output. Unresolvable references are
// not errors; they become missing-data requirements so the task can pause
// and ask for them.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver { return &Resolver{} }

// Resolve walks the raw parameter value recursively, replacing template
// references with looked-up values. A string that is exactly one template
// keeps the referenced value's native type; a template embedded in a larger
// string is interpolated as text. References that cannot be satisfied from
// step outputs fall back to the scope's user inputs; if still unsatisfied
// they are reported as missing-data requirements. User inputs not consumed
// by any template are merged into the parameters at their field path.
func (r *Resolver) Resolve(scope *Scope, raw json.RawMessage) (*Result, error) {
	var root any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &root); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "parameters are not valid JSON: %s", err).
				WithStep(scope.StepID).WithCause(err)
		}
	}

	w := &walker{scope: scope, consumed: make(map[string]bool)}
	root = w.resolveValue(root)

	// Merge user inputs that no template consumed, in sorted field order so
	// the merge is deterministic.
	fields := make([]string, 0, len(scope.Inputs))
	for field := range scope.Inputs {
		if !w.consumed[field] {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		var val any
		if err := json.Unmarshal(scope.Inputs[field], &val); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"user input %q is not valid JSON: %s", field, err).
				WithStep(scope.StepID).WithCause(err)
		}
		merged, err := setPath(root, field, val)
		if err != nil {
			return nil, err
		}
		root = merged
	}

	params := raw
	if root != nil || len(fields) > 0 {
		data, err := json.Marshal(root)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "marshal resolved parameters: %s", err).
				WithStep(scope.StepID).WithCause(err)
		}
		params = data
	}

	return &Result{Parameters: params, Missing: w.requirements()}, nil
}

// walker carries the per-call resolution state.
type walker struct {
	scope    *Scope
	consumed map[string]bool
	missing  map[string]schema.MissingDataRef
}

func (w *walker) resolveValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = w.resolveValue(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = w.resolveValue(item)
		}
		return out
	case string:
		return w.resolveString(val)
	default:
		return v
	}
}

// resolveString handles both whole-string templates (native type preserved)
// and substring interpolation.
func (w *walker) resolveString(s string) any {
	stepID, path, ok := parseTemplate(strings.TrimSpace(s))
	if ok {
		val, found := w.lookup(stepID, path)
		if !found {
			return s
		}
		return val
	}

	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			b.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing == -1 {
			b.WriteString(rest)
			break
		}
		closing += open
		token := rest[open : closing+2]
		stepID, path, ok := parseTemplate(token)
		if !ok {
			b.WriteString(rest[:closing+2])
			rest = rest[closing+2:]
			continue
		}
		b.WriteString(rest[:open])
		val, found := w.lookup(stepID, path)
		if found {
			b.WriteString(stringifyInline(val))
		} else {
			// Leave the unresolved token in place; the step will not run
			// until the requirement is satisfied.
			b.WriteString(token)
		}
		rest = rest[closing+2:]
	}
	return b.String()
}

// lookup resolves one reference against step outputs, falling back to user
// inputs keyed by the reference's field path. A miss records a requirement.
func (w *walker) lookup(stepID, path string) (any, bool) {
	if output, ok := w.scope.Outputs[stepID]; ok {
		if path == "" {
			return output, true
		}
		if val, ok := getPath(output, path); ok {
			return val, true
		}
	}

	field := path
	if field == "" {
		field = "output"
	}
	if raw, ok := w.scope.Inputs[field]; ok {
		var val any
		if err := json.Unmarshal(raw, &val); err == nil {
			w.consumed[field] = true
			return val, true
		}
	}

	if w.missing == nil {
		w.missing = make(map[string]schema.MissingDataRef)
	}
	key := w.scope.StepID + "\x00" + field
	w.missing[key] = schema.MissingDataRef{Step: w.scope.StepID, Field: field}
	return nil, false
}

func (w *walker) requirements() []schema.MissingDataRef {
	if len(w.missing) == 0 {
		return nil
	}
	reqs := make([]schema.MissingDataRef, 0, len(w.missing))
	for _, req := range w.missing {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Step != reqs[j].Step {
			return reqs[i].Step < reqs[j].Step
		}
		return reqs[i].Field < reqs[j].Field
	})
	return reqs
}

// parseTemplate recognizes a full {{<stepId>.output[.<path>]}} token.
// Strings that do not match the grammar are left as ordinary literals.
func parseTemplate(s string) (stepID, path string, ok bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", "", false
	}
	inner := strings.TrimSpace(s[2 : len(s)-2])
	if inner == "" || strings.Contains(inner, "{{") {
		return "", "", false
	}

	const marker = ".output"
	idx := strings.Index(inner, marker)
	if idx <= 0 {
		return "", "", false
	}
	stepID = inner[:idx]
	rest := inner[idx+len(marker):]
	switch {
	case rest == "":
		return stepID, "", true
	case strings.HasPrefix(rest, "."):
		if rest == "." {
			return "", "", false
		}
		return stepID, rest[1:], true
	case strings.HasPrefix(rest, "["):
		// {{step.output[0]}} indexes directly into an array output.
		return stepID, rest, true
	default:
		return "", "", false
	}
}

// stringifyInline converts a resolved value to its textual form for
// substring interpolation.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
