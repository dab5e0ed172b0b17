package engine

import (
	"github.com/taskmill/taskmill/pkg/schema"
)

// DAG is the in-memory dependency graph of a plan. Built once at task
// creation, used by the scheduler to determine execution order.
type DAG struct {
	Steps   map[string]*schema.Step // step ID -> definition
	Edges   map[string][]string     // step ID -> dependencies
	Reverse map[string][]string     // step ID -> dependents (who depends on me)
	Sorted  []string                // topological order
	Roots   []string                // steps with no dependencies
}

// BuildDAG parses a plan into an executable DAG. It validates step IDs and
// dependency references, performs a topological sort using Kahn's algorithm,
// and detects cycles. Any error here is a configuration error raised before
// a task record exists.
func BuildDAG(plan *schema.Plan) (*DAG, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.Step, len(plan.Steps)),
		Edges:   make(map[string][]string, len(plan.Steps)),
		Reverse: make(map[string][]string, len(plan.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if step.Action == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no action", step.ID)
		}
		dag.Steps[step.ID] = step
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.Dependencies))
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "plan contains a dependency cycle")
	}
	dag.Sorted = sorted

	return dag, nil
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
