package engine

import (
	"sort"

	"github.com/taskmill/taskmill/pkg/schema"
)

// ReadySteps returns the steps eligible to start now: status pending with
// every dependency completed. The result is ordered by (order, id) so
// dispatch priority under limited concurrency is deterministic.
func ReadySteps(dag *DAG, statuses map[string]schema.StepStatus) []string {
	var ready []string
	for _, id := range dag.Sorted {
		if statuses[id] != schema.StepStatusPending {
			continue
		}
		eligible := true
		for _, dep := range dag.Edges[id] {
			if statuses[dep] != schema.StepStatusCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := dag.Steps[ready[i]], dag.Steps[ready[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	return ready
}

// PropagateSkips marks every pending step with a failed or skipped dependency
// as skipped, transitively. Walking the topological order makes a single pass
// sufficient. Returns the newly skipped step IDs in that order.
func PropagateSkips(dag *DAG, statuses map[string]schema.StepStatus) []string {
	var skipped []string
	for _, id := range dag.Sorted {
		if statuses[id] != schema.StepStatusPending {
			continue
		}
		for _, dep := range dag.Edges[id] {
			if statuses[dep] == schema.StepStatusFailed || statuses[dep] == schema.StepStatusSkipped {
				statuses[id] = schema.StepStatusSkipped
				skipped = append(skipped, id)
				break
			}
		}
	}
	return skipped
}

// AllTerminal reports whether every step has reached a terminal status.
func AllTerminal(statuses map[string]schema.StepStatus) bool {
	for _, status := range statuses {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

// FailedSteps returns the IDs of permanently failed steps, sorted.
func FailedSteps(statuses map[string]schema.StepStatus) []string {
	var failed []string
	for id, status := range statuses {
		if status == schema.StepStatusFailed {
			failed = append(failed, id)
		}
	}
	sortStrings(failed)
	return failed
}

// terminalCount returns how many steps have reached a terminal status.
// Persisted as the task's advisory progress marker.
func terminalCount(statuses map[string]schema.StepStatus) int {
	n := 0
	for _, status := range statuses {
		if status.Terminal() {
			n++
		}
	}
	return n
}
