package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/logging"
	"github.com/taskmill/taskmill/internal/resolver"
	"github.com/taskmill/taskmill/internal/store"
	"github.com/taskmill/taskmill/internal/tools"
	"github.com/taskmill/taskmill/pkg/schema"
)

// Engine drives plans to completion as stateful, resumable tasks.
// StartTask and ResumeTask run the task synchronously to a settle point:
// completed, failed, paused, or cancelled.
type Engine interface {
	DefinePlan(ctx context.Context, plan *schema.Plan) (*store.PlanRecord, error)
	StartTask(ctx context.Context, planID, agentConfigID string) (*store.Task, error)
	GetTask(ctx context.Context, taskID string) (*TaskSnapshot, error)
	ResumeTask(ctx context.Context, taskID string, inputs []schema.UserInput) (*store.Task, error)
	CancelTask(ctx context.Context, taskID, reason string) (*store.Task, error)
	History(ctx context.Context, taskID string, since int64) ([]*store.HistoryEntry, error)
}

// Options configures per-task execution defaults.
type Options struct {
	StepTimeout  time.Duration // per-step execution deadline, default 30s
	MaxRetries   int           // transient-failure retry bound per step, default 3
	Concurrency  int           // ready-step dispatch limit, default 1 (sequential)
	RetryBackoff time.Duration // base delay before re-offering a retried step, default 500ms
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = retryBaseDelay
	}
	return o
}

// TaskSnapshot is the full durable state of a task plus its immutable plan.
type TaskSnapshot struct {
	Task *store.Task  `json:"task"`
	Plan *schema.Plan `json:"plan"`
}

type engineImpl struct {
	store     store.Store
	registry  tools.ToolRegistry
	runner    *StepRunner
	resolver  *resolver.Resolver
	validator *schema.PlanValidator
	opts      Options
}

// New creates an Engine backed by the given store and tool registry.
func New(st store.Store, registry tools.ToolRegistry, opts Options) (Engine, error) {
	validator, err := schema.NewPlanValidator()
	if err != nil {
		return nil, err
	}
	return &engineImpl{
		store:     st,
		registry:  registry,
		runner:    NewStepRunner(registry),
		resolver:  resolver.New(),
		validator: validator,
		opts:      opts.withDefaults(),
	}, nil
}

// DefinePlan validates and persists an immutable plan definition.
// Schema violations, unknown dependency references, and dependency cycles
// are all rejected here, before anything is stored.
func (e *engineImpl) DefinePlan(ctx context.Context, plan *schema.Plan) (*store.PlanRecord, error) {
	if err := e.validator.Validate(plan); err != nil {
		return nil, err
	}
	if _, err := BuildDAG(plan); err != nil {
		return nil, err
	}
	rec := &store.PlanRecord{
		ID:        uuid.NewString(),
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreatePlan(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist plan: %v", err).WithCause(err)
	}
	return rec, nil
}

// StartTask creates a task for the plan and drives it synchronously.
// Configuration errors (schema violations, cycles, unknown actions) surface
// before any task record is persisted.
func (e *engineImpl) StartTask(ctx context.Context, planID, agentConfigID string) (*store.Task, error) {
	rec, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Validate(rec.Plan); err != nil {
		return nil, err
	}
	dag, err := BuildDAG(rec.Plan)
	if err != nil {
		return nil, err
	}
	for _, id := range dag.Sorted {
		if _, err := e.registry.Get(dag.Steps[id].Action); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s references unknown action %q", id, dag.Steps[id].Action).WithStep(id)
		}
	}

	now := time.Now().UTC()
	statuses := make(map[string]schema.StepStatus, len(dag.Steps))
	for id := range dag.Steps {
		statuses[id] = schema.StepStatusPending
	}
	task := &store.Task{
		ID:            uuid.NewString(),
		PlanID:        planID,
		AgentConfigID: agentConfigID,
		Status:        schema.TaskStatusPending,
		StepStatuses:  statuses,
		StepOutputs:   make(map[string]json.RawMessage),
		UserInputs:    make(map[string]map[string]json.RawMessage),
		RetryCounts:   make(map[string]int),
		TimeoutMs:     e.opts.StepTimeout.Milliseconds(),
		MaxRetries:    e.opts.MaxRetries,
		Concurrency:   e.opts.Concurrency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist task: %v", err).WithCause(err)
	}

	// Claim the task before entering the scheduler loop.
	task, err = mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if err := ValidateTaskTransition(t.ID, t.Status, schema.TaskStatusInProgress); err != nil {
			return err
		}
		started := time.Now().UTC()
		t.Status = schema.TaskStatusInProgress
		t.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.run(ctx, task, dag)
}

// GetTask returns the latest durable snapshot of a task and its plan.
func (e *engineImpl) GetTask(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	return &TaskSnapshot{Task: task, Plan: rec.Plan}, nil
}

// ResumeTask supplies values for a paused task's pending inputs. Every input
// must match a pending {step, field} requirement; unknown pairs are rejected
// without mutating the task. When the pending list empties the task returns
// to in_progress and re-enters the scheduler loop.
func (e *engineImpl) ResumeTask(ctx context.Context, taskID string, inputs []schema.UserInput) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume requires at least one input")
	}

	// Status and pending-pair checks run inside the closure so a retry after
	// a version conflict re-validates against the freshly read task.
	task, err = mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if t.Status != schema.TaskStatusPaused {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"task %q is %s; only paused tasks can be resumed", taskID, t.Status)
		}
		pending := make(map[string]bool, len(t.PendingInputs))
		for _, req := range t.PendingInputs {
			pending[req.Step+"\x00"+req.Field] = true
		}
		for _, in := range inputs {
			if !pending[in.StepID+"\x00"+in.Field] {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"input {step: %q, field: %q} does not match any pending requirement", in.StepID, in.Field).
					WithDetails(map[string]any{"pending": t.PendingInputs})
			}
		}
		ensureTaskMaps(t)
		satisfied := make(map[string]bool, len(inputs))
		for _, in := range inputs {
			if t.UserInputs[in.StepID] == nil {
				t.UserInputs[in.StepID] = make(map[string]json.RawMessage)
			}
			t.UserInputs[in.StepID][in.Field] = in.Value
			satisfied[in.StepID+"\x00"+in.Field] = true
		}
		remaining := t.PendingInputs[:0]
		for _, req := range t.PendingInputs {
			if !satisfied[req.Step+"\x00"+req.Field] {
				remaining = append(remaining, req)
			}
		}
		t.PendingInputs = remaining
		if len(t.PendingInputs) == 0 {
			if err := ValidateTaskTransition(t.ID, t.Status, schema.TaskStatusInProgress); err != nil {
				return err
			}
			t.Status = schema.TaskStatusInProgress
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task.Status != schema.TaskStatusInProgress {
		return task, nil
	}

	rec, err := e.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	dag, err := BuildDAG(rec.Plan)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, task, dag)
}

// CancelTask terminates a non-terminal task. Completed step outputs are
// preserved for audit; all remaining steps are skipped and the task will
// never resume.
func (e *engineImpl) CancelTask(ctx context.Context, taskID, reason string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"task %q is already %s", taskID, task.Status)
	}
	if reason == "" {
		reason = "cancelled by caller"
	}

	logged := false
	return mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if t.Status.Terminal() {
			return errYield
		}
		if err := ValidateTaskTransition(t.ID, t.Status, schema.TaskStatusCancelled); err != nil {
			return err
		}
		for _, id := range skippableSteps(t.StepStatuses) {
			t.StepStatuses[id] = schema.StepStatusSkipped
			if !logged {
				if err := e.appendHistory(ctx, t.ID, id, schema.HistorySkipped, nil, reason, 0); err != nil {
					return err
				}
			}
		}
		logged = true
		now := time.Now().UTC()
		t.Status = schema.TaskStatusCancelled
		t.PendingInputs = nil
		t.CompletedAt = &now
		t.CurrentStepIndex = terminalCount(t.StepStatuses)
		return nil
	})
}

// History returns the task's append-only execution log, sequence-ordered.
func (e *engineImpl) History(ctx context.Context, taskID string, since int64) ([]*store.HistoryEntry, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.GetHistory(ctx, taskID, since)
}

// plannedStep is a ready step whose parameters resolved fully.
type plannedStep struct {
	id     string
	params json.RawMessage
}

// stepResult is the classified outcome of one dispatched step.
type stepResult struct {
	id       string
	output   json.RawMessage
	err      error
	duration time.Duration
}

// run is the scheduler loop. Each iteration (a "wave") propagates skips,
// resolves every ready step, dispatches the fully-resolved ones through the
// worker pool, applies retry policy to failures, and CAS-writes the updated
// task. It exits when the task settles: all steps terminal, paused on
// missing data, or cancelled by a concurrent writer.
func (e *engineImpl) run(ctx context.Context, task *store.Task, dag *DAG) (*store.Task, error) {
	ctx = logging.WithIDs(ctx, task.ID, task.PlanID, "")
	ensureTaskMaps(task)
	pool := NewWorkerPool(task.Concurrency)
	defer pool.Shutdown()

	for {
		if task.Status != schema.TaskStatusInProgress {
			// A concurrent cancel won the CAS race; its state stands.
			return task, nil
		}

		for _, id := range PropagateSkips(dag, task.StepStatuses) {
			if err := e.appendHistory(ctx, task.ID, id, schema.HistorySkipped, nil, "dependency failed or was skipped", 0); err != nil {
				return nil, err
			}
		}

		if AllTerminal(task.StepStatuses) {
			return e.finalize(ctx, task)
		}

		ready := ReadySteps(dag, task.StepStatuses)
		if len(ready) == 0 {
			// Unreachable with a valid DAG: skips were just propagated and
			// nothing is in flight. Fail rather than spin.
			return e.terminate(ctx, task, schema.TaskStatusFailed,
				schema.NewError(schema.ErrCodeExecution, "scheduler stalled with no runnable steps"))
		}

		outputs, err := decodeOutputs(task)
		if err != nil {
			return nil, err
		}

		// Resolve every ready step before dispatching any, so a single pause
		// carries the union of all blocked steps' requirements.
		var wave []plannedStep
		var missing []schema.MissingDataRef
		for _, id := range ready {
			res, resolveErr := e.resolver.Resolve(&resolver.Scope{
				StepID:  id,
				Outputs: outputs,
				Inputs:  task.UserInputs[id],
			}, dag.Steps[id].Parameters)
			if resolveErr != nil {
				// Malformed parameters are a permanent step failure.
				if err := e.appendHistory(ctx, task.ID, id, schema.HistoryFailed, nil, resolveErr.Error(), 0); err != nil {
					return nil, err
				}
				task.StepStatuses[id] = schema.StepStatusFailed
				continue
			}
			if len(res.Missing) > 0 {
				missing = append(missing, res.Missing...)
				continue
			}
			wave = append(wave, plannedStep{id: id, params: res.Parameters})
		}

		if len(wave) == 0 {
			if len(missing) > 0 {
				return e.pause(ctx, task, missing)
			}
			// All ready steps failed resolution; loop to propagate skips.
			task.CurrentStepIndex = terminalCount(task.StepStatuses)
			task, err = e.writeWave(ctx, task)
			if err != nil {
				return nil, err
			}
			continue
		}

		results, err := e.dispatch(ctx, task, dag, pool, wave, outputs)
		if err != nil {
			return nil, err
		}

		// Apply outcomes in dispatch order. History entries are appended
		// before the task write so a dependent's resolver only ever sees
		// outputs whose terminal entry is durable.
		maxAttempt := 0
		for _, res := range results {
			if res.err == nil {
				if err := e.appendHistory(ctx, task.ID, res.id, schema.HistoryCompleted, res.output, "", res.duration); err != nil {
					return nil, err
				}
				task.StepOutputs[res.id] = res.output
				task.StepStatuses[res.id] = schema.StepStatusCompleted
				continue
			}
			if IsRetryableError(res.err) && task.RetryCounts[res.id] < task.MaxRetries {
				task.RetryCounts[res.id]++
				attempt := task.RetryCounts[res.id]
				if attempt > maxAttempt {
					maxAttempt = attempt
				}
				msg := fmt.Sprintf("%s (retry attempt %d of %d)", res.err.Error(), attempt, task.MaxRetries)
				if err := e.appendHistory(ctx, task.ID, res.id, schema.HistoryFailed, nil, msg, res.duration); err != nil {
					return nil, err
				}
				task.StepStatuses[res.id] = schema.StepStatusPending
				continue
			}
			if err := e.appendHistory(ctx, task.ID, res.id, schema.HistoryFailed, nil, res.err.Error(), res.duration); err != nil {
				return nil, err
			}
			task.StepStatuses[res.id] = schema.StepStatusFailed
		}
		task.CurrentStepIndex = terminalCount(task.StepStatuses)

		task, err = e.writeWave(ctx, task)
		if err != nil {
			return nil, err
		}

		if maxAttempt > 0 && task.Status == schema.TaskStatusInProgress {
			if err := WaitForBackoff(ctx, ComputeBackoff(e.opts.RetryBackoff, maxAttempt)); err != nil {
				return nil, err
			}
		}
	}
}

// dispatch runs the wave's steps through the pool, bounded by the task's
// concurrency limit. A "started" history entry is appended for each step
// before its tool call begins. Results come back in dispatch order.
func (e *engineImpl) dispatch(ctx context.Context, task *store.Task, dag *DAG, pool *WorkerPool, wave []plannedStep, outputs map[string]any) ([]stepResult, error) {
	results := make([]stepResult, len(wave))
	timeout := time.Duration(task.TimeoutMs) * time.Millisecond

	var wg sync.WaitGroup
	for i, planned := range wave {
		if err := ValidateStepTransition(planned.id, task.StepStatuses[planned.id], schema.StepStatusInProgress); err != nil {
			return nil, err
		}
		task.StepStatuses[planned.id] = schema.StepStatusInProgress
		if err := e.appendHistory(ctx, task.ID, planned.id, schema.HistoryStarted, nil, "", 0); err != nil {
			return nil, err
		}

		wg.Add(1)
		err := pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			ctx = logging.WithStepID(ctx, planned.id)
			start := time.Now()
			output, runErr := e.runner.Run(ctx, dag.Steps[planned.id], planned.params, outputs, timeout)
			results[i] = stepResult{
				id:       planned.id,
				output:   output,
				err:      runErr,
				duration: time.Since(start),
			}
			return runErr
		})
		if err != nil {
			wg.Done()
			return nil, err
		}
	}
	wg.Wait()
	return results, nil
}

// writeWave CAS-writes the task after a wave. On a lock conflict the wave's
// in-memory progress is discarded and the durable snapshot wins; the loop
// re-derives state from it (steps are re-offered, outputs re-resolved).
func (e *engineImpl) writeWave(ctx context.Context, task *store.Task) (*store.Task, error) {
	return mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if t != task {
			return errYield
		}
		return nil
	})
}

// pause transitions the task to paused with the merged, deduplicated set of
// missing-data requirements from all blocked ready steps.
func (e *engineImpl) pause(ctx context.Context, task *store.Task, missing []schema.MissingDataRef) (*store.Task, error) {
	merged := dedupeRequirements(missing)
	return mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if t != task {
			return errYield
		}
		if err := ValidateTaskTransition(t.ID, t.Status, schema.TaskStatusPaused); err != nil {
			return err
		}
		t.Status = schema.TaskStatusPaused
		t.PendingInputs = merged
		t.CurrentStepIndex = terminalCount(t.StepStatuses)
		return nil
	})
}

// finalize terminates a task whose steps are all terminal. Completion
// requires zero failed steps; otherwise the task fails with a summary
// referencing the failed steps and their last recorded errors.
func (e *engineImpl) finalize(ctx context.Context, task *store.Task) (*store.Task, error) {
	failed := FailedSteps(task.StepStatuses)
	if len(failed) == 0 {
		return e.terminate(ctx, task, schema.TaskStatusCompleted, nil)
	}

	parts := make([]string, 0, len(failed))
	for _, id := range failed {
		if msg := e.lastStepError(ctx, task.ID, id); msg != "" {
			parts = append(parts, fmt.Sprintf("step %s: %s", id, msg))
		} else {
			parts = append(parts, fmt.Sprintf("step %s failed", id))
		}
	}
	summary := schema.NewErrorf(schema.ErrCodeStepFailed, "%s", strings.Join(parts, "; ")).
		WithStep(failed[0]).
		WithDetails(map[string]any{"failed_steps": failed})
	return e.terminate(ctx, task, schema.TaskStatusFailed, summary)
}

// terminate CAS-writes the task into a terminal status.
func (e *engineImpl) terminate(ctx context.Context, task *store.Task, status schema.TaskStatus, cause *schema.TaskError) (*store.Task, error) {
	return mutateTask(ctx, e.store, task, func(t *store.Task) error {
		if t != task {
			return errYield
		}
		if err := ValidateTaskTransition(t.ID, t.Status, status); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = status
		t.CompletedAt = &now
		t.PendingInputs = nil
		t.CurrentStepIndex = terminalCount(t.StepStatuses)
		if cause != nil {
			data, err := json.Marshal(cause)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "marshal task error: %v", err)
			}
			t.Error = data
		}
		return nil
	})
}

func (e *engineImpl) appendHistory(ctx context.Context, taskID, stepID, status string, output json.RawMessage, errMsg string, duration time.Duration) error {
	entry := &store.HistoryEntry{
		TaskID:     taskID,
		StepID:     stepID,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append history for step %s: %v", stepID, err).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

// lastStepError returns the error text of the step's most recent failed
// history entry, if any.
func (e *engineImpl) lastStepError(ctx context.Context, taskID, stepID string) string {
	entries, err := e.store.GetHistory(ctx, taskID, 0)
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].StepID == stepID && entries[i].Status == schema.HistoryFailed {
			return entries[i].Error
		}
	}
	return ""
}

func decodeOutputs(t *store.Task) (map[string]any, error) {
	out := make(map[string]any, len(t.StepOutputs))
	for id, raw := range t.StepOutputs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"stored output of step %s is not valid JSON: %v", id, err).WithStep(id).WithCause(err)
		}
		out[id] = v
	}
	return out, nil
}

func dedupeRequirements(reqs []schema.MissingDataRef) []schema.MissingDataRef {
	seen := make(map[string]bool, len(reqs))
	out := make([]schema.MissingDataRef, 0, len(reqs))
	for _, req := range reqs {
		key := req.Step + "\x00" + req.Field
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, req)
	}
	return out
}

func ensureTaskMaps(t *store.Task) {
	if t.StepStatuses == nil {
		t.StepStatuses = make(map[string]schema.StepStatus)
	}
	if t.StepOutputs == nil {
		t.StepOutputs = make(map[string]json.RawMessage)
	}
	if t.UserInputs == nil {
		t.UserInputs = make(map[string]map[string]json.RawMessage)
	}
	if t.RetryCounts == nil {
		t.RetryCounts = make(map[string]int)
	}
}
