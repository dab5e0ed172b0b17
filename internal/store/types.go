package store

import (
	"encoding/json"
	"time"

	"github.com/taskmill/taskmill/pkg/schema"
)

// PlanRecord is the persisted representation of an immutable plan definition.
type PlanRecord struct {
	ID        string       `json:"id"`
	Plan      *schema.Plan `json:"plan"`
	CreatedAt time.Time    `json:"created_at"`
}

// Task is the persisted representation of a single plan execution.
// The plan itself is immutable; all mutable execution state lives here.
type Task struct {
	ID               string                       `json:"id"`
	PlanID           string                       `json:"plan_id"`
	AgentConfigID    string                       `json:"agent_config_id,omitempty"`
	Status           schema.TaskStatus            `json:"status"`
	StepStatuses     map[string]schema.StepStatus `json:"step_statuses"`
	StepOutputs      map[string]json.RawMessage   `json:"step_outputs,omitempty"`
	UserInputs       map[string]map[string]json.RawMessage `json:"user_inputs,omitempty"`
	PendingInputs    []schema.MissingDataRef      `json:"pending_inputs,omitempty"`
	RetryCounts      map[string]int               `json:"retry_counts,omitempty"`
	CurrentStepIndex int                          `json:"current_step_index"`
	Error            json.RawMessage              `json:"error,omitempty"`
	TimeoutMs        int64                        `json:"timeout_ms"`
	MaxRetries       int                          `json:"max_retries"`
	Concurrency      int                          `json:"concurrency"`
	LockToken        int64                        `json:"lock_token"`
	CreatedAt        time.Time                    `json:"created_at"`
	StartedAt        *time.Time                   `json:"started_at,omitempty"`
	CompletedAt      *time.Time                   `json:"completed_at,omitempty"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// HistoryEntry is an immutable record in a task's execution log.
// Entries carry a per-task monotonic sequence assigned at append time.
type HistoryEntry struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	StepID     string          `json:"step_id"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered task creation for a stored plan.
type ScheduledRun struct {
	ID             string     `json:"id"`
	PlanID         string     `json:"plan_id"`
	AgentConfigID  string     `json:"agent_config_id,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduledRunUpdate is a partial update applied after a scheduler tick.
type ScheduledRunUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status *schema.TaskStatus
	PlanID string
	Since  *time.Time
	Limit  int
	Offset int
}

// ScheduledRunFilter narrows ListScheduledRuns results.
type ScheduledRunFilter struct {
	PlanID      string
	EnabledOnly bool
}
