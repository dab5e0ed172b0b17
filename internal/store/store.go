package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Plans (immutable once created)
	CreatePlan(ctx context.Context, rec *PlanRecord) error
	GetPlan(ctx context.Context, id string) (*PlanRecord, error)
	ListPlans(ctx context.Context, limit int) ([]*PlanRecord, error)

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask persists the task guarded by its lock token. The write only
	// succeeds when the stored lock token matches t.LockToken; on success the
	// token is incremented in both the row and t. A stale token yields a
	// CONFLICT error.
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Execution history (append-only)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	GetHistory(ctx context.Context, taskID string, since int64) ([]*HistoryEntry, error)

	// Scheduled Runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
