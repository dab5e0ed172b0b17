package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/taskmill/taskmill/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Plans ---

func (s *LibSQLStore) CreatePlan(ctx context.Context, rec *PlanRecord) error {
	def, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, goal, definition, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Plan.Goal, string(def), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	rec := &PlanRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition, created_at FROM plans WHERE id = ?`, id,
	).Scan(&rec.ID, &defJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListPlans(ctx context.Context, limit int) ([]*PlanRecord, error) {
	query := `SELECT id, definition, created_at FROM plans ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*PlanRecord
	for rows.Next() {
		rec := &PlanRecord{}
		var defJSON string
		if err := rows.Scan(&rec.ID, &defJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &rec.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		plans = append(plans, rec)
	}
	return plans, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, t *Task) error {
	cols, err := marshalTaskState(t)
	if err != nil {
		return err
	}
	if t.LockToken == 0 {
		t.LockToken = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, plan_id, agent_config_id, status, step_statuses, step_outputs, user_inputs, pending_inputs, retry_counts,
		                    current_step_index, error, timeout_ms, max_retries, concurrency, lock_token,
		                    created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PlanID, nullStr(t.AgentConfigID), string(t.Status),
		cols.statuses, cols.outputs, cols.userInputs, cols.pendingInputs, cols.retryCounts,
		t.CurrentStepIndex, nullRaw(t.Error), t.TimeoutMs, t.MaxRetries, t.Concurrency, t.LockToken,
		timeOrNow(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), timeOrNow(t.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, agent_config_id, status, step_statuses, step_outputs, user_inputs, pending_inputs, retry_counts,
		        current_step_index, error, timeout_ms, max_retries, concurrency, lock_token,
		        created_at, started_at, completed_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// UpdateTask performs a compare-and-swap on the task row. The UPDATE is
// guarded by the caller's lock token; a concurrent writer that got there
// first leaves zero rows affected, which surfaces as a CONFLICT.
func (s *LibSQLStore) UpdateTask(ctx context.Context, t *Task) error {
	cols, err := marshalTaskState(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, step_statuses = ?, step_outputs = ?, user_inputs = ?, pending_inputs = ?,
		        retry_counts = ?, current_step_index = ?, error = ?, timeout_ms = ?, max_retries = ?, concurrency = ?,
		        started_at = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP, lock_token = lock_token + 1
		 WHERE id = ? AND lock_token = ?`,
		string(t.Status), cols.statuses, cols.outputs, cols.userInputs, cols.pendingInputs,
		cols.retryCounts, t.CurrentStepIndex, nullRaw(t.Error), t.TimeoutMs, t.MaxRetries, t.Concurrency,
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID, t.LockToken,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale token from a missing row.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return storeNotFound("task", t.ID)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"task %q was modified concurrently (lock token %d is stale)", t.ID, t.LockToken)
	}
	t.LockToken++
	return nil
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, plan_id, agent_config_id, status, step_statuses, step_outputs, user_inputs, pending_inputs, retry_counts,
	                 current_step_index, error, timeout_ms, max_retries, concurrency, lock_token,
	                 created_at, started_at, completed_at, updated_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Scheduled Runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, plan_id, agent_config_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlanID, nullStr(run.AgentConfigID), run.CronExpression, run.Enabled,
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var agentConfigID sql.NullString
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, agent_config_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.PlanID, &agentConfigID, &run.CronExpression, &run.Enabled, &lastRun, &nextRun, &lastStatus, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	run.AgentConfigID = agentConfigID.String
	run.LastRunStatus = lastStatus.String
	return run, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	query := `SELECT id, plan_id, agent_config_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var lastRun, nextRun sql.NullTime
		var agentConfigID, lastStatus sql.NullString
		if err := rows.Scan(&run.ID, &run.PlanID, &agentConfigID, &run.CronExpression, &run.Enabled,
			&lastRun, &nextRun, &lastStatus, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.AgentConfigID = agentConfigID.String
		if lastRun.Valid {
			run.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			run.NextRunAt = &nextRun.Time
		}
		run.LastRunStatus = lastStatus.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Task row (de)serialization ---

type taskColumns struct {
	statuses      string
	outputs       string
	userInputs    string
	pendingInputs string
	retryCounts   string
}

func marshalTaskState(t *Task) (taskColumns, error) {
	var c taskColumns
	var err error
	if c.statuses, err = marshalOrDefault(t.StepStatuses, "{}"); err != nil {
		return c, fmt.Errorf("marshal step_statuses: %w", err)
	}
	if c.outputs, err = marshalOrDefault(t.StepOutputs, "{}"); err != nil {
		return c, fmt.Errorf("marshal step_outputs: %w", err)
	}
	if c.userInputs, err = marshalOrDefault(t.UserInputs, "{}"); err != nil {
		return c, fmt.Errorf("marshal user_inputs: %w", err)
	}
	if c.pendingInputs, err = marshalOrDefault(t.PendingInputs, "[]"); err != nil {
		return c, fmt.Errorf("marshal pending_inputs: %w", err)
	}
	if c.retryCounts, err = marshalOrDefault(t.RetryCounts, "{}"); err != nil {
		return c, fmt.Errorf("marshal retry_counts: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var (
		agentConfigID          sql.NullString
		status                 string
		statuses, outputs      string
		userInputs, pending    string
		retryCounts            string
		errJSON                sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.PlanID, &agentConfigID, &status, &statuses, &outputs, &userInputs, &pending, &retryCounts,
		&t.CurrentStepIndex, &errJSON, &t.TimeoutMs, &t.MaxRetries, &t.Concurrency, &t.LockToken,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AgentConfigID = agentConfigID.String
	t.Status = schema.TaskStatus(status)
	if err := json.Unmarshal([]byte(statuses), &t.StepStatuses); err != nil {
		return nil, fmt.Errorf("unmarshal step_statuses: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &t.StepOutputs); err != nil {
		return nil, fmt.Errorf("unmarshal step_outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(userInputs), &t.UserInputs); err != nil {
		return nil, fmt.Errorf("unmarshal user_inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &t.PendingInputs); err != nil {
		return nil, fmt.Errorf("unmarshal pending_inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(retryCounts), &t.RetryCounts); err != nil {
		return nil, fmt.Errorf("unmarshal retry_counts: %w", err)
	}
	t.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TaskError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalOrDefault(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(data)
	if s == "null" {
		return empty, nil
	}
	return s, nil
}
