package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendHistory appends an entry to the task's execution log, assigning the
// next per-task sequence number inside a transaction. History is written
// before the owning task row is updated so a reader that observes a task
// state change always sees the entries that produced it.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM task_history WHERE task_id = ?`, entry.TaskID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_history (task_id, step_id, status, output, error, duration_ms, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.StepID, entry.Status,
		nullRaw(entry.Output), nullStr(entry.Error), entry.DurationMs,
		timeOrNow(entry.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history entry: %w", err)
	}
	return nil
}

// GetHistory returns the task's history entries with sequence greater than
// since, in ascending sequence order.
func (s *LibSQLStore) GetHistory(ctx context.Context, taskID string, since int64) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, step_id, status, output, error, duration_ms, timestamp, sequence
		 FROM task_history WHERE task_id = ? AND sequence > ? ORDER BY sequence ASC`,
		taskID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var output, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StepID, &e.Status, &output, &errMsg,
			&e.DurationMs, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Output = rawOrNil(output)
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
