package engine

import (
	"context"
	"errors"

	"github.com/taskmill/taskmill/internal/store"
	"github.com/taskmill/taskmill/pkg/schema"
)

// casAttempts bounds how many times a lock conflict is retried internally
// before surfacing a CONFLICT to the caller.
const casAttempts = 3

// errYield is returned by a mutation func to abandon the write and hand the
// current durable snapshot back to the caller. Used when a re-read shows the
// task was driven to a terminal state by another worker.
var errYield = errors.New("yield to concurrent task state")

// mutateTask applies fn to the task and CAS-writes the result. On a lock
// conflict it discards the in-memory state, re-reads the durable snapshot,
// reapplies fn, and tries again, up to casAttempts times. fn sees a task it
// may mutate freely; returning errYield skips the write.
func mutateTask(ctx context.Context, st store.Store, task *store.Task, fn func(*store.Task) error) (*store.Task, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := fn(task); err != nil {
			if errors.Is(err, errYield) {
				return task, nil
			}
			return nil, err
		}

		err := st.UpdateTask(ctx, task)
		if err == nil {
			return task, nil
		}
		if !isConflict(err) {
			return nil, err
		}

		fresh, readErr := st.GetTask(ctx, task.ID)
		if readErr != nil {
			return nil, readErr
		}
		task = fresh
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"task %q: gave up after %d optimistic-lock conflicts", task.ID, casAttempts)
}

func isConflict(err error) bool {
	var taskErr *schema.TaskError
	return errors.As(err, &taskErr) && taskErr.Code == schema.ErrCodeConflict
}
