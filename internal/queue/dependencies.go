package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// AddTaskDependency records that taskID must wait for dependsOnTaskID to
// reach a terminal state before it becomes claimable. The edge is rejected
// if either task is missing or if it would close a cycle. Duplicate edges
// are ignored.
func (q *Queue) AddTaskDependency(ctx context.Context, taskID, dependsOnTaskID int64) error {
	if taskID == dependsOnTaskID {
		return &CycleError{TaskID: taskID, DependsOn: dependsOnTaskID}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []int64{taskID, dependsOnTaskID} {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
			}
		}

		cyclic, err := wouldCycle(ctx, tx, taskID, dependsOnTaskID)
		if err != nil {
			return err
		}
		if cyclic {
			return &CycleError{TaskID: taskID, DependsOn: dependsOnTaskID}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id, depends_on_task_id) DO NOTHING`,
			taskID, dependsOnTaskID, q.now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %d -> %d: %w", taskID, dependsOnTaskID, err)
		}
		return nil
	})
}

// wouldCycle reports whether adding the edge taskID -> dependsOnTaskID would
// make the dependency graph cyclic: it walks the existing edges from
// dependsOnTaskID looking for a path back to taskID.
func wouldCycle(ctx context.Context, tx *sql.Tx, taskID, dependsOnTaskID int64) (bool, error) {
	visited := map[int64]bool{}
	stack := []int64{dependsOnTaskID}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := tx.QueryContext(ctx,
			`SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, current)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies of %d: %w", current, err)
		}
		for rows.Next() {
			var next int64
			if err := rows.Scan(&next); err != nil {
				rows.Close()
				return false, err
			}
			stack = append(stack, next)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// GetTaskDependencies returns the IDs of the tasks taskID depends on.
func (q *Queue) GetTaskDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}
