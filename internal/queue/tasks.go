package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

// claimCandidateLimit bounds the candidate scan per claim attempt. A larger
// window only matters when the head of the queue is blocked on dependencies.
const claimCandidateLimit = 10

// retryContextFormat wraps the previous failure around the original prompt
// when a retry re-enqueues a task with error context.
const retryContextFormat = "Previous attempt failed with error:\n\"\"\"\n%s\n\"\"\"\n\n%s"

// AddTask inserts a new pending task and returns its ID.
func (q *Queue) AddTask(ctx context.Context, task *models.Task) (int64, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return 0, ErrEmptyPrompt
	}

	contextFiles, err := marshalJSON(task.ContextFiles)
	if err != nil {
		return 0, fmt.Errorf("failed to encode context_files: %w", err)
	}
	expectedOutputs, err := marshalJSON(task.ExpectedOutputs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode expected_outputs: %w", err)
	}
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}
	retryPolicy, err := marshalJSON(task.RetryPolicy)
	if err != nil {
		return 0, fmt.Errorf("failed to encode retry_policy: %w", err)
	}

	var parentID sql.NullInt64
	if task.ParentTaskID != nil {
		parentID = sql.NullInt64{Valid: true, Int64: *task.ParentTaskID}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO tasks (prompt, working_dir, context_files, expected_outputs, metadata,
			status, job_id, parent_task_id, created_at, max_retries, retry_policy, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Prompt, nullString(task.WorkingDir), contextFiles, expectedOutputs, metadata,
		models.TaskStatusPending, nullString(task.JobID), parentID,
		q.now().Unix(), task.MaxRetries, retryPolicy, task.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}

	q.logger.Info().Int64("task_id", id).Str("job_id", task.JobID).Int("priority", task.Priority).Msg("Task added")
	return id, nil
}

// GetTask returns the task with the given ID.
func (q *Queue) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	row := q.store.DB().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status (all statuses when empty),
// newest first, up to limit (unbounded when limit <= 0).
func (q *Queue) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetChildTasks returns the direct children of a parent task, oldest first.
func (q *Queue) GetChildTasks(ctx context.Context, parentTaskID int64) ([]*models.Task, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY id`, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically assigns the best claimable task to workerID and
// returns it, or nil when nothing is claimable.
//
// The scan runs inside an immediate (write-locked) transaction so no two
// workers can claim the same task: candidates are ordered pending before
// paused, then priority descending, then FIFO, and the first whose
// dependencies are all satisfied wins. A pending task moves to claimed, a
// paused one to resuming so the worker knows to load its checkpoint.
func (q *Queue) ClaimTask(ctx context.Context, workerID string) (*models.Task, error) {
	var claimed *models.Task

	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.WithExclusiveTx(ctx, func(tx *sqlite.ExclusiveTx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status IN (?, ?)
			ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, priority DESC, created_at ASC, id ASC
			LIMIT ?`,
			models.TaskStatusPending, models.TaskStatusPaused,
			models.TaskStatusPending, claimCandidateLimit,
		)
		if err != nil {
			return fmt.Errorf("failed to query claimable tasks: %w", err)
		}
		candidates, err := collectTasks(rows)
		rows.Close()
		if err != nil {
			return fmt.Errorf("failed to scan claimable tasks: %w", err)
		}

		for _, candidate := range candidates {
			met, err := dependenciesMet(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if !met {
				continue
			}

			newStatus := models.TaskStatusClaimed
			if candidate.Status == models.TaskStatusPaused {
				newStatus = models.TaskStatusResuming
			}

			now := q.now()
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, worker_id = ?, claimed_at = ? WHERE id = ?`,
				newStatus, workerID, now.Unix(), candidate.ID,
			); err != nil {
				return fmt.Errorf("failed to claim task %d: %w", candidate.ID, err)
			}

			candidate.Status = newStatus
			candidate.WorkerID = workerID
			candidate.ClaimedAt = now
			claimed = candidate
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		q.logger.Info().Int64("task_id", claimed.ID).Str("worker_id", workerID).
			Str("status", string(claimed.Status)).Msg("Task claimed")
	}
	return claimed, nil
}

// dependenciesMet reports whether every predecessor of the task is
// completed or cancelled. Failed predecessors keep the task blocked.
func dependenciesMet(ctx context.Context, tx *sqlite.ExclusiveTx, taskID int64) (bool, error) {
	var blocking int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on_task_id
		WHERE d.task_id = ? AND t.status NOT IN (?, ?)`,
		taskID, models.TaskStatusCompleted, models.TaskStatusCancelled,
	).Scan(&blocking)
	if err != nil {
		return false, fmt.Errorf("failed to check dependencies for task %d: %w", taskID, err)
	}
	return blocking == 0, nil
}

// StartTask transitions a claimed or resuming task to in_progress. Only the
// holding worker may start it.
func (q *Queue) StartTask(ctx context.Context, taskID int64, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?
		WHERE id = ? AND worker_id = ? AND status IN (?, ?)`,
		models.TaskStatusInProgress, q.now().Unix(),
		taskID, workerID, models.TaskStatusClaimed, models.TaskStatusResuming,
	)
	if err != nil {
		return fmt.Errorf("failed to start task %d: %w", taskID, err)
	}
	if err := q.requireTransition(ctx, res, taskID, workerID, "start"); err != nil {
		return err
	}

	q.logger.Debug().Int64("task_id", taskID).Str("worker_id", workerID).Msg("Task started")
	return nil
}

// CompleteTask transitions an in_progress task to completed, persists its
// result, and discards any checkpoint. Only the holding worker may complete
// it.
func (q *Queue) CompleteTask(ctx context.Context, taskID int64, workerID string, result *models.TaskResult) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := marshalJSON(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = data
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = NULL
			WHERE id = ? AND worker_id = ? AND status = ?`,
			models.TaskStatusCompleted, q.now().Unix(), resultJSON,
			taskID, workerID, models.TaskStatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("failed to complete task %d: %w", taskID, err)
		}
		if err := q.requireTransitionTx(ctx, tx, res, taskID, workerID, "complete"); err != nil {
			return err
		}

		// Checkpoint is only useful while the task can still resume
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to delete checkpoint for task %d: %w", taskID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.logger.Info().Int64("task_id", taskID).Str("worker_id", workerID).Msg("Task completed")
	return nil
}

// FailTask records a failure for a held task. When autoRetry is set and the
// retry budget is not exhausted, the task is immediately re-enqueued with the
// failure prepended to its prompt; otherwise it lands in failed.
func (q *Queue) FailTask(ctx context.Context, taskID int64, workerID, errorMsg string, autoRetry bool) error {
	q.mu.Lock()
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, error = ?, last_error = ?
		WHERE id = ? AND worker_id = ? AND status IN (?, ?, ?)`,
		models.TaskStatusFailed, q.now().Unix(), errorMsg, errorMsg,
		taskID, workerID,
		models.TaskStatusClaimed, models.TaskStatusInProgress, models.TaskStatusResuming,
	)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to fail task %d: %w", taskID, err)
	}
	if err := q.requireTransition(ctx, res, taskID, workerID, "fail"); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.logger.Warn().Int64("task_id", taskID).Str("worker_id", workerID).Str("error", errorMsg).Msg("Task failed")

	if !autoRetry {
		return nil
	}

	retried, err := q.RetryTask(ctx, taskID, true)
	if err != nil {
		return fmt.Errorf("failed to auto-retry task %d: %w", taskID, err)
	}
	if retried {
		q.logger.Info().Int64("task_id", taskID).Msg("Task re-enqueued for retry")
	}
	return nil
}

// RetryTask re-enqueues a failed task if its retry budget allows, returning
// whether a retry was scheduled. With includeErrorContext the recorded
// failure is prepended to the prompt so the next attempt can react to it.
func (q *Queue) RetryTask(ctx context.Context, taskID int64, includeErrorContext bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	retried := false
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			prompt     string
			lastError  sql.NullString
			retryCount int
			maxRetries int
			status     models.TaskStatus
		)
		err := tx.QueryRowContext(ctx, `
			SELECT prompt, last_error, retry_count, max_retries, status FROM tasks WHERE id = ?`,
			taskID,
		).Scan(&prompt, &lastError, &retryCount, &maxRetries, &status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to load task %d for retry: %w", taskID, err)
		}

		if status != models.TaskStatusFailed {
			return fmt.Errorf("%w: cannot retry task %d in status %s", ErrInvalidTransition, taskID, status)
		}
		if retryCount >= maxRetries {
			return nil
		}

		if includeErrorContext && lastError.Valid && lastError.String != "" {
			prompt = fmt.Sprintf(retryContextFormat, lastError.String, prompt)
		}

		// A retried task starts a fresh attempt: no holder, no timestamps
		// from the failed run, no stale error surface.
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, prompt = ?, retry_count = retry_count + 1,
				worker_id = NULL, claimed_at = NULL, started_at = NULL, completed_at = NULL,
				error = NULL
			WHERE id = ?`,
			models.TaskStatusPending, prompt, taskID,
		)
		if err != nil {
			return fmt.Errorf("failed to re-enqueue task %d: %w", taskID, err)
		}
		retried = true
		return nil
	})
	return retried, err
}

// PauseTask transitions an in_progress task to paused, keeping the holding
// worker recorded, and optionally saves a checkpoint in the same operation.
func (q *Queue) PauseTask(ctx context.Context, taskID int64, workerID string, checkpoint *models.Checkpoint) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ? WHERE id = ? AND worker_id = ? AND status = ?`,
			models.TaskStatusPaused, taskID, workerID, models.TaskStatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("failed to pause task %d: %w", taskID, err)
		}
		if err := q.requireTransitionTx(ctx, tx, res, taskID, workerID, "pause"); err != nil {
			return err
		}

		if checkpoint != nil {
			checkpoint.TaskID = taskID
			if err := q.saveCheckpointTx(ctx, tx, checkpoint); err != nil {
				return err
			}
		}

		q.logger.Info().Int64("task_id", taskID).Str("worker_id", workerID).Msg("Task paused")
		return nil
	})
}

// CancelTask moves a non-terminal task to cancelled. Cancelling releases the
// task from its worker; a worker still executing it will fail its own
// subsequent transition and give up.
func (q *Queue) CancelTask(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, worker_id = NULL
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		models.TaskStatusCancelled, q.now().Unix(), taskID,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := q.store.DB().QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, taskID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("%w: cannot cancel terminal task %d", ErrInvalidTransition, taskID)
	}

	q.logger.Info().Int64("task_id", taskID).Msg("Task cancelled")
	return nil
}

// CleanupStaleTasks re-enqueues tasks held by workers whose heartbeat is
// older than timeout, and marks those workers idle. Returns the number of
// tasks recovered. Paused tasks are left alone; their checkpoints keep them
// resumable by any worker.
func (q *Queue) CleanupStaleTasks(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := q.now().Add(-timeout).Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, worker_id = NULL, claimed_at = NULL, started_at = NULL
			WHERE status IN (?, ?, ?)
			  AND worker_id IN (SELECT worker_id FROM workers WHERE last_heartbeat < ?)`,
			models.TaskStatusPending,
			models.TaskStatusClaimed, models.TaskStatusInProgress, models.TaskStatusResuming,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to release stale tasks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recovered = int(n)

		_, err = tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, current_task_id = NULL WHERE last_heartbeat < ?`,
			models.WorkerStatusIdle, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to idle stale workers: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("Recovered tasks from stale workers")
	}
	return recovered, nil
}

// PruneCompletedTasks deletes terminal tasks (and their journal rows) whose
// completion is older than the retention window. Returns the number deleted.
func (q *Queue) PruneCompletedTasks(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.now().Add(-retention).Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Only prune tasks nothing depends on; predecessors must stay
		// visible for dependency checks of live tasks.
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
			  AND id NOT IN (SELECT depends_on_task_id FROM task_dependencies)`,
			models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to select prunable tasks: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			for _, stmt := range []string{
				`DELETE FROM task_changes WHERE task_id = ?`,
				`DELETE FROM worker_logs WHERE task_id = ?`,
				`DELETE FROM checkpoints WHERE task_id = ?`,
				`DELETE FROM task_dependencies WHERE task_id = ?`,
				`DELETE FROM tasks WHERE id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
					return fmt.Errorf("failed to prune task %d: %w", id, err)
				}
			}
		}
		pruned = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		q.logger.Info().Int("count", pruned).Msg("Pruned old terminal tasks")
	}
	return pruned, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// requireTransition turns a zero-row guarded UPDATE into a typed error:
// missing task, wrong holder, or wrong state.
func (q *Queue) requireTransition(ctx context.Context, res sql.Result, taskID int64, workerID, action string) error {
	return requireTransition(ctx, q.store.DB(), res, taskID, workerID, action)
}

func (q *Queue) requireTransitionTx(ctx context.Context, tx *sql.Tx, res sql.Result, taskID int64, workerID, action string) error {
	return requireTransition(ctx, tx, res, taskID, workerID, action)
}

func requireTransition(ctx context.Context, db execer, res sql.Result, taskID int64, workerID, action string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var (
		status models.TaskStatus
		holder sql.NullString
	)
	err = db.QueryRowContext(ctx, `SELECT status, worker_id FROM tasks WHERE id = ?`, taskID).
		Scan(&status, &holder)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return err
	}
	if holder.String != workerID {
		return fmt.Errorf("%w: cannot %s task %d held by %q (caller %q)",
			ErrInvalidTransition, action, taskID, holder.String, workerID)
	}
	return fmt.Errorf("%w: cannot %s task %d in status %s", ErrInvalidTransition, action, taskID, status)
}
