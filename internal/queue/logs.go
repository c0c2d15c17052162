package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/foreman/internal/models"
)

// LogWorkerProgress appends one progress line to the worker log. taskID may
// be nil for lifecycle messages not tied to a task.
func (q *Queue) LogWorkerProgress(ctx context.Context, workerID string, taskID *int64, message string, level models.LogLevel) error {
	if level == "" {
		level = models.LogLevelInfo
	}
	var id sql.NullInt64
	if taskID != nil {
		id = sql.NullInt64{Valid: true, Int64: *taskID}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO worker_logs (worker_id, task_id, timestamp, message, level)
		VALUES (?, ?, ?, ?, ?)`,
		workerID, id, q.now().Unix(), message, level,
	)
	if err != nil {
		return fmt.Errorf("failed to log progress for worker %s: %w", workerID, err)
	}
	return nil
}

// GetWorkerLogs returns log entries, newest first, optionally filtered by
// task. limit <= 0 means a default window of 100.
func (q *Queue) GetWorkerLogs(ctx context.Context, taskID *int64, limit int) ([]models.WorkerLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT log_id, worker_id, task_id, timestamp, message, level FROM worker_logs`
	args := []interface{}{}
	if taskID != nil {
		query += ` WHERE task_id = ?`
		args = append(args, *taskID)
	}
	query += ` ORDER BY timestamp DESC, log_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker logs: %w", err)
	}
	defer rows.Close()

	return collectLogs(rows)
}

func collectLogs(rows *sql.Rows) ([]models.WorkerLog, error) {
	var logs []models.WorkerLog
	for rows.Next() {
		var (
			l         models.WorkerLog
			taskID    sql.NullInt64
			timestamp int64
		)
		if err := rows.Scan(&l.LogID, &l.WorkerID, &taskID, &timestamp, &l.Message, &l.Level); err != nil {
			return nil, err
		}
		if taskID.Valid {
			l.TaskID = &taskID.Int64
		}
		l.Timestamp = time.Unix(timestamp, 0)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetActiveProgress returns a live view of every registered worker: status,
// held task, and most recent log line.
func (q *Queue) GetActiveProgress(ctx context.Context) ([]models.WorkerProgress, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT w.worker_id, w.status, w.current_task_id, t.prompt, t.status,
			(SELECT message FROM worker_logs l
			 WHERE l.worker_id = w.worker_id
			 ORDER BY l.timestamp DESC, l.log_id DESC LIMIT 1)
		FROM workers w
		LEFT JOIN tasks t ON t.id = w.current_task_id
		ORDER BY w.worker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker progress: %w", err)
	}
	defer rows.Close()

	var progress []models.WorkerProgress
	for rows.Next() {
		var (
			p          models.WorkerProgress
			taskID     sql.NullInt64
			prompt     sql.NullString
			taskStatus sql.NullString
			recentLog  sql.NullString
		)
		if err := rows.Scan(&p.WorkerID, &p.Status, &taskID, &prompt, &taskStatus, &recentLog); err != nil {
			return nil, err
		}
		if taskID.Valid {
			p.CurrentTaskID = &taskID.Int64
		}
		p.TaskPrompt = prompt.String
		p.TaskStatus = models.TaskStatus(taskStatus.String)
		p.RecentLog = recentLog.String
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// GetJobProgress assembles the detailed progress view for one job: the job
// record, per-status counts, currently executing tasks joined with worker
// heartbeats, and the most recent log lines.
func (q *Queue) GetJobProgress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats, err := q.GetJobStats(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT t.id, t.prompt, t.status, t.worker_id, t.started_at, w.last_heartbeat
		FROM tasks t
		LEFT JOIN workers w ON w.worker_id = t.worker_id
		WHERE t.job_id = ? AND t.status IN (?, ?, ?)
		ORDER BY t.id`,
		jobID, models.TaskStatusClaimed, models.TaskStatusInProgress, models.TaskStatusResuming)
	if err != nil {
		return nil, fmt.Errorf("failed to load active tasks for job %s: %w", jobID, err)
	}
	var active []models.ActiveTask
	for rows.Next() {
		var (
			a             models.ActiveTask
			workerID      sql.NullString
			startedAt     sql.NullInt64
			lastHeartbeat sql.NullInt64
		)
		if err := rows.Scan(&a.TaskID, &a.Prompt, &a.Status, &workerID, &startedAt, &lastHeartbeat); err != nil {
			rows.Close()
			return nil, err
		}
		a.WorkerID = workerID.String
		a.StartedAt = unixOrZero(startedAt)
		a.LastHeartbeat = unixOrZero(lastHeartbeat)
		active = append(active, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logRows, err := q.store.DB().QueryContext(ctx, `
		SELECT l.log_id, l.worker_id, l.task_id, l.timestamp, l.message, l.level
		FROM worker_logs l
		JOIN tasks t ON t.id = l.task_id
		WHERE t.job_id = ?
		ORDER BY l.timestamp DESC, l.log_id DESC LIMIT 50`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for job %s: %w", jobID, err)
	}
	logs, err := collectLogs(logRows)
	logRows.Close()
	if err != nil {
		return nil, err
	}

	return &models.JobProgress{
		Job:         job,
		Stats:       stats,
		ActiveTasks: active,
		RecentLogs:  logs,
	}, nil
}
