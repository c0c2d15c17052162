package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/foreman/internal/models"
)

// RegisterWorker records a worker process as alive and idle. Registering an
// existing worker_id resets its row, which is exactly what a restarted
// worker wants.
func (q *Queue) RegisterWorker(ctx context.Context, workerID string) error {
	now := q.now().Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO workers (worker_id, status, current_task_id, started_at, last_heartbeat)
		VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = excluded.status,
			current_task_id = NULL,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat`,
		workerID, models.WorkerStatusIdle, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}

	q.logger.Info().Str("worker_id", workerID).Msg("Worker registered")
	return nil
}

// UpdateWorkerHeartbeat refreshes a worker's liveness, along with its
// reported status and currently held task (nil when idle).
func (q *Queue) UpdateWorkerHeartbeat(ctx context.Context, workerID string, status models.WorkerStatus, currentTaskID *int64) error {
	var taskID sql.NullInt64
	if currentTaskID != nil {
		taskID = sql.NullInt64{Valid: true, Int64: *currentTaskID}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ?, current_task_id = ? WHERE worker_id = ?`,
		q.now().Unix(), status, taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for worker %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns all registered workers, most recently alive first.
func (q *Queue) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT worker_id, status, current_task_id, started_at, last_heartbeat, stats
		FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.WorkerInfo
	for rows.Next() {
		var (
			w             models.WorkerInfo
			currentTaskID sql.NullInt64
			startedAt     int64
			lastHeartbeat int64
			stats         sql.NullString
		)
		if err := rows.Scan(&w.WorkerID, &w.Status, &currentTaskID, &startedAt, &lastHeartbeat, &stats); err != nil {
			return nil, err
		}
		if currentTaskID.Valid {
			w.CurrentTaskID = &currentTaskID.Int64
		}
		w.StartedAt = unixOrZero(sql.NullInt64{Valid: true, Int64: startedAt})
		w.LastHeartbeat = unixOrZero(sql.NullInt64{Valid: true, Int64: lastHeartbeat})
		if err := unmarshalInto(stats, &w.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode stats for worker %s: %w", w.WorkerID, err)
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}
