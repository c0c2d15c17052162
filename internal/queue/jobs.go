package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/foreman/internal/models"
)

// CreateJob inserts a new active job record.
func (q *Queue) CreateJob(ctx context.Context, job *models.Job) error {
	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err = q.store.DB().ExecContext(ctx, `
		INSERT INTO jobs (job_id, description, orchestrator_id, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.JobID, nullString(job.Description), nullString(job.OrchestratorID),
		models.JobStatusActive, q.now().Unix(), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}

	q.logger.Info().Str("job_id", job.JobID).Str("description", job.Description).Msg("Job created")
	return nil
}

// GetJob returns the job with the given ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var (
		job         models.Job
		description sql.NullString
		orchestrator sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
		metadata    sql.NullString
	)
	err := q.store.DB().QueryRowContext(ctx, `
		SELECT job_id, description, orchestrator_id, status, created_at, completed_at, metadata
		FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&job.JobID, &description, &orchestrator, &job.Status, &createdAt, &completedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	job.Description = description.String
	job.OrchestratorID = orchestrator.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.CompletedAt = unixOrZero(completedAt)
	if err := unmarshalInto(metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for job %s: %w", jobID, err)
	}
	return &job, nil
}

// CompleteJob marks a job completed. Task rows are untouched; a job is a
// grouping record, not a lifecycle gate.
func (q *Queue) CompleteJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ? WHERE job_id = ?`,
		models.JobStatusCompleted, q.now().Unix(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	q.logger.Info().Str("job_id", jobID).Msg("Job completed")
	return nil
}

// GetJobTasks returns every task carrying the job's ID, oldest first.
func (q *Queue) GetJobTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetJobStats returns per-status task counts for a job. Every status is
// present in the map, zero or not.
func (q *Queue) GetJobStats(ctx context.Context, jobID string) (models.JobStats, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats for job %s: %w", jobID, err)
	}
	defer rows.Close()

	stats := make(models.JobStats, len(models.AllTaskStatuses))
	for _, s := range models.AllTaskStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status models.TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// WaitForJob polls until every task in the job is terminal or the context is
// done, returning the final stats. A zero pollInterval uses one second.
func (q *Queue) WaitForJob(ctx context.Context, jobID string, pollInterval time.Duration) (models.JobStats, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		stats, err := q.GetJobStats(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if stats.Total() > 0 && stats.Outstanding() == 0 {
			return stats, nil
		}

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
}
