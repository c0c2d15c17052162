package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/foreman/internal/models"
)

// SaveCheckpoint upserts the checkpoint for a task. created_at survives
// updates; updated_at always advances.
func (q *Queue) SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		return q.saveCheckpointTx(ctx, tx, checkpoint)
	})
}

func (q *Queue) saveCheckpointTx(ctx context.Context, tx *sql.Tx, checkpoint *models.Checkpoint) error {
	data, err := marshalJSON(checkpoint.CheckpointData)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint data: %w", err)
	}
	filesCreated, err := marshalJSON(checkpoint.FilesCreated)
	if err != nil {
		return fmt.Errorf("failed to encode files_created: %w", err)
	}
	filesModified, err := marshalJSON(checkpoint.FilesModified)
	if err != nil {
		return fmt.Errorf("failed to encode files_modified: %w", err)
	}

	now := q.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, checkpoint_data, files_created, files_modified,
			last_step, completion_percentage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			checkpoint_data = excluded.checkpoint_data,
			files_created = excluded.files_created,
			files_modified = excluded.files_modified,
			last_step = excluded.last_step,
			completion_percentage = excluded.completion_percentage,
			updated_at = excluded.updated_at`,
		checkpoint.TaskID, data, filesCreated, filesModified,
		nullString(checkpoint.LastStep), checkpoint.CompletionPercentage, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for task %d: %w", checkpoint.TaskID, err)
	}

	q.logger.Debug().Int64("task_id", checkpoint.TaskID).
		Int("completion", checkpoint.CompletionPercentage).Msg("Checkpoint saved")
	return nil
}

// GetCheckpoint returns the checkpoint for a task, or nil when none exists.
func (q *Queue) GetCheckpoint(ctx context.Context, taskID int64) (*models.Checkpoint, error) {
	var (
		cp            models.Checkpoint
		data          sql.NullString
		filesCreated  sql.NullString
		filesModified sql.NullString
		lastStep      sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	err := q.store.DB().QueryRowContext(ctx, `
		SELECT task_id, checkpoint_data, files_created, files_modified,
			last_step, completion_percentage, created_at, updated_at
		FROM checkpoints WHERE task_id = ?`, taskID,
	).Scan(&cp.TaskID, &data, &filesCreated, &filesModified,
		&lastStep, &cp.CompletionPercentage, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for task %d: %w", taskID, err)
	}

	cp.LastStep = lastStep.String
	cp.CreatedAt = time.Unix(createdAt, 0)
	cp.UpdatedAt = time.Unix(updatedAt, 0)
	if err := unmarshalInto(data, &cp.CheckpointData); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint data for task %d: %w", taskID, err)
	}
	if err := unmarshalInto(filesCreated, &cp.FilesCreated); err != nil {
		return nil, fmt.Errorf("failed to decode files_created for task %d: %w", taskID, err)
	}
	if err := unmarshalInto(filesModified, &cp.FilesModified); err != nil {
		return nil, fmt.Errorf("failed to decode files_modified for task %d: %w", taskID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a task's checkpoint if present.
func (q *Queue) DeleteCheckpoint(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.DB().ExecContext(ctx,
		`DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for task %d: %w", taskID, err)
	}
	return nil
}
