package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/foreman/internal/models"
)

// TrackFileChange appends one filesystem side effect to the task's change
// journal. before/after are full file contents; nil means the file did not
// exist on that side of the operation.
func (q *Queue) TrackFileChange(ctx context.Context, taskID int64, op models.ChangeOperation, filePath string, before, after *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO task_changes (task_id, operation, file_path, before_content, after_content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, op, filePath, nullStringPtr(before), nullStringPtr(after), q.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to track change for task %d: %w", taskID, err)
	}
	return nil
}

// GetTaskChanges returns a task's change journal in the order the changes
// were made.
func (q *Queue) GetTaskChanges(ctx context.Context, taskID int64) ([]models.TaskChange, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT change_id, task_id, operation, file_path, before_content, after_content, timestamp
		FROM task_changes WHERE task_id = ? ORDER BY timestamp ASC, change_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load changes for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var changes []models.TaskChange
	for rows.Next() {
		var (
			c         models.TaskChange
			before    sql.NullString
			after     sql.NullString
			timestamp int64
		)
		if err := rows.Scan(&c.ChangeID, &c.TaskID, &c.Operation, &c.FilePath, &before, &after, &timestamp); err != nil {
			return nil, err
		}
		if before.Valid {
			c.BeforeContent = &before.String
		}
		if after.Valid {
			c.AfterContent = &after.String
		}
		c.Timestamp = time.Unix(timestamp, 0)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// RollbackTask replays a task's change journal in reverse: created files are
// deleted, modified and deleted files get their prior content back. Per-file
// failures are collected in the result rather than aborting the rest.
func (q *Queue) RollbackTask(ctx context.Context, taskID int64) (*models.RollbackResult, error) {
	changes, err := q.GetTaskChanges(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result := &models.RollbackResult{
		Restored: []string{},
		Deleted:  []string{},
		Errors:   []string{},
	}

	for i := len(changes) - 1; i >= 0; i-- {
		change := changes[i]
		switch change.Operation {
		case models.ChangeOpCreate:
			err := os.Remove(change.FilePath)
			if err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to delete %s: %v", change.FilePath, err))
				continue
			}
			if err == nil {
				result.Deleted = append(result.Deleted, change.FilePath)
			}

		case models.ChangeOpModify, models.ChangeOpDelete:
			if change.BeforeContent == nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("no prior content recorded for %s (%s)", change.FilePath, change.Operation))
				continue
			}
			if err := restoreFile(change.FilePath, *change.BeforeContent); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to restore %s: %v", change.FilePath, err))
				continue
			}
			result.Restored = append(result.Restored, change.FilePath)
		}
	}

	q.logger.Info().Int64("task_id", taskID).
		Int("restored", len(result.Restored)).Int("deleted", len(result.Deleted)).
		Int("errors", len(result.Errors)).Msg("Task rolled back")
	return result, nil
}

func restoreFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: *s}
}
