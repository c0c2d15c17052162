// Package queue implements the durable task queue over the shared SQLite
// store. It is the only component that writes the coordination schema;
// workers, the coordinator, and orchestrators all go through it.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

var (
	// ErrEmptyPrompt is returned when a task is added without a prompt.
	ErrEmptyPrompt = errors.New("task prompt must not be empty")
	// ErrTaskNotFound is returned when a referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrJobNotFound is returned when a referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a state-machine transition the
	// lifecycle does not allow, including updates by a non-holding worker.
	// Callers should treat it as a programming bug, not a runtime condition.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// CycleError reports a dependency edge that would make the graph cyclic.
type CycleError struct {
	TaskID    int64
	DependsOn int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: task %d -> %d", e.TaskID, e.DependsOn)
}

// Queue is the sole API over the task store.
type Queue struct {
	store  *sqlite.Store
	logger arbor.ILogger
	mu     sync.Mutex // Serializes writers within this process; cross-process writers queue on busy_timeout

	now func() time.Time // Injected clock, overridden in tests
}

// New creates a queue over an open store.
func New(store *sqlite.Store, logger arbor.ILogger) *Queue {
	return &Queue{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Store returns the underlying store handle for read-only clients.
func (q *Queue) Store() *sqlite.Store {
	return q.store
}

// taskColumns is the canonical select list for task rows; scanTask must
// stay in sync with it.
const taskColumns = `id, prompt, working_dir, context_files, expected_outputs, metadata,
	status, worker_id, job_id, parent_task_id,
	created_at, claimed_at, started_at, completed_at,
	result, error, last_error, retry_count, max_retries, retry_policy, priority`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task            models.Task
		workingDir      sql.NullString
		contextFiles    sql.NullString
		expectedOutputs sql.NullString
		metadata        sql.NullString
		workerID        sql.NullString
		jobID           sql.NullString
		parentTaskID    sql.NullInt64
		createdAt       int64
		claimedAt       sql.NullInt64
		startedAt       sql.NullInt64
		completedAt     sql.NullInt64
		result          sql.NullString
		taskErr         sql.NullString
		lastError       sql.NullString
		retryPolicy     sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.Prompt, &workingDir, &contextFiles, &expectedOutputs, &metadata,
		&task.Status, &workerID, &jobID, &parentTaskID,
		&createdAt, &claimedAt, &startedAt, &completedAt,
		&result, &taskErr, &lastError, &task.RetryCount, &task.MaxRetries, &retryPolicy, &task.Priority,
	)
	if err != nil {
		return nil, err
	}

	task.WorkingDir = workingDir.String
	task.WorkerID = workerID.String
	task.JobID = jobID.String
	task.Error = taskErr.String
	task.LastError = lastError.String
	if parentTaskID.Valid {
		task.ParentTaskID = &parentTaskID.Int64
	}
	task.CreatedAt = time.Unix(createdAt, 0)
	task.ClaimedAt = unixOrZero(claimedAt)
	task.StartedAt = unixOrZero(startedAt)
	task.CompletedAt = unixOrZero(completedAt)

	if err := unmarshalInto(contextFiles, &task.ContextFiles); err != nil {
		return nil, fmt.Errorf("failed to decode context_files for task %d: %w", task.ID, err)
	}
	if err := unmarshalInto(expectedOutputs, &task.ExpectedOutputs); err != nil {
		return nil, fmt.Errorf("failed to decode expected_outputs for task %d: %w", task.ID, err)
	}
	if err := unmarshalInto(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for task %d: %w", task.ID, err)
	}
	if err := unmarshalInto(retryPolicy, &task.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode retry_policy for task %d: %w", task.ID, err)
	}
	if result.Valid && result.String != "" {
		task.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for task %d: %w", task.ID, err)
		}
	}

	return &task, nil
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.Unix()}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: s}
}

// marshalJSON serializes a value to a nullable JSON column, mapping empty
// values to NULL.
func marshalJSON(v interface{}) (sql.NullString, error) {
	switch value := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{Valid: true, String: string(data)}, nil
}

func unmarshalInto(col sql.NullString, dest interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}
