package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusResuming   TaskStatus = "resuming"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Held reports whether the status implies a worker currently holds the task.
func (s TaskStatus) Held() bool {
	switch s {
	case TaskStatusClaimed, TaskStatusInProgress, TaskStatusPaused, TaskStatusResuming:
		return true
	}
	return false
}

// AllTaskStatuses lists every status, in lifecycle order. Used by the stats
// aggregators so counts always cover the full set.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusClaimed,
	TaskStatusInProgress,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusPaused,
	TaskStatusResuming,
}

// Task is the unit of work dispatched to workers.
//
// A task carries the prompt fed to the external LLM tool, the directory the
// tool runs in, and the files the orchestrator expects it to produce.
// Timestamps are non-decreasing in the order created <= claimed <= started
// <= completed.
type Task struct {
	ID              int64                  `json:"id"`
	Prompt          string                 `json:"prompt"`
	WorkingDir      string                 `json:"working_dir,omitempty"`
	ContextFiles    []string               `json:"context_files,omitempty"`
	ExpectedOutputs []string               `json:"expected_outputs,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Priority        int                    `json:"priority"`
	Status          TaskStatus             `json:"status"`
	WorkerID        string                 `json:"worker_id,omitempty"`
	JobID           string                 `json:"job_id,omitempty"`
	ParentTaskID    *int64                 `json:"parent_task_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ClaimedAt       time.Time              `json:"claimed_at,omitzero"`
	StartedAt       time.Time              `json:"started_at,omitzero"`
	CompletedAt     time.Time              `json:"completed_at,omitzero"`
	Result          *TaskResult            `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	RetryPolicy     map[string]interface{} `json:"retry_policy,omitempty"`
}

// AutoVerify reports whether the task metadata enables post-execution
// verification.
func (t *Task) AutoVerify() bool {
	if t.Metadata == nil {
		return false
	}
	v, ok := t.Metadata["auto_verify"].(bool)
	return ok && v
}

// TaskResult is the structured payload persisted when a task completes.
type TaskResult struct {
	Stdout               string          `json:"stdout"`
	Stderr               string          `json:"stderr"`
	ExitCode             int             `json:"exit_code"`
	WorkingDir           string          `json:"working_dir"`
	ExpectedFilesPresent map[string]bool `json:"expected_files_present,omitempty"`
	VerificationResults  []HookResult    `json:"verification_results,omitempty"`
}
