package models

import "time"

// ChangeOperation classifies a journaled filesystem side effect.
type ChangeOperation string

const (
	ChangeOpCreate ChangeOperation = "create"
	ChangeOpModify ChangeOperation = "modify"
	ChangeOpDelete ChangeOperation = "delete"
)

// TaskChange journals a single filesystem side effect made by a task.
// A create has no before content, a delete has no after content, a modify
// has both. Rollback replays the journal in reverse.
type TaskChange struct {
	ChangeID      int64           `json:"change_id"`
	TaskID        int64           `json:"task_id"`
	Operation     ChangeOperation `json:"operation"`
	FilePath      string          `json:"file_path"`
	BeforeContent *string         `json:"before_content,omitempty"`
	AfterContent  *string         `json:"after_content,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RollbackResult summarizes the outcome of replaying a task's change
// journal in reverse. Per-file errors are collected, not fatal.
type RollbackResult struct {
	Restored []string `json:"files_restored"`
	Deleted  []string `json:"files_deleted"`
	Errors   []string `json:"errors"`
}
