package models

import "time"

// Checkpoint is the resumable mid-task state written by a worker on pause or
// periodically during long tasks. One row per task; deleted on successful
// completion.
type Checkpoint struct {
	TaskID               int64                  `json:"task_id"`
	CheckpointData       map[string]interface{} `json:"checkpoint_data,omitempty"`
	FilesCreated         []string               `json:"files_created,omitempty"`
	FilesModified        []string               `json:"files_modified,omitempty"`
	LastStep             string                 `json:"last_step,omitempty"`
	CompletionPercentage int                    `json:"completion_percentage"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}
