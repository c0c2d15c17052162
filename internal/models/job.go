package models

import "time"

// JobStatus represents a job's state.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
)

// Job groups the tasks created by one orchestrator run. Tasks reference the
// job by value (soft foreign key); a job's task set is the set of tasks
// carrying its job_id.
type Job struct {
	JobID          string                 `json:"job_id"`
	Description    string                 `json:"description"`
	OrchestratorID string                 `json:"orchestrator_id"`
	Status         JobStatus              `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    time.Time              `json:"completed_at,omitzero"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// JobStats holds per-status task counts for one job.
type JobStats map[TaskStatus]int

// Total returns the number of tasks across all statuses.
func (s JobStats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// Outstanding returns the number of tasks that are not yet terminal.
func (s JobStats) Outstanding() int {
	outstanding := 0
	for status, n := range s {
		if !status.Terminal() {
			outstanding += n
		}
	}
	return outstanding
}

// JobProgress is the detailed progress view for one job.
type JobProgress struct {
	Job         *Job         `json:"job_info"`
	Stats       JobStats     `json:"stats"`
	ActiveTasks []ActiveTask `json:"active_tasks"`
	RecentLogs  []WorkerLog  `json:"recent_logs"`
}

// ActiveTask is a currently executing task joined with its worker's
// heartbeat, as shown by the progress views.
type ActiveTask struct {
	TaskID        int64      `json:"id"`
	Prompt        string     `json:"prompt"`
	Status        TaskStatus `json:"status"`
	WorkerID      string     `json:"worker_id"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	LastHeartbeat time.Time  `json:"last_heartbeat,omitzero"`
}
