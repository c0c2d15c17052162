package models

import "time"

// WorkerStatus represents a worker's reported state.
type WorkerStatus string

const (
	WorkerStatusIdle   WorkerStatus = "idle"
	WorkerStatusActive WorkerStatus = "active"
)

// WorkerInfo is the registration and heartbeat record for one worker
// process. Re-registration under the same worker_id overwrites the row.
type WorkerInfo struct {
	WorkerID      string                 `json:"worker_id"`
	Status        WorkerStatus           `json:"status"`
	CurrentTaskID *int64                 `json:"current_task_id,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Stats         map[string]interface{} `json:"stats,omitempty"`
}

// LogLevel classifies worker progress log entries.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// WorkerLog is one append-only progress log entry.
type WorkerLog struct {
	LogID     int64     `json:"log_id"`
	WorkerID  string    `json:"worker_id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// WorkerProgress is the aggregated live view of one worker: its status, the
// task it holds, and its most recent log line.
type WorkerProgress struct {
	WorkerID      string     `json:"worker_id"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID *int64     `json:"current_task_id,omitempty"`
	TaskPrompt    string     `json:"task_prompt,omitempty"`
	TaskStatus    TaskStatus `json:"task_status,omitempty"`
	RecentLog     string     `json:"recent_log,omitempty"`
}
