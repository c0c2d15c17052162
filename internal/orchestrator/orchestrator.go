// Package orchestrator is the library surface a driver program uses to
// submit jobs, wait for their completion, and digest the results. It never
// executes tasks itself; workers pick them up through the shared queue.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
)

// workerSuggestionCap bounds how many workers are suggested for a backlog.
const workerSuggestionCap = 10

// Orchestrator submits and tracks jobs on behalf of one driver.
type Orchestrator struct {
	id     string
	queue  *queue.Queue
	config *common.Config
	logger arbor.ILogger
}

// New creates an orchestrator with the given identifier. A nil logger falls
// back to the shared global logger, so embedding programs need no arbor setup.
func New(id string, q *queue.Queue, config *common.Config, logger arbor.ILogger) *Orchestrator {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Orchestrator{
		id:     id,
		queue:  q,
		config: config,
		logger: logger,
	}
}

// CreateJob creates a job with a compact random identifier and returns it.
func (o *Orchestrator) CreateJob(ctx context.Context, description string, metadata map[string]interface{}) (string, error) {
	jobID := common.NewJobID()
	err := o.queue.CreateJob(ctx, &models.Job{
		JobID:          jobID,
		Description:    description,
		OrchestratorID: o.id,
		Metadata:       metadata,
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// Subtask describes one task to be added to a job.
type Subtask struct {
	Prompt          string
	WorkingDir      string
	ContextFiles    []string
	ExpectedOutputs []string
	Metadata        map[string]interface{}
	Priority        int
	ParentTaskID    *int64
	DependsOn       []int64
	MaxRetries      int
	// AllowExternal permits a working directory outside the project root
	// even when boundary enforcement is on.
	AllowExternal bool
}

// AddSubtask validates the subtask against the safety policy, inserts it,
// and records its dependency edges.
func (o *Orchestrator) AddSubtask(ctx context.Context, jobID string, sub Subtask) (int64, error) {
	if err := o.config.ValidateWorkingDir(sub.WorkingDir, sub.AllowExternal); err != nil {
		return 0, err
	}

	taskID, err := o.queue.AddTask(ctx, &models.Task{
		Prompt:          sub.Prompt,
		WorkingDir:      sub.WorkingDir,
		ContextFiles:    sub.ContextFiles,
		ExpectedOutputs: sub.ExpectedOutputs,
		Metadata:        sub.Metadata,
		Priority:        sub.Priority,
		JobID:           jobID,
		ParentTaskID:    sub.ParentTaskID,
		MaxRetries:      sub.MaxRetries,
	})
	if err != nil {
		return 0, err
	}

	for _, dep := range sub.DependsOn {
		if err := o.queue.AddTaskDependency(ctx, taskID, dep); err != nil {
			return 0, err
		}
	}
	return taskID, nil
}

// CreateHierarchicalTasks adds a batch of child tasks under a parent.
func (o *Orchestrator) CreateHierarchicalTasks(ctx context.Context, jobID string, parentTaskID int64, subtasks []Subtask) ([]int64, error) {
	ids := make([]int64, 0, len(subtasks))
	for _, sub := range subtasks {
		sub.ParentTaskID = &parentTaskID
		id, err := o.AddSubtask(ctx, jobID, sub)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// JobStatus is the aggregated view of one job's progress.
type JobStatus struct {
	JobID       string  `json:"job_id"`
	TotalTasks  int     `json:"total_tasks"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	InProgress  int     `json:"in_progress"`
	Pending     int     `json:"pending"`
	ProgressPct float64 `json:"progress_pct"`
}

// Done reports whether no task in the job is pending or running.
func (s JobStatus) Done() bool {
	return s.InProgress+s.Pending == 0
}

// GetJobStatus aggregates per-status counts into a progress summary.
// Claimed, resuming, and paused tasks count as in-progress; completion
// percent is completed over total.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	stats, err := o.queue.GetJobStats(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}

	inProgress := 0
	for s, n := range stats {
		if s.Held() {
			inProgress += n
		}
	}
	status := JobStatus{
		JobID:      jobID,
		TotalTasks: stats.Total(),
		Completed:  stats[models.TaskStatusCompleted],
		Failed:     stats[models.TaskStatusFailed],
		InProgress: inProgress,
		Pending:    stats[models.TaskStatusPending],
	}
	if status.TotalTasks > 0 {
		status.ProgressPct = float64(status.Completed) / float64(status.TotalTasks) * 100
	}
	return status, nil
}

// TaskOutcome is the per-task record returned by WaitAndCollect.
type TaskOutcome struct {
	TaskID          int64              `json:"task_id"`
	Prompt          string             `json:"prompt"`
	Status          models.TaskStatus  `json:"status"`
	Result          *models.TaskResult `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	WorkingDir      string             `json:"working_dir,omitempty"`
	ExpectedOutputs []string           `json:"expected_outputs,omitempty"`
}

// WaitOptions tunes WaitAndCollect.
type WaitOptions struct {
	PollInterval time.Duration // Defaults to 3 s
	Timeout      time.Duration // 0 means wait indefinitely
	ShowProgress bool
	Progress     io.Writer // Defaults to stdout
}

// WaitAndCollect polls the job until every task settles or the timeout
// elapses, then returns a map of task ID to outcome. The job is marked
// completed once collection happens. Before waiting it checks worker
// availability and, in an interactive session, asks before proceeding with
// no live workers; AUTO_START_WORKERS=true skips the prompt.
func (o *Orchestrator) WaitAndCollect(ctx context.Context, jobID string, opts WaitOptions) (map[int64]TaskOutcome, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	progress := opts.Progress
	if progress == nil {
		progress = os.Stdout
	}

	if err := o.checkWorkerAvailability(ctx, progress); err != nil {
		return nil, err
	}

	start := time.Now()
	for {
		status, err := o.GetJobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if opts.ShowProgress {
			fmt.Fprintf(progress, "[%ds] Progress: %d/%d tasks (%.1f%%) | In Progress: %d | Pending: %d | Failed: %d\n",
				int(time.Since(start).Seconds()), status.Completed, status.TotalTasks,
				status.ProgressPct, status.InProgress, status.Pending, status.Failed)
		}

		if status.Done() {
			break
		}
		if opts.Timeout > 0 && time.Since(start) > opts.Timeout {
			o.logger.Warn().Str("job_id", jobID).Dur("timeout", opts.Timeout).Msg("Wait timeout reached")
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	tasks, err := o.queue.GetJobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	results := make(map[int64]TaskOutcome, len(tasks))
	for _, task := range tasks {
		results[task.ID] = TaskOutcome{
			TaskID:          task.ID,
			Prompt:          task.Prompt,
			Status:          task.Status,
			Result:          task.Result,
			Error:           task.Error,
			WorkingDir:      task.WorkingDir,
			ExpectedOutputs: task.ExpectedOutputs,
		}
	}

	if err := o.queue.CompleteJob(ctx, jobID); err != nil {
		return nil, err
	}
	return results, nil
}

// checkWorkerAvailability warns (or, interactively, asks) when no live
// worker can serve the queue.
func (o *Orchestrator) checkWorkerAvailability(ctx context.Context, out io.Writer) error {
	live, suggested, err := o.WorkerAvailability(ctx)
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}

	o.logger.Warn().Int("suggested", suggested).Msg("No live workers detected")
	if common.GetEnvBool("AUTO_START_WORKERS", false) || !common.IsInteractive() {
		return nil
	}

	fmt.Fprintf(out, "No workers are running. Start a coordinator with %d workers in another terminal, then press enter to continue waiting (or Ctrl-C to abort): ", suggested)
	reader := bufio.NewReader(os.Stdin)
	if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// WorkerAvailability reports the number of live workers (heartbeat younger
// than the stale timeout) and a suggested worker count of
// min(pending, cap).
func (o *Orchestrator) WorkerAvailability(ctx context.Context) (live, suggested int, err error) {
	staleAfter := time.Duration(o.config.Workers.StaleTimeout) * time.Second
	stats, err := o.queue.GetStats(ctx, staleAfter)
	if err != nil {
		return 0, 0, err
	}

	suggested = stats.Tasks[models.TaskStatusPending]
	if suggested > workerSuggestionCap {
		suggested = workerSuggestionCap
	}
	if suggested < 1 {
		suggested = 1
	}
	return stats.ActiveWorkers, suggested, nil
}

// RetryFailedTasks re-enqueues a fresh copy of every failed task in the job
// and returns the new task IDs.
func (o *Orchestrator) RetryFailedTasks(ctx context.Context, jobID string) ([]int64, error) {
	tasks, err := o.queue.GetJobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var newIDs []int64
	for _, task := range tasks {
		if task.Status != models.TaskStatusFailed {
			continue
		}
		id, err := o.queue.AddTask(ctx, &models.Task{
			Prompt:          task.Prompt,
			WorkingDir:      task.WorkingDir,
			ContextFiles:    task.ContextFiles,
			ExpectedOutputs: task.ExpectedOutputs,
			Metadata:        task.Metadata,
			Priority:        task.Priority,
			JobID:           jobID,
			MaxRetries:      task.MaxRetries,
		})
		if err != nil {
			return newIDs, err
		}
		newIDs = append(newIDs, id)
	}

	o.logger.Info().Str("job_id", jobID).Int("count", len(newIDs)).Msg("Re-enqueued failed tasks")
	return newIDs, nil
}

// SynthesizeResults renders the outcomes into the deterministic digest fed
// to a follow-up synthesis prompt: header, summary counts, per-task blocks
// for completed and failed tasks, optional trailing synthesis request.
func SynthesizeResults(results map[int64]TaskOutcome, synthesisPrompt string) string {
	separator := strings.Repeat("=", 60)
	divider := strings.Repeat("-", 60)

	var completed, failed []TaskOutcome
	for _, id := range sortedTaskIDs(results) {
		switch r := results[id]; r.Status {
		case models.TaskStatusCompleted:
			completed = append(completed, r)
		case models.TaskStatusFailed:
			failed = append(failed, r)
		}
	}

	var out []string
	out = append(out, separator, "TASK EXECUTION RESULTS", separator, "")
	out = append(out, fmt.Sprintf("Summary: %d completed, %d failed", len(completed), len(failed)), "")

	if len(completed) > 0 {
		out = append(out, "COMPLETED TASKS", divider)
		for _, r := range completed {
			out = append(out, fmt.Sprintf("\nTask %d: %s", r.TaskID, r.Prompt))
			workingDir := r.WorkingDir
			if workingDir == "" {
				workingDir = "N/A"
			}
			out = append(out, fmt.Sprintf("Working Dir: %s", workingDir))
			if r.Result != nil {
				out = append(out, fmt.Sprintf("Return Code: %d", r.Result.ExitCode))
				if r.Result.Stdout != "" {
					stdout := r.Result.Stdout
					if len(stdout) > 500 {
						stdout = stdout[:500]
					}
					out = append(out, fmt.Sprintf("\nOutput:\n%s", stdout))
				}
				if len(r.Result.ExpectedFilesPresent) > 0 {
					out = append(out, fmt.Sprintf("\nExpected Files: %v", r.Result.ExpectedFilesPresent))
				}
			}
			out = append(out, "")
		}
	}

	if len(failed) > 0 {
		out = append(out, "\nFAILED TASKS", divider)
		for _, r := range failed {
			out = append(out, fmt.Sprintf("\nTask %d: %s", r.TaskID, r.Prompt))
			out = append(out, fmt.Sprintf("Error: %s", r.Error))
			out = append(out, "")
		}
	}

	if synthesisPrompt != "" {
		out = append(out, separator, "SYNTHESIS REQUEST", separator, synthesisPrompt)
	}

	return strings.Join(out, "\n")
}

func sortedTaskIDs(results map[int64]TaskOutcome) []int64 {
	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
