package orchestrator

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

func setupOrchestratorTest(t *testing.T) (*Orchestrator, *queue.Queue, func()) {
	tempDir := t.TempDir()
	logger := arbor.NewLogger()

	store, err := sqlite.Open(filepath.Join(tempDir, "test.db"), logger)
	require.NoError(t, err)

	config := common.NewDefaultConfig()
	config.ProjectRoot = tempDir
	t.Setenv("AUTO_START_WORKERS", "true")

	q := queue.New(store, logger)
	return New("orch_test", q, config, logger), q, func() { store.Close() }
}

func TestCreateJob_AndAddSubtask(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "build a feature", map[string]interface{}{"team": "infra"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(jobID, "job_"))
	assert.Len(t, jobID, len("job_")+12)

	first, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "scaffold the package", Priority: 5})
	require.NoError(t, err)

	second, err := o.AddSubtask(ctx, jobID, Subtask{
		Prompt:    "write tests",
		DependsOn: []int64{first},
	})
	require.NoError(t, err)

	deps, err := q.GetTaskDependencies(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []int64{first}, deps)

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "orch_test", job.OrchestratorID)
	assert.Equal(t, "infra", job.Metadata["team"])
}

func TestAddSubtask_BoundaryEnforced(t *testing.T) {
	o, _, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "boundary test", nil)
	require.NoError(t, err)

	_, err = o.AddSubtask(ctx, jobID, Subtask{Prompt: "escape", WorkingDir: "/etc"})
	var boundaryErr *common.ProjectBoundaryError
	require.ErrorAs(t, err, &boundaryErr)
	assert.Equal(t, "/etc", boundaryErr.WorkingDir)

	// Explicit opt-out lets it through
	_, err = o.AddSubtask(ctx, jobID, Subtask{Prompt: "escape", WorkingDir: "/etc", AllowExternal: true})
	require.NoError(t, err)

	// Inside the project root is always fine
	_, err = o.AddSubtask(ctx, jobID, Subtask{Prompt: "stay", WorkingDir: o.config.ProjectRoot})
	require.NoError(t, err)
}

func TestGetJobStatus(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "status test", nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "work"})
		require.NoError(t, err)
	}

	// One completed, one failed, one claimed, one pending
	task, err := q.ClaimTask(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.StartTask(ctx, task.ID, "w1"))
	require.NoError(t, q.CompleteTask(ctx, task.ID, "w1", nil))

	task, err = q.ClaimTask(ctx, "w2")
	require.NoError(t, err)
	require.NoError(t, q.StartTask(ctx, task.ID, "w2"))
	require.NoError(t, q.FailTask(ctx, task.ID, "w2", "boom", false))

	_, err = q.ClaimTask(ctx, "w3")
	require.NoError(t, err)

	status, err := o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.TotalTasks)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 1, status.InProgress)
	assert.Equal(t, 1, status.Pending)
	assert.InDelta(t, 25.0, status.ProgressPct, 0.01)
	assert.False(t, status.Done())
}

func TestWaitAndCollect(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "collect test", nil)
	require.NoError(t, err)

	ok, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "will pass"})
	require.NoError(t, err)
	bad, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "will fail"})
	require.NoError(t, err)

	// Settle both tasks from a fake worker in the background
	go func() {
		for {
			task, err := q.ClaimTask(ctx, "w1")
			if err != nil || task == nil {
				return
			}
			q.StartTask(ctx, task.ID, "w1")
			if task.ID == ok {
				q.CompleteTask(ctx, task.ID, "w1", &models.TaskResult{Stdout: "fine"})
			} else {
				q.FailTask(ctx, task.ID, "w1", "broke", false)
			}
		}
	}()

	var progress bytes.Buffer
	results, err := o.WaitAndCollect(ctx, jobID, WaitOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      10 * time.Second,
		ShowProgress: true,
		Progress:     &progress,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, models.TaskStatusCompleted, results[ok].Status)
	assert.Equal(t, "fine", results[ok].Result.Stdout)
	assert.Equal(t, models.TaskStatusFailed, results[bad].Status)
	assert.Equal(t, "broke", results[bad].Error)
	assert.Contains(t, progress.String(), "Progress:")

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestWaitAndCollect_Timeout(t *testing.T) {
	o, _, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "stuck", nil)
	require.NoError(t, err)
	id, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "never picked up"})
	require.NoError(t, err)

	results, err := o.WaitAndCollect(ctx, jobID, WaitOptions{
		PollInterval: 20 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.TaskStatusPending, results[id].Status)
}

func TestRetryFailedTasks(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "retry test", nil)
	require.NoError(t, err)
	id, err := o.AddSubtask(ctx, jobID, Subtask{
		Prompt:          "flaky",
		ContextFiles:    []string{"ctx.md"},
		ExpectedOutputs: []string{"out.go"},
		Priority:        3,
	})
	require.NoError(t, err)

	task, err := q.ClaimTask(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.StartTask(ctx, task.ID, "w1"))
	require.NoError(t, q.FailTask(ctx, task.ID, "w1", "transient", false))

	newIDs, err := o.RetryFailedTasks(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, newIDs, 1)
	assert.NotEqual(t, id, newIDs[0])

	clone, err := q.GetTask(ctx, newIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "flaky", clone.Prompt)
	assert.Equal(t, []string{"ctx.md"}, clone.ContextFiles)
	assert.Equal(t, []string{"out.go"}, clone.ExpectedOutputs)
	assert.Equal(t, 3, clone.Priority)
	assert.Equal(t, models.TaskStatusPending, clone.Status)
	assert.Equal(t, jobID, clone.JobID)
}

func TestCreateHierarchicalTasks(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	jobID, err := o.CreateJob(ctx, "tree", nil)
	require.NoError(t, err)
	parent, err := o.AddSubtask(ctx, jobID, Subtask{Prompt: "plan the work"})
	require.NoError(t, err)

	ids, err := o.CreateHierarchicalTasks(ctx, jobID, parent, []Subtask{
		{Prompt: "part one"},
		{Prompt: "part two", Priority: 2},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	children, err := q.GetChildTasks(ctx, parent)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		require.NotNil(t, child.ParentTaskID)
		assert.Equal(t, parent, *child.ParentTaskID)
		assert.Equal(t, jobID, child.JobID)
	}
}

func TestWorkerAvailability(t *testing.T) {
	o, q, cleanup := setupOrchestratorTest(t)
	defer cleanup()
	ctx := context.Background()

	live, suggested, err := o.WorkerAvailability(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, live)
	assert.Equal(t, 1, suggested)

	for i := 0; i < 15; i++ {
		_, err := q.AddTask(ctx, &models.Task{Prompt: "backlog"})
		require.NoError(t, err)
	}
	require.NoError(t, q.RegisterWorker(ctx, "w1"))

	live, suggested, err = o.WorkerAvailability(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live)
	assert.Equal(t, 10, suggested, "suggestion is capped")
}

func TestSynthesizeResults_Format(t *testing.T) {
	results := map[int64]TaskOutcome{
		2: {
			TaskID: 2,
			Prompt: "failed work",
			Status: models.TaskStatusFailed,
			Error:  "it broke",
		},
		1: {
			TaskID:     1,
			Prompt:     "good work",
			Status:     models.TaskStatusCompleted,
			WorkingDir: "/tmp/proj",
			Result: &models.TaskResult{
				Stdout:               "all done",
				ExitCode:             0,
				ExpectedFilesPresent: map[string]bool{"out.go": true},
			},
		},
	}

	text := SynthesizeResults(results, "Summarize the outcome.")
	sep := strings.Repeat("=", 60)

	assert.True(t, strings.HasPrefix(text, sep+"\nTASK EXECUTION RESULTS\n"+sep))
	assert.Contains(t, text, "Summary: 1 completed, 1 failed")
	assert.Contains(t, text, "COMPLETED TASKS")
	assert.Contains(t, text, "Task 1: good work")
	assert.Contains(t, text, "Working Dir: /tmp/proj")
	assert.Contains(t, text, "Return Code: 0")
	assert.Contains(t, text, "Output:\nall done")
	assert.Contains(t, text, "FAILED TASKS")
	assert.Contains(t, text, "Task 2: failed work")
	assert.Contains(t, text, "Error: it broke")
	assert.Contains(t, text, "SYNTHESIS REQUEST")
	assert.Contains(t, text, "Summarize the outcome.")

	// Completed block precedes failed block
	assert.Less(t, strings.Index(text, "COMPLETED TASKS"), strings.Index(text, "FAILED TASKS"))
}

func TestSynthesizeResults_Empty(t *testing.T) {
	text := SynthesizeResults(map[int64]TaskOutcome{}, "")
	assert.Contains(t, text, "Summary: 0 completed, 0 failed")
	assert.NotContains(t, text, "COMPLETED TASKS")
	assert.NotContains(t, text, "SYNTHESIS REQUEST")
}
