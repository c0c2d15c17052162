package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

// mockRunner records invocations and returns a scripted result.
type mockRunner struct {
	mu       sync.Mutex
	requests []RunRequest
	result   *RunResult
	err      error
}

func (m *mockRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &RunResult{Stdout: "ok", ExitCode: 0}, nil
}

func (m *mockRunner) lastRequest(t *testing.T) RunRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

func setupWorkerTest(t *testing.T) (*queue.Queue, *common.Config, func()) {
	tempDir := t.TempDir()
	logger := arbor.NewLogger()

	store, err := sqlite.Open(filepath.Join(tempDir, "test.db"), logger)
	require.NoError(t, err)

	config := common.NewDefaultConfig()
	config.Defaults.PollInterval = 0.05
	config.Workers.HeartbeatInterval = 1

	return queue.New(store, logger), config, func() { store.Close() }
}

func newTestWorker(q *queue.Queue, config *common.Config, runner Runner) *Worker {
	return New("worker_test", q, config, runner, arbor.NewLogger())
}

// runUntil starts the worker and waits for cond to hold or the deadline to
// pass, then shuts the worker down.
func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	require.True(t, cond(), "condition not reached before deadline")
}

func taskReached(q *queue.Queue, id int64, status models.TaskStatus) func() bool {
	return func() bool {
		task, err := q.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}
}

func TestWorker_CompletesTask(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{result: &RunResult{Stdout: "did the work", ExitCode: 0}}
	id, err := q.AddTask(ctx, &models.Task{Prompt: "write a haiku", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusCompleted))

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.Result)
	assert.Equal(t, "did the work", task.Result.Stdout)
	assert.Equal(t, 0, task.Result.ExitCode)
	assert.Equal(t, "worker_test", task.WorkerID)

	req := runner.lastRequest(t)
	assert.Contains(t, req.Prompt, "Task:\nwrite a haiku")
	assert.Contains(t, req.Prompt, "Task ID:")
}

func TestWorker_PromptIncludesContextAndOutputs(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0644))

	require.NoError(t, q.CreateJob(ctx, &models.Job{JobID: "job_ctx"}))
	require.NoError(t, q.SetSharedContext(ctx, "", "style", "terse"))
	require.NoError(t, q.SetSharedContext(ctx, "job_ctx", "language", "go"))

	runner := &mockRunner{}
	id, err := q.AddTask(ctx, &models.Task{
		Prompt:          "generate out.txt",
		WorkingDir:      dir,
		JobID:           "job_ctx",
		ContextFiles:    []string{"README.md", "docs/design.md"},
		ExpectedOutputs: []string{"out.txt"},
	})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusCompleted))

	prompt := runner.lastRequest(t).Prompt
	assert.Contains(t, prompt, "Shared context:\n")
	assert.Contains(t, prompt, "- style: terse")
	assert.Contains(t, prompt, "- language: go")
	assert.Contains(t, prompt, "Context files to review:\n- README.md\n- docs/design.md")
	assert.Contains(t, prompt, "Expected outputs:\n- out.txt")

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, task.Result.ExpectedFilesPresent["out.txt"])
}

func TestWorker_MissingExpectedOutputFails(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{}
	id, err := q.AddTask(ctx, &models.Task{
		Prompt:          "produce missing.txt",
		WorkingDir:      t.TempDir(),
		ExpectedOutputs: []string{"missing.txt"},
	})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusFailed))

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "Missing output files: missing.txt")
}

func TestWorker_NonZeroExitFails(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{result: &RunResult{Stderr: "model refused", ExitCode: 2}}
	id, err := q.AddTask(ctx, &models.Task{Prompt: "doomed", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusFailed))

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "exited with code 2")
	assert.Contains(t, task.Error, "model refused")
}

func TestWorker_TimeoutFails(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{result: &RunResult{TimedOut: true, ExitCode: -1}}
	id, err := q.AddTask(ctx, &models.Task{Prompt: "slow", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusFailed))

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "timeout")
}

func TestWorker_AutoRetryAfterFailure(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{result: &RunResult{Stderr: "flaky", ExitCode: 1}}
	id, err := q.AddTask(ctx, &models.Task{Prompt: "retry me", WorkingDir: t.TempDir(), MaxRetries: 1})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	// Budget of one retry: the worker fails it twice, then it sticks in failed
	runUntil(t, w, func() bool {
		task, err := q.GetTask(context.Background(), id)
		return err == nil && task.Status == models.TaskStatusFailed && task.RetryCount == 1
	})

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.Prompt, "Previous attempt failed with error:")
	assert.Contains(t, task.Prompt, "retry me")
}

func TestWorker_AutoVerifyHooks(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	dir := t.TempDir()
	runner := &mockRunner{}
	id, err := q.AddTask(ctx, &models.Task{
		Prompt:     "verified work",
		WorkingDir: dir,
		Metadata: map[string]interface{}{
			"verification_hooks": []interface{}{
				map[string]interface{}{
					"command":       "exit 7",
					"description":   "Always fails",
					"fail_on_error": true,
				},
			},
		},
	})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusFailed))

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.Error, "Verification checks failed:")
	assert.Contains(t, task.Error, "Always fails")
}

func TestWorker_HeartbeatWhileRunning(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	runner := &mockRunner{}
	id, err := q.AddTask(ctx, &models.Task{Prompt: "beat", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	w := newTestWorker(q, config, runner)
	runUntil(t, w, func() bool {
		task, err := q.GetTask(context.Background(), id)
		if err != nil || task.Status != models.TaskStatusCompleted {
			return false
		}
		workers, err := q.ListWorkers(context.Background())
		return err == nil && len(workers) == 1
	})

	workers, err := q.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker_test", workers[0].WorkerID)
	assert.False(t, workers[0].LastHeartbeat.IsZero())
}

func TestWorker_ResumePromptIncludesCheckpoint(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	id, err := q.AddTask(ctx, &models.Task{Prompt: "long task", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	// Drive the task to paused with a checkpoint by hand
	_, err = q.ClaimTask(ctx, "worker_prev")
	require.NoError(t, err)
	require.NoError(t, q.StartTask(ctx, id, "worker_prev"))
	require.NoError(t, q.PauseTask(ctx, id, "worker_prev", &models.Checkpoint{
		LastStep:             "generated scaffolding",
		CompletionPercentage: 60,
		FilesCreated:         []string{"scaffold.go"},
	}))

	runner := &mockRunner{}
	w := newTestWorker(q, config, runner)
	runUntil(t, w, taskReached(q, id, models.TaskStatusCompleted))

	prompt := runner.lastRequest(t).Prompt
	assert.Contains(t, prompt, "previously interrupted")
	assert.Contains(t, prompt, "Last completed step: generated scaffolding")
	assert.Contains(t, prompt, "Completion: 60%")
	assert.Contains(t, prompt, "Already created: scaffold.go")
}

// blockingRunner holds the task open until released, so tests can observe
// the worker while it is mid-execution.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	close(r.started)
	<-r.release
	return &RunResult{ExitCode: 0}, nil
}

func TestWorker_FinalHeartbeatFlushOnShutdown(t *testing.T) {
	q, config, cleanup := setupWorkerTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := q.AddTask(ctx, &models.Task{Prompt: "slow", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	w := newTestWorker(q, config, runner)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	<-runner.started

	// Wait until a heartbeat has reported the worker as active mid-task
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		workers, err := q.ListWorkers(ctx)
		if err == nil && len(workers) == 1 && workers[0].Status == models.WorkerStatusActive {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	close(runner.release)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down")
	}

	// The shutdown flush must leave the worker idle with no held task, even
	// though the last periodic beat reported it active
	workers, err := q.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, models.WorkerStatusIdle, workers[0].Status)
	assert.Nil(t, workers[0].CurrentTaskID)
}

func TestTruncate_RuneBoundaries(t *testing.T) {
	s := "héllo wörld"
	for n := 0; n <= len(s); n++ {
		assert.True(t, utf8.ValidString(truncate(s, n)), "cut at %d", n)
	}

	assert.Equal(t, "héllo", truncate("héllo", 10))
	// A cut landing inside the two-byte é backs up to the previous boundary
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))
}
