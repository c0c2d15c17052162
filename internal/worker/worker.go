// Package worker implements the long-lived execution agent: it claims tasks
// from the queue, feeds them to the external LLM tool, verifies the output,
// and reports the outcome back through the queue.
package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/verify"
)

// stderrPreviewLimit caps the stderr excerpt embedded in failure messages.
const stderrPreviewLimit = 500

// Worker claims and executes tasks until its context is cancelled.
type Worker struct {
	id      string
	queue   *queue.Queue
	config  *common.Config
	runner  Runner
	logger  arbor.ILogger
	limiter *rate.Limiter

	mu            sync.Mutex
	currentTaskID *int64
}

// New creates a worker. The limiter throttles LLM subprocess launches so a
// freshly drained backlog does not burst-spawn expensive tool invocations.
func New(id string, q *queue.Queue, config *common.Config, runner Runner, logger arbor.ILogger) *Worker {
	return &Worker{
		id:      id,
		queue:   q,
		config:  config,
		runner:  runner,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Run executes the worker until ctx is cancelled: health check, register,
// heartbeat, then the claim/execute loop. Task failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.healthCheck(ctx)

	if err := w.queue.RegisterWorker(ctx, w.id); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	pollInterval := time.Duration(w.config.Defaults.PollInterval * float64(time.Second))
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	w.logger.Info().Str("worker_id", w.id).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("worker_id", w.id).Msg("Worker stopped")
			return nil
		default:
		}

		task, err := w.queue.ClaimTask(ctx, w.id)
		if err != nil {
			w.logger.Error().Err(err).Msg("Claim failed")
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		if task == nil {
			sleepCtx(ctx, pollInterval)
			continue
		}

		w.setCurrentTask(&task.ID)
		w.runTask(ctx, task)
		w.setCurrentTask(nil)
	}
}

// healthCheck reports store accessibility and queue depth before the worker
// starts claiming.
func (w *Worker) healthCheck(ctx context.Context) {
	path := w.queue.Store().Path()
	if _, err := os.Stat(path); err != nil {
		w.logger.Warn().Str("path", path).Msg("Store file does not exist yet; it will be created on first write")
	}
	if err := w.queue.Store().Ping(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Store is not reachable")
		return
	}

	pending, err := w.queue.ListTasks(ctx, models.TaskStatusPending, 0)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to count pending tasks")
		return
	}
	cwd, _ := os.Getwd()
	w.logger.Info().Str("worker_id", w.id).Str("db", path).
		Int("pending", len(pending)).Str("cwd", cwd).Msg("Worker health check")
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(w.config.Workers.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush one last idle heartbeat so the fleet view does not show
			// this worker as active after it has exited. ctx is already
			// cancelled, so the write gets its own short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := w.queue.UpdateWorkerHeartbeat(flushCtx, w.id, models.WorkerStatusIdle, nil); err != nil {
				w.logger.Warn().Err(err).Msg("Final heartbeat failed")
			}
			return
		case <-ticker.C:
			taskID := w.getCurrentTask()
			status := models.WorkerStatusIdle
			if taskID != nil {
				status = models.WorkerStatusActive
			}
			if err := w.queue.UpdateWorkerHeartbeat(ctx, w.id, status, taskID); err != nil {
				w.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// runTask drives one task from claimed to a terminal state. Infrastructure
// errors fail the task rather than the worker.
func (w *Worker) runTask(ctx context.Context, task *models.Task) {
	w.logger.Info().Int64("task_id", task.ID).Str("prompt", truncate(task.Prompt, 50)).Msg("Executing task")
	w.logProgress(ctx, task.ID, fmt.Sprintf("Starting task %d", task.ID), models.LogLevelInfo)

	resuming := task.Status == models.TaskStatusResuming

	if err := w.queue.StartTask(ctx, task.ID, w.id); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to start task")
		return
	}

	result, failure := w.execute(ctx, task, resuming)
	if failure != "" {
		w.logProgress(ctx, task.ID, "Task failed: "+truncate(failure, 200), models.LogLevelError)
		if err := w.queue.FailTask(ctx, task.ID, w.id, failure, true); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to record task failure")
		}
		return
	}

	w.logProgress(ctx, task.ID, fmt.Sprintf("Task %d completed", task.ID), models.LogLevelInfo)
	if err := w.queue.CompleteTask(ctx, task.ID, w.id, result); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to record task completion")
	}
}

// execute runs the LLM tool and the verification pipeline, returning either
// a result or a failure message.
func (w *Worker) execute(ctx context.Context, task *models.Task, resuming bool) (*models.TaskResult, string) {
	workingDir := task.WorkingDir
	if workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Sprintf("Worker error: cannot determine working directory: %v", err)
		}
		workingDir = cwd
	}

	prompt, err := w.buildPrompt(ctx, task, resuming)
	if err != nil {
		return nil, fmt.Sprintf("Worker error: %v", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Sprintf("Worker error: %v", err)
	}

	timeout := time.Duration(w.config.Defaults.Timeout) * time.Second
	run, err := w.runner.Run(ctx, RunRequest{
		Prompt:     prompt,
		WorkingDir: workingDir,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, fmt.Sprintf("Worker error: %v", err)
	}
	if run.TimedOut {
		return nil, fmt.Sprintf("Task execution timeout (%.0f minutes)", timeout.Minutes())
	}
	if run.ExitCode != 0 {
		return nil, fmt.Sprintf("LLM tool exited with code %d: %s", run.ExitCode, truncate(run.Stderr, stderrPreviewLimit))
	}

	result := &models.TaskResult{
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
		ExitCode:   run.ExitCode,
		WorkingDir: workingDir,
	}

	verifier := verify.New(workingDir, w.logger)

	var missing []string
	if len(task.ExpectedOutputs) > 0 {
		allExist, status := verifier.CheckExpectedOutputs(task.ExpectedOutputs)
		result.ExpectedFilesPresent = status
		if !allExist {
			for _, f := range task.ExpectedOutputs {
				if !status[f] {
					missing = append(missing, f)
				}
			}
		}
	}

	hooks := w.verificationHooks(task, workingDir)
	allPassed := true
	if len(hooks) > 0 {
		w.logProgress(ctx, task.ID, fmt.Sprintf("Running %d verification hooks", len(hooks)), models.LogLevelInfo)
		var results []models.HookResult
		allPassed, results = verifier.VerifyTask(ctx, hooks)
		result.VerificationResults = results
	}

	if len(missing) > 0 || !allPassed {
		return nil, verify.FormatError(result.VerificationResults, missing)
	}
	return result, ""
}

// buildPrompt composes the effective prompt: shared context hints, the task
// header, context files, expected outputs, the base prompt, and a resume
// note when continuing from a checkpoint.
func (w *Worker) buildPrompt(ctx context.Context, task *models.Task, resuming bool) (string, error) {
	var b strings.Builder

	shared, err := w.queue.GetSharedContext(ctx, task.JobID)
	if err != nil {
		return "", fmt.Errorf("failed to load shared context: %w", err)
	}
	if len(shared) > 0 {
		b.WriteString("Shared context:\n")
		for _, key := range sortedKeys(shared) {
			fmt.Fprintf(&b, "- %s: %s\n", key, shared[key])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Task ID: %d\n\n", task.ID)

	if len(task.ContextFiles) > 0 {
		b.WriteString("Context files to review:\n")
		for _, f := range task.ContextFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	if len(task.ExpectedOutputs) > 0 {
		b.WriteString("Expected outputs:\n")
		for _, f := range task.ExpectedOutputs {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Task:\n%s\n", task.Prompt)

	if resuming {
		checkpoint, err := w.queue.GetCheckpoint(ctx, task.ID)
		if err != nil {
			return "", err
		}
		if checkpoint != nil {
			b.WriteString("\nThis task was previously interrupted. Checkpoint from the last attempt:\n")
			if checkpoint.LastStep != "" {
				fmt.Fprintf(&b, "- Last completed step: %s\n", checkpoint.LastStep)
			}
			fmt.Fprintf(&b, "- Completion: %d%%\n", checkpoint.CompletionPercentage)
			for _, f := range checkpoint.FilesCreated {
				fmt.Fprintf(&b, "- Already created: %s\n", f)
			}
			for _, f := range checkpoint.FilesModified {
				fmt.Fprintf(&b, "- Already modified: %s\n", f)
			}
			b.WriteString("Continue from where the previous attempt left off.\n")
		}
	}

	return b.String(), nil
}

// verificationHooks returns the task's configured hooks, or synthesized
// defaults when auto-verify is on and none are configured.
func (w *Worker) verificationHooks(task *models.Task, workingDir string) []models.Hook {
	if hooks := hooksFromMetadata(task.Metadata); len(hooks) > 0 {
		return hooks
	}
	if !task.AutoVerify() {
		return nil
	}
	types := verify.DetectProjectTypes(workingDir)
	if len(types) == 0 {
		return nil
	}
	w.logger.Info().Int64("task_id", task.ID).Strs("types", types).Msg("Auto-detected project types")
	return verify.DefaultHooks(types, workingDir)
}

// hooksFromMetadata decodes hooks supplied under metadata["verification_hooks"].
func hooksFromMetadata(metadata map[string]interface{}) []models.Hook {
	raw, ok := metadata["verification_hooks"].([]interface{})
	if !ok {
		return nil
	}
	var hooks []models.Hook
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		hook := models.Hook{FailOnError: true}
		if v, ok := m["command"].(string); ok {
			hook.Command = v
		}
		if v, ok := m["description"].(string); ok {
			hook.Description = v
		}
		if v, ok := m["timeout"].(float64); ok {
			hook.Timeout = int(v)
		}
		if v, ok := m["fail_on_error"].(bool); ok {
			hook.FailOnError = v
		}
		if hook.Command != "" {
			hooks = append(hooks, hook)
		}
	}
	return hooks
}

func (w *Worker) logProgress(ctx context.Context, taskID int64, message string, level models.LogLevel) {
	if err := w.queue.LogWorkerProgress(ctx, w.id, &taskID, message, level); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to write progress log")
	}
}

func (w *Worker) setCurrentTask(id *int64) {
	w.mu.Lock()
	w.currentTaskID = id
	w.mu.Unlock()
}

func (w *Worker) getCurrentTask() *int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTaskID
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// truncate shortens s to at most n bytes, backing up to a rune boundary so
// previews never end in a split UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
