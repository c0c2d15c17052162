// Package coordinator spawns and supervises a fleet of worker processes
// over one shared store. It recovers tasks orphaned by crashed workers,
// respawns dead children, and shuts the fleet down gracefully.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/queue"
)

var (
	// supervisorInterval is how often children are checked and respawned.
	supervisorInterval = 5 * time.Second
	// shutdownGrace is how long each child gets between SIGTERM and SIGKILL.
	shutdownGrace = 10 * time.Second
)

// Coordinator supervises worker child processes.
type Coordinator struct {
	config      *common.Config
	queue       *queue.Queue
	logger      arbor.ILogger
	workerCount int
	idleTimeout time.Duration

	// WorkerBinary is the executable spawned per worker; defaults to
	// "foreman-worker" resolved next to the coordinator binary.
	WorkerBinary string

	mu       sync.Mutex
	children map[string]*child
	shutdown bool
}

// child tracks one spawned worker process. The reaper goroutine records the
// exit code and closes done; everyone else observes the exit through done
// and never touches cmd.ProcessState or calls Wait themselves.
type child struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// exited reports whether the child process has been reaped.
func (ch *child) exited() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// New creates a coordinator for workerCount workers. idleTimeout of zero
// disables idle shutdown.
func New(config *common.Config, q *queue.Queue, workerCount int, idleTimeout time.Duration, logger arbor.ILogger) *Coordinator {
	if workerCount <= 0 {
		workerCount = config.Workers.DefaultCount
	}
	return &Coordinator{
		config:       config,
		queue:        q,
		logger:       logger,
		workerCount:  workerCount,
		idleTimeout:  idleTimeout,
		WorkerBinary: defaultWorkerBinary(),
		children:     map[string]*child{},
	}
}

func defaultWorkerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "foreman-worker"
	}
	return filepath.Join(filepath.Dir(exe), "foreman-worker")
}

// Run starts the fleet and supervises it until ctx is cancelled or the idle
// timeout fires. It always tears the fleet down before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	// Recover anything a previous fleet left behind before spawning
	recovered, err := c.queue.CleanupStaleTasks(ctx, time.Duration(c.config.Workers.StaleTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("stale task cleanup failed: %w", err)
	}
	if recovered > 0 {
		c.logger.Info().Int("count", recovered).Msg("Recovered stale tasks at startup")
	}

	scheduler, err := c.startScheduler()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx := scheduler.Stop()
		<-stopCtx.Done()
	}()

	for i := 1; i <= c.workerCount; i++ {
		workerID := fmt.Sprintf("worker_%d", i)
		if err := c.spawnWorker(workerID); err != nil {
			c.stopAll()
			return err
		}
	}
	c.logger.Info().Int("workers", c.workerCount).Str("db", c.queue.Store().Path()).
		Str("logs", c.logDir()).Msg("Coordinator started")

	err = c.supervise(ctx)
	c.stopAll()
	return err
}

// startScheduler wires the periodic jobs: a stale-task sweep every minute
// and, when retention is configured, a nightly prune of old terminal tasks.
func (c *Coordinator) startScheduler() (*cron.Cron, error) {
	scheduler := cron.New()

	staleTimeout := time.Duration(c.config.Workers.StaleTimeout) * time.Second
	_, err := scheduler.AddFunc("@every 1m", func() {
		if _, err := c.queue.CleanupStaleTasks(context.Background(), staleTimeout); err != nil {
			c.logger.Warn().Err(err).Msg("Periodic stale sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule stale sweep: %w", err)
	}

	if days := c.config.Database.AutoCleanupDays; days > 0 {
		retention := time.Duration(days) * 24 * time.Hour
		_, err := scheduler.AddFunc("@daily", func() {
			if _, err := c.queue.PruneCompletedTasks(context.Background(), retention); err != nil {
				c.logger.Warn().Err(err).Msg("Periodic task prune failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule task prune: %w", err)
		}
	}

	scheduler.Start()
	return scheduler, nil
}

// spawnWorker launches one worker child with stdout and stderr captured to
// its log file.
func (c *Coordinator) spawnWorker(workerID string) error {
	logDir := c.logDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.Create(filepath.Join(logDir, workerID+".log"))
	if err != nil {
		return fmt.Errorf("failed to create worker log: %w", err)
	}

	cmd := exec.Command(c.WorkerBinary, workerID, c.queue.Store().Path())
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to spawn %s: %w", workerID, err)
	}

	ch := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		ch.exitCode = -1
		if cmd.ProcessState != nil {
			ch.exitCode = cmd.ProcessState.ExitCode()
		} else if err == nil {
			ch.exitCode = 0
		}
		close(ch.done)
	}()

	c.mu.Lock()
	c.children[workerID] = ch
	c.mu.Unlock()

	c.logger.Info().Str("worker_id", workerID).Int("pid", cmd.Process.Pid).Msg("Worker spawned")
	return nil
}

// supervise respawns dead children and watches for fleet-wide idleness.
func (c *Coordinator) supervise(ctx context.Context) error {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Coordinator shutting down")
			return nil
		case <-ticker.C:
		}

		c.respawnDead()

		stats, err := c.queue.GetStats(ctx, time.Duration(c.config.Workers.StaleTimeout)*time.Second)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to read queue stats")
			continue
		}
		if stats.Outstanding() > 0 {
			lastActivity = time.Now()
		}

		if c.idleTimeout > 0 && time.Since(lastActivity) > c.idleTimeout {
			c.logger.Info().Dur("idle", time.Since(lastActivity)).Msg("Queue idle, shutting down fleet")
			return nil
		}
	}
}

// respawnDead restarts any exited child under its original worker_id.
func (c *Coordinator) respawnDead() {
	c.mu.Lock()
	var dead []string
	for workerID, ch := range c.children {
		if ch.exited() {
			c.logger.Warn().Str("worker_id", workerID).
				Int("exit_code", ch.exitCode).Msg("Worker exited")
			dead = append(dead, workerID)
		}
	}
	restart := c.config.Workers.RestartOnFailure && !c.shutdown
	for _, workerID := range dead {
		delete(c.children, workerID)
	}
	c.mu.Unlock()

	if !restart {
		return
	}
	for _, workerID := range dead {
		if err := c.spawnWorker(workerID); err != nil {
			c.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to respawn worker")
		}
	}
}

// stopAll signals every child to terminate, waits up to the grace period
// each, then force-kills stragglers.
func (c *Coordinator) stopAll() {
	c.mu.Lock()
	c.shutdown = true
	children := make(map[string]*child, len(c.children))
	for id, ch := range c.children {
		children[id] = ch
	}
	c.children = map[string]*child{}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for workerID, ch := range children {
		wg.Add(1)
		go func(workerID string, ch *child) {
			defer wg.Done()
			ch.cmd.Process.Signal(syscall.SIGTERM)

			// The reaper goroutine owns Wait; wait on its done signal.
			select {
			case <-ch.done:
				c.logger.Info().Str("worker_id", workerID).Msg("Worker stopped")
			case <-time.After(shutdownGrace):
				c.logger.Warn().Str("worker_id", workerID).Msg("Worker did not stop, killing")
				ch.cmd.Process.Kill()
				<-ch.done
			}
		}(workerID, ch)
	}
	wg.Wait()
}

func (c *Coordinator) logDir() string {
	dir := c.config.Workers.LogDirectory
	if dir == "" {
		dir = "logs"
	}
	return dir
}
