// foreman-watch renders a live view of queue and worker activity.
//
//	foreman-watch [--db path] [--job job_id] [--interval seconds] [--once]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

func main() {
	dbPath := flag.String("db", "", "Store path (default from config, env DB_PATH)")
	jobID := flag.String("job", "", "Watch one job instead of the whole queue")
	interval := flag.Float64("interval", 2.0, "Refresh interval in seconds")
	once := flag.Bool("once", false, "Print one snapshot and exit")
	flag.Parse()

	config, err := common.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-watch: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		config.Database.Path = *dbPath
	}
	logger := common.InitLogger(config)

	store, err := sqlite.Open(config.Database.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-watch: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	q := queue.New(store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := render(ctx, q, config, *jobID); err != nil {
			fmt.Fprintf(os.Stderr, "foreman-watch: %v\n", err)
			os.Exit(1)
		}
		if *once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(*interval * float64(time.Second))):
		}
	}
}

func render(ctx context.Context, q *queue.Queue, config *common.Config, jobID string) error {
	fmt.Printf("\n=== %s ===\n", time.Now().Format("15:04:05"))

	if jobID != "" {
		return renderJob(ctx, q, jobID)
	}

	stats, err := q.GetStats(ctx, time.Duration(config.Workers.StaleTimeout)*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("Tasks: %d pending | %d in progress | %d completed | %d failed\n",
		stats.Tasks[models.TaskStatusPending],
		stats.Tasks[models.TaskStatusClaimed]+stats.Tasks[models.TaskStatusInProgress]+stats.Tasks[models.TaskStatusResuming],
		stats.Tasks[models.TaskStatusCompleted],
		stats.Tasks[models.TaskStatusFailed])
	fmt.Printf("Workers: %d active / %d registered\n", stats.ActiveWorkers, stats.TotalWorkers)

	progress, err := q.GetActiveProgress(ctx)
	if err != nil {
		return err
	}
	for _, p := range progress {
		line := fmt.Sprintf("  %-12s %-8s", p.WorkerID, p.Status)
		if p.CurrentTaskID != nil {
			line += fmt.Sprintf(" task %-5d %s", *p.CurrentTaskID, truncate(p.TaskPrompt, 50))
		}
		if p.RecentLog != "" {
			line += " | " + truncate(p.RecentLog, 50)
		}
		fmt.Println(line)
	}
	return nil
}

func renderJob(ctx context.Context, q *queue.Queue, jobID string) error {
	progress, err := q.GetJobProgress(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s: %s [%s]\n", progress.Job.JobID, progress.Job.Description, progress.Job.Status)
	total := progress.Stats.Total()
	completed := progress.Stats[models.TaskStatusCompleted]
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	fmt.Printf("Progress: %d/%d (%.1f%%) | failed: %d | pending: %d\n",
		completed, total, pct,
		progress.Stats[models.TaskStatusFailed],
		progress.Stats[models.TaskStatusPending])

	if len(progress.ActiveTasks) > 0 {
		fmt.Println("Active tasks:")
		for _, t := range progress.ActiveTasks {
			fmt.Printf("  task %-5d %-12s %-10s %s\n", t.TaskID, t.Status, t.WorkerID, truncate(t.Prompt, 50))
		}
	}
	if len(progress.RecentLogs) > 0 {
		fmt.Println("Recent activity:")
		n := len(progress.RecentLogs)
		if n > 10 {
			n = 10
		}
		for _, l := range progress.RecentLogs[:n] {
			fmt.Printf("  [%s] %-12s %s\n", l.Timestamp.Format("15:04:05"), l.WorkerID, truncate(l.Message, 70))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
