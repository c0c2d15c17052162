// foreman-submit is the task submission and inspection CLI.
//
//	foreman-submit submit "prompt" [--dir d] [--context a,b] [--outputs x,y] [--priority n] [--metadata json]
//	foreman-submit submit-file prompts.txt [flags]
//	foreman-submit submit-json tasks.json
//	foreman-submit list [--status s]
//	foreman-submit stats
//	foreman-submit show <task_id>
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/models"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	config, err := common.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-submit: %v\n", err)
		os.Exit(1)
	}
	logger := common.InitLogger(config)

	store, err := sqlite.Open(config.Database.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-submit: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	q := queue.New(store, logger)

	ctx := context.Background()
	var cmdErr error
	switch os.Args[1] {
	case "submit":
		cmdErr = runSubmit(ctx, q, config, os.Args[2:])
	case "submit-file":
		cmdErr = runSubmitFile(ctx, q, config, os.Args[2:])
	case "submit-json":
		cmdErr = runSubmitJSON(ctx, q, config, os.Args[2:])
	case "list":
		cmdErr = runList(ctx, q, os.Args[2:])
	case "stats":
		cmdErr = runStats(ctx, q, config)
	case "show":
		cmdErr = runShow(ctx, q, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "foreman-submit: %v\n", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: foreman-submit <submit|submit-file|submit-json|list|stats|show> [flags]")
}

type submitFlags struct {
	dir      string
	context  string
	outputs  string
	priority int
	metadata string
	retries  int
}

func bindSubmitFlags(fs *flag.FlagSet, config *common.Config) *submitFlags {
	f := &submitFlags{}
	fs.StringVar(&f.dir, "dir", "", "Working directory for the task")
	fs.StringVar(&f.context, "context", "", "Comma-separated context files")
	fs.StringVar(&f.outputs, "outputs", "", "Comma-separated expected output files")
	fs.IntVar(&f.priority, "priority", config.Defaults.Priority, "Task priority (higher runs earlier)")
	fs.StringVar(&f.metadata, "metadata", "", "Task metadata as a JSON object")
	fs.IntVar(&f.retries, "retries", 0, "Automatic retry budget")
	return f
}

func (f *submitFlags) buildTask(config *common.Config, prompt string) (*models.Task, error) {
	if err := config.ValidateWorkingDir(f.dir, false); err != nil {
		return nil, err
	}

	var metadata map[string]interface{}
	if f.metadata != "" {
		if err := json.Unmarshal([]byte(f.metadata), &metadata); err != nil {
			return nil, fmt.Errorf("invalid --metadata: %w", err)
		}
	}

	return &models.Task{
		Prompt:          prompt,
		WorkingDir:      f.dir,
		ContextFiles:    splitList(f.context),
		ExpectedOutputs: splitList(f.outputs),
		Metadata:        metadata,
		Priority:        f.priority,
		MaxRetries:      f.retries,
	}, nil
}

func runSubmit(ctx context.Context, q *queue.Queue, config *common.Config, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	f := bindSubmitFlags(fs, config)
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("submit requires a prompt argument")
	}
	prompt := strings.Join(fs.Args(), " ")

	task, err := f.buildTask(config, prompt)
	if err != nil {
		return err
	}
	id, err := q.AddTask(ctx, task)
	if err != nil {
		return err
	}
	fmt.Printf("Task %d submitted\n", id)
	return nil
}

// runSubmitFile submits one task per non-empty, non-comment line of a file.
func runSubmitFile(ctx context.Context, q *queue.Queue, config *common.Config, args []string) error {
	fs := flag.NewFlagSet("submit-file", flag.ExitOnError)
	f := bindSubmitFlags(fs, config)
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("submit-file requires a file argument")
	}

	file, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		task, err := f.buildTask(config, line)
		if err != nil {
			return err
		}
		id, err := q.AddTask(ctx, task)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d submitted: %s\n", id, truncate(line, 60))
		count++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Printf("%d tasks submitted\n", count)
	return nil
}

// taskSpec is the JSON shape accepted by submit-json: an array of these,
// validated before anything is enqueued so a bad entry rejects the batch.
type taskSpec struct {
	Prompt          string                 `json:"prompt" validate:"required"`
	WorkingDir      string                 `json:"working_dir"`
	ContextFiles    []string               `json:"context_files"`
	ExpectedOutputs []string               `json:"expected_outputs"`
	Metadata        map[string]interface{} `json:"metadata"`
	Priority        int                    `json:"priority" validate:"min=0,max=100"`
	MaxRetries      int                    `json:"max_retries" validate:"min=0,max=10"`
	DependsOnIndex  []int                  `json:"depends_on_index" validate:"dive,min=0"`
	AllowExternal   bool                   `json:"allow_external"`
}

// runSubmitJSON submits a batch of structured tasks from a JSON file.
// depends_on_index entries reference earlier tasks in the same file, so a
// whole dependency chain can be submitted in one shot.
func runSubmitJSON(ctx context.Context, q *queue.Queue, config *common.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("submit-json requires a file argument")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("invalid task file %s: %w", args[0], err)
	}

	validate := validator.New()
	for i, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		for _, dep := range spec.DependsOnIndex {
			if dep >= i {
				return fmt.Errorf("task %d: depends_on_index %d must reference an earlier task", i, dep)
			}
		}
		if err := config.ValidateWorkingDir(spec.WorkingDir, spec.AllowExternal); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}

	ids := make([]int64, 0, len(specs))
	for i, spec := range specs {
		id, err := q.AddTask(ctx, &models.Task{
			Prompt:          spec.Prompt,
			WorkingDir:      spec.WorkingDir,
			ContextFiles:    spec.ContextFiles,
			ExpectedOutputs: spec.ExpectedOutputs,
			Metadata:        spec.Metadata,
			Priority:        spec.Priority,
			MaxRetries:      spec.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		for _, dep := range spec.DependsOnIndex {
			if err := q.AddTaskDependency(ctx, id, ids[dep]); err != nil {
				return fmt.Errorf("task %d dependency: %w", i, err)
			}
		}
		ids = append(ids, id)
		fmt.Printf("Task %d submitted: %s\n", id, truncate(spec.Prompt, 60))
	}
	fmt.Printf("%d tasks submitted\n", len(ids))
	return nil
}

func runList(ctx context.Context, q *queue.Queue, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", 50, "Maximum tasks to show")
	fs.Parse(args)

	tasks, err := q.ListTasks(ctx, models.TaskStatus(*status), *limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	fmt.Printf("%-6s %-12s %-10s %-8s %s\n", "ID", "STATUS", "WORKER", "PRIORITY", "PROMPT")
	for _, t := range tasks {
		fmt.Printf("%-6d %-12s %-10s %-8d %s\n",
			t.ID, t.Status, t.WorkerID, t.Priority, truncate(t.Prompt, 60))
	}
	return nil
}

func runStats(ctx context.Context, q *queue.Queue, config *common.Config) error {
	stats, err := q.GetStats(ctx, time.Duration(config.Workers.StaleTimeout)*time.Second)
	if err != nil {
		return err
	}

	fmt.Println("Task counts:")
	for _, s := range models.AllTaskStatuses {
		fmt.Printf("  %-12s %d\n", s, stats.Tasks[s])
	}
	fmt.Printf("Workers: %d registered, %d active\n", stats.TotalWorkers, stats.ActiveWorkers)
	return nil
}

func runShow(ctx context.Context, q *queue.Queue, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("show requires a task_id argument")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task_id %q", args[0])
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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
