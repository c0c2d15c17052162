// foreman-rollback replays a task's change journal in reverse, restoring
// modified and deleted files and removing created ones.
//
//	foreman-rollback <task_id> [--db path] [--dry-run]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

func main() {
	dbPath := flag.String("db", "", "Store path (default from config, env DB_PATH)")
	dryRun := flag.Bool("dry-run", false, "Show what would be done without touching files")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman-rollback <task_id> [--db path] [--dry-run]")
		os.Exit(1)
	}
	taskID, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-rollback: invalid task_id %q\n", flag.Arg(0))
		os.Exit(1)
	}

	config, err := common.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-rollback: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		config.Database.Path = *dbPath
	}
	logger := common.InitLogger(config)

	store, err := sqlite.Open(config.Database.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-rollback: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	q := queue.New(store, logger)
	ctx := context.Background()

	changes, err := q.GetTaskChanges(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-rollback: %v\n", err)
		os.Exit(1)
	}
	if len(changes) == 0 {
		fmt.Printf("Task %d has no recorded changes\n", taskID)
		return
	}

	fmt.Printf("Task %d recorded %d changes:\n", taskID, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		fmt.Printf("  %s %s\n", c.Operation, c.FilePath)
	}

	if *dryRun {
		fmt.Println("Dry run; no files were touched")
		return
	}

	if !confirm(fmt.Sprintf("Roll back these %d changes? [y/N] ", len(changes))) {
		fmt.Println("Aborted")
		os.Exit(1)
	}

	result, err := q.RollbackTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-rollback: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Restored: %d\n", len(result.Restored))
	for _, f := range result.Restored {
		fmt.Printf("  %s\n", f)
	}
	fmt.Printf("Deleted: %d\n", len(result.Deleted))
	for _, f := range result.Deleted {
		fmt.Printf("  %s\n", f)
	}
	if len(result.Errors) > 0 {
		fmt.Printf("Errors: %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  %s\n", e)
		}
		os.Exit(1)
	}
}

func confirm(prompt string) bool {
	// Non-interactive invocations (scripts, CI) proceed without a prompt
	if !common.IsInteractive() {
		return true
	}
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
