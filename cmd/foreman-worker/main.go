// foreman-worker is the execution agent: it claims tasks from the shared
// store and runs them through the external LLM tool. Usually spawned by
// foreman, but it can be started by hand against any store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
	"github.com/ternarybob/foreman/internal/worker"
)

func main() {
	llmCommand := flag.String("llm", "claude", "LLM tool command to invoke")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman-worker <worker_id> [db_path]")
		os.Exit(1)
	}
	workerID := args[0]

	config, err := common.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-worker: %v\n", err)
		os.Exit(1)
	}
	if len(args) > 1 {
		config.Database.Path = args[1]
	}

	logger := common.InitLogger(config)
	common.InstallCrashHandler(config.Workers.LogDirectory)
	defer common.RecoverWithCrashFile()

	store, err := sqlite.Open(config.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	q := queue.New(store, logger)
	runner := worker.NewCLIRunner(*llmCommand, logger)
	w := worker.New(workerID, q, config, runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Worker failed")
	}
}
