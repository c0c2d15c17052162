// foreman is the coordinator binary: it opens the shared store, recovers
// stale work, and supervises a fleet of foreman-worker processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ternarybob/foreman/internal/common"
	"github.com/ternarybob/foreman/internal/coordinator"
	"github.com/ternarybob/foreman/internal/queue"
	"github.com/ternarybob/foreman/internal/storage/sqlite"
)

func main() {
	workers := flag.Int("workers", 0, "Number of workers to spawn (default from config, env WORKERS)")
	flag.IntVar(workers, "w", 0, "Shorthand for --workers")
	dbPath := flag.String("db", "", "Store path (default from config, env DB_PATH)")
	idleTimeout := flag.Int("idle-timeout", 0, "Shut down after this many seconds with an empty queue (0 = run forever)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	config, err := common.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		os.Exit(1)
	}

	// Positional form: foreman [workers] [db_path]
	args := flag.Args()
	if *workers == 0 && len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			*workers = n
		}
	}
	if *dbPath == "" && len(args) > 1 {
		*dbPath = args[1]
	}
	if *dbPath != "" {
		config.Database.Path = *dbPath
	}

	logger := common.InitLogger(config)
	common.PrintBanner("foreman")
	common.InstallCrashHandler(config.Workers.LogDirectory)
	defer common.RecoverWithCrashFile()

	store, err := sqlite.Open(config.Database.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	q := queue.New(store, logger)
	c := coordinator.New(config, q, *workers, time.Duration(*idleTimeout)*time.Second, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Coordinator failed")
	}
}
