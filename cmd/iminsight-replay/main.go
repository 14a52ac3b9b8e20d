// Command iminsight-replay feeds a JSONL file of chat events through the
// pipeline. Messages already processed are skipped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MikeSquared-Agency/iminsight/internal/app"
	"github.com/MikeSquared-Agency/iminsight/internal/config"
	"github.com/MikeSquared-Agency/iminsight/internal/processor"
	"github.com/MikeSquared-Agency/iminsight/internal/replay"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

func main() {
	file := flag.String("file", "", "JSONL file with one chat event per line (required)")
	batch := flag.Int("batch", 50, "events per batch")
	statePath := flag.String("state", "", "resume state file (empty disables resume)")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	logger := app.SetupLogging(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("failed to load rules", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ext, err := app.NewExtractor(cfg, logger)
	if err != nil {
		slog.Error("failed to set up extractor", "error", err)
		os.Exit(1)
	}

	proc := processor.New(db, ext, nil, rules.Filter(), app.ProcessorConfig(cfg), logger)
	runner := replay.NewRunner(replay.Config{
		File:      *file,
		BatchSize: *batch,
		StatePath: *statePath,
	}, proc, logger)

	stats, err := runner.Run(ctx)
	fmt.Printf("\n=== Replay Summary ===\n")
	fmt.Printf("Received:  %d\n", stats.Received)
	fmt.Printf("Extracted: %d\n", stats.Extracted)
	fmt.Printf("Duplicate: %d\n", stats.Duplicate)
	fmt.Printf("Filtered:  %d\n", stats.Filtered)
	fmt.Printf("Degraded:  %d\n", stats.Degraded)
	fmt.Printf("Signals:   %d\n", stats.Signals)
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}
}
