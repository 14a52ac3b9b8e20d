package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/iminsight/internal/api"
	"github.com/MikeSquared-Agency/iminsight/internal/app"
	"github.com/MikeSquared-Agency/iminsight/internal/config"
	"github.com/MikeSquared-Agency/iminsight/internal/cronrunner"
	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/ingest"
	"github.com/MikeSquared-Agency/iminsight/internal/processor"
	"github.com/MikeSquared-Agency/iminsight/internal/report"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

func main() {
	cfg, err := config.Load()
	logger := app.SetupLogging(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("iminsight starting", "port", cfg.Port, "provider", cfg.LLMProvider)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Rules are a startup snapshot for ingestion. Reports re-read the file.
	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("failed to load rules", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	filterRules := rules.Filter()
	slog.Info("rules loaded",
		"targets", len(rules.Targets),
		"blacklist", len(rules.Blacklist),
		"whitelist", len(rules.Whitelist),
		"temporary_goods", len(rules.TemporaryGoods),
	)

	// Database
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database ready")

	// Extraction gateway
	ext, err := app.NewExtractor(cfg, logger)
	if err != nil {
		slog.Error("failed to set up extractor", "error", err)
		os.Exit(1)
	}
	slog.Info("extractor ready",
		"model", cfg.LLMModel,
		"rate_limit", cfg.RateLimit,
		"rate_mode", cfg.RateMode,
	)

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Inbound events land in a bounded buffer; non-target rooms are dropped here.
	buf := ingest.NewBuffer(cfg.BufferSize, filterRules.MatchGroup, logger)
	if err := hermesClient.Subscribe(hermes.SubjectMessageObserved, buf.HandleMessage); err != nil {
		slog.Error("failed to subscribe to chat events", "error", err)
		os.Exit(1)
	}

	proc := processor.New(db, ext, hermesClient, filterRules, app.ProcessorConfig(cfg), logger)
	reporter := report.New(db, app.GoodsLoader(cfg.RulesPath), hermesClient, app.ReportConfig(cfg), logger)

	// Scheduled jobs
	cron := cronrunner.New(ctx, logger)
	if _, err := cron.Add("prune_raw", cfg.PruneSchedule, func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-cfg.RawRetention)
		n, err := db.PruneRawOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		slog.Info("raw messages pruned", "count", n, "cutoff", cutoff)
		return nil
	}); err != nil {
		slog.Error("invalid prune schedule", "error", err)
		os.Exit(1)
	}
	if _, err := cron.Add("reports", cfg.ReportSchedule, func(ctx context.Context) error {
		for _, kind := range report.Kinds {
			if _, err := reporter.Generate(ctx, kind); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		slog.Error("invalid report schedule", "error", err)
		os.Exit(1)
	}
	cron.Start()

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, api.Deps{
		Pipeline: proc,
		Limiter:  ext.Limiter(),
		Queue:    buf,
		Reporter: reporter,
		Signals:  db,
		Bus:      hermesClient,
	}, logger)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("iminsight ready", "port", cfg.Port)

	// Blocks until a signal arrives; in-flight extraction aborts via ctx.
	if err := proc.Run(ctx, buf, cfg.PollInterval); err != nil && ctx.Err() == nil {
		slog.Error("processor stopped", "error", err)
	}

	slog.Info("shutting down")

	// Stop intake first so the buffer can only shrink, then work it off.
	// Signals from the drain still publish over the open connection.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := hermesClient.StopIntake(stopCtx); err != nil {
		slog.Warn("failed to stop chat intake", "error", err)
	}
	stopCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	drained := proc.Drain(drainCtx, buf)
	if drainCtx.Err() != nil {
		// Stored raw messages stay pending for the next start's sweep.
		slog.Warn("drain timed out", "timeout", cfg.DrainTimeout, "degraded", drained.Degraded, "storage_errors", drained.StorageErrors)
	}
	drainCancel()
	if n := buf.Len(); n > 0 {
		slog.Warn("buffered chat events lost at shutdown", "count", n)
	}

	cron.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	slog.Info("iminsight stopped")
}
