// Command iminsight-report writes CSV reports from the signal store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/iminsight/internal/app"
	"github.com/MikeSquared-Agency/iminsight/internal/config"
	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/report"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

func main() {
	kindFlag := flag.String("kind", "all", "report kind: aggregate, per_group, temporary_goods or all")
	dirFlag := flag.String("dir", "", "output directory (default IMINSIGHT_REPORT_DIR)")
	announce := flag.Bool("announce", false, "publish a report event to NATS after each run")
	flag.Parse()

	cfg, err := config.Load()
	logger := app.SetupLogging(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	kinds := report.Kinds
	if !strings.EqualFold(*kindFlag, "all") {
		kind, err := report.ParseKind(*kindFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		kinds = []report.Kind{kind}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var pub report.Publisher
	var hc *hermes.Client
	if *announce {
		hc, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hc.Close()
		pub = hc
	}

	rcfg := app.ReportConfig(cfg)
	if *dirFlag != "" {
		rcfg.Dir = *dirFlag
	}
	gen := report.New(db, app.GoodsLoader(cfg.RulesPath), pub, rcfg, logger)

	failed := false
	for _, kind := range kinds {
		res, err := gen.Generate(ctx, kind)
		if err != nil {
			slog.Error("report failed", "kind", kind, "error", err)
			failed = true
			continue
		}
		for _, f := range res.Files {
			fmt.Println(f)
		}
		if res.ValidUntil != nil {
			fmt.Printf("valid until %s\n", res.ValidUntil.Format("2006-01-02 15:04"))
		}
	}
	if hc != nil {
		flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := hc.Flush(flushCtx); err != nil {
			slog.Warn("report events may not have been delivered", "error", err)
		}
		flushCancel()
	}
	if failed {
		os.Exit(1)
	}
}
