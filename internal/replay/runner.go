package replay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/MikeSquared-Agency/iminsight/internal/ingest"
	"github.com/MikeSquared-Agency/iminsight/internal/processor"
)

// Batcher is the slice of the processor a replay needs.
type Batcher interface {
	ProcessBatch(ctx context.Context, events []ingest.Event) processor.Stats
	RetryPending(ctx context.Context) processor.Stats
}

// Config holds the replay command configuration.
type Config struct {
	File      string
	BatchSize int
	StatePath string // empty disables resume
}

// Runner replays a JSONL event file through the pipeline.
type Runner struct {
	cfg    Config
	proc   Batcher
	logger *slog.Logger
}

func NewRunner(cfg Config, proc Batcher, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Runner{cfg: cfg, proc: proc, logger: logger}
}

// Run submits the file in batches, saving progress after each one, then
// sweeps pending messages once. Messages already watermarked by an earlier
// run come back as duplicates, so replaying a file twice stores nothing new.
func (r *Runner) Run(ctx context.Context) (processor.Stats, error) {
	var total processor.Stats

	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return total, fmt.Errorf("load state: %w", err)
	}

	key, err := filepath.Abs(r.cfg.File)
	if err != nil {
		key = r.cfg.File
	}

	events, skipped, err := ParseFile(r.cfg.File)
	if err != nil {
		state.AddError(err.Error())
		_ = state.Save()
		return total, fmt.Errorf("parse file: %w", err)
	}
	if skipped > 0 {
		r.logger.Warn("skipped malformed lines", "path", r.cfg.File, "count", skipped)
	}

	start := state.Offset(key)
	if start > len(events) {
		// File was truncated or replaced since the last run.
		start = 0
		state.Offsets[key] = 0
	}
	r.logger.Info("replay starting",
		"path", r.cfg.File,
		"events", len(events),
		"resume_from", start,
		"batch_size", r.cfg.BatchSize,
	)

	for i := start; i < len(events); i += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			r.logger.Info("replay interrupted, saving state")
			_ = state.Save()
			return total, err
		}

		end := min(i+r.cfg.BatchSize, len(events))
		stats := r.proc.ProcessBatch(ctx, events[i:end])
		total.Add(stats)
		state.Totals.Add(stats)

		// A cancelled batch may have left messages unmarked; do not skip past it.
		if ctx.Err() != nil {
			_ = state.Save()
			return total, ctx.Err()
		}
		state.Advance(key, end-i)
		if err := state.Save(); err != nil {
			r.logger.Warn("failed to save replay state", "error", err)
		}

		r.logger.Info("batch complete",
			"from", i,
			"to", end,
			"extracted", stats.Extracted,
			"duplicate", stats.Duplicate,
			"signals", stats.Signals,
		)
	}

	// Messages that degraded on this or an earlier run come back as
	// duplicates above; the sweep is what gives them another attempt.
	if err := ctx.Err(); err != nil {
		return total, err
	}
	retried := r.proc.RetryPending(ctx)
	total.Add(retried)
	state.Totals.Add(retried)
	if err := state.Save(); err != nil {
		r.logger.Warn("failed to save replay state", "error", err)
	}

	r.logger.Info("replay complete",
		"path", r.cfg.File,
		"received", total.Received,
		"signals", total.Signals,
		"degraded", total.Degraded,
		"retried", retried.Received,
	)
	return total, nil
}
