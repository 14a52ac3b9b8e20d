package cronrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner runs housekeeping jobs on cron schedules. A job that is still
// running when its next tick arrives is skipped rather than stacked.
type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
}

func New(baseCtx context.Context, logger *slog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{logger}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add schedules job under spec (standard five-field cron or a descriptor
// such as "@every 1h"). An empty spec disables the job.
func (r *Runner) Add(name, spec string, job func(context.Context) error) (bool, error) {
	if spec == "" {
		r.logger.Info("cron job disabled", "job", name)
		return false, nil
	}
	_, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.logger.Error("cron job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		r.logger.Debug("cron job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return false, fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	r.logger.Info("cron job scheduled", "job", name, "spec", spec)
	return true, nil
}

func (r *Runner) Start() {
	r.logger.Info("cron started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
