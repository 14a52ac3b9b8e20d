package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/iminsight/internal/extractor"
	"github.com/MikeSquared-Agency/iminsight/internal/filter"
	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/ingest"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// Store is the part of store.Store the pipeline writes through.
type Store interface {
	InsertRaw(ctx context.Context, msg market.RawMessage) (bool, error)
	HasSeen(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, id uuid.UUID) (int, error)
	PendingRaw(ctx context.Context, maxAttempts, limit int) ([]market.RawMessage, error)
	InsertSignals(ctx context.Context, signals []market.Signal) (int, error)
}

type Extractor interface {
	Extract(ctx context.Context, text string) ([]extractor.Candidate, error)
}

// Publisher announces stored signals. hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

type Config struct {
	Workers       int
	MaxAttempts   int
	RetryBatch    int
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   5,
		RetryBatch:    100,
		RetryInterval: time.Minute,
	}
}

// Processor runs the ingestion pipeline: group check, dedup, stage filter,
// extraction, signal write, watermark. A message is only marked processed
// after everything it produced is durably stored.
type Processor struct {
	store     Store
	extractor Extractor
	publisher Publisher
	rules     filter.Rules
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	totals    tally
	lastSweep time.Time
}

// New builds a Processor. rules is a snapshot; later edits to the rules
// file do not affect a running processor. pub may be nil.
func New(s Store, ext Extractor, pub Publisher, rules filter.Rules, cfg Config, logger *slog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBatch < 1 {
		cfg.RetryBatch = def.RetryBatch
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Processor{
		store:     s,
		extractor: ext,
		publisher: pub,
		rules:     rules,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[uuid.UUID]struct{}),
	}
}

// Snapshot returns lifetime counters.
func (p *Processor) Snapshot() Stats {
	return p.totals.snapshot()
}

// InFlight returns how many messages are being worked on right now.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// ProcessBatch runs every event through the pipeline on the worker pool.
// A failing event never stops its siblings.
func (p *Processor) ProcessBatch(ctx context.Context, events []ingest.Event) Stats {
	var batch tally
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for _, ev := range events {
		g.Go(func() error {
			o, n := p.processEvent(ctx, ev)
			batch.record(o, n)
			return nil
		})
	}
	g.Wait()

	stats := batch.snapshot()
	p.totals.add(stats)
	return stats
}

// RetryPending reprocesses stored messages that were never marked, for
// example after a timeout or a crash mid-message.
func (p *Processor) RetryPending(ctx context.Context) Stats {
	pending, err := p.store.PendingRaw(ctx, p.cfg.MaxAttempts, p.cfg.RetryBatch)
	if err != nil {
		p.logger.Error("failed to list pending messages", "error", err)
		return Stats{}
	}

	var batch tally
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for _, msg := range pending {
		if !p.claim(msg.ID) {
			continue
		}
		g.Go(func() error {
			defer p.release(msg.ID)
			o, n := p.handle(ctx, msg)
			p.logger.Debug("pending message retried", "room", msg.Room, "message_id", msg.ID, "outcome", o.String())
			batch.record(o, n)
			return nil
		})
	}
	g.Wait()

	stats := batch.snapshot()
	if stats.Received > 0 {
		p.logger.Info("retry sweep complete",
			"retried", stats.Received,
			"extracted", stats.Extracted,
			"degraded", stats.Degraded,
			"abandoned", stats.Abandoned,
		)
	}
	p.totals.add(stats)
	return stats
}

// Drain processes whatever src still holds. It is meant for shutdown, after
// intake has stopped and with a ctx that outlives the one Run was given.
func (p *Processor) Drain(ctx context.Context, src ingest.Source) Stats {
	events, err := src.Poll(ctx)
	if err != nil {
		p.logger.Error("poll failed during drain", "error", err)
	}
	if len(events) == 0 {
		return Stats{}
	}

	stats := p.ProcessBatch(ctx, events)
	p.logger.Info("drained queued events",
		"received", stats.Received,
		"extracted", stats.Extracted,
		"degraded", stats.Degraded,
		"signals", stats.Signals,
	)
	return stats
}

// Run polls src every interval until ctx ends. Each cycle first sweeps
// pending messages (at most once per retry interval) and then processes
// whatever src has queued.
func (p *Processor) Run(ctx context.Context, src ingest.Source, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("processor started",
		"interval", interval,
		"workers", p.cfg.Workers,
		"max_attempts", p.cfg.MaxAttempts,
	)
	for {
		p.cycle(ctx, src)

		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) cycle(ctx context.Context, src ingest.Source) {
	if now := p.now(); now.Sub(p.lastSweep) >= p.cfg.RetryInterval {
		p.lastSweep = now
		p.RetryPending(ctx)
	}

	events, err := src.Poll(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("poll failed", "error", err)
	}
	if len(events) == 0 {
		return
	}

	stats := p.ProcessBatch(ctx, events)
	p.logger.Info("batch processed",
		"received", stats.Received,
		"extracted", stats.Extracted,
		"filtered", stats.Filtered,
		"duplicate", stats.Duplicate,
		"degraded", stats.Degraded,
		"signals", stats.Signals,
	)
}

func (p *Processor) processEvent(ctx context.Context, ev ingest.Event) (Outcome, int) {
	if err := ev.Validate(); err != nil {
		p.logger.Warn("dropping invalid event", "room", ev.Room, "error", err)
		return OutcomeInvalid, 0
	}
	if !p.rules.MatchGroup(ev.Room) {
		p.logger.Debug("message skipped", "room", ev.Room, "reason", filter.ReasonNotTargetGroup)
		return OutcomeSkippedGroup, 0
	}

	msg := ev.Raw()
	if !p.claim(msg.ID) {
		p.logger.Debug("duplicate message in flight", "room", msg.Room, "message_id", msg.ID)
		return OutcomeDuplicate, 0
	}
	defer p.release(msg.ID)

	seen, err := p.store.HasSeen(ctx, msg.ID)
	if err != nil {
		p.logger.Error("dedup check failed", "room", msg.Room, "message_id", msg.ID, "error", err)
		return OutcomeStorageError, 0
	}
	if seen {
		p.logger.Debug("duplicate message", "room", msg.Room, "message_id", msg.ID)
		return OutcomeDuplicate, 0
	}

	created, err := p.store.InsertRaw(ctx, msg)
	if err != nil {
		p.logger.Error("failed to store raw message", "room", msg.Room, "message_id", msg.ID, "error", err)
		return OutcomeStorageError, 0
	}
	if !created {
		// Stored by an earlier delivery but not finished; the retry sweep
		// owns it from here.
		p.logger.Debug("message already pending", "room", msg.Room, "message_id", msg.ID)
		return OutcomeDuplicate, 0
	}

	return p.handle(ctx, msg)
}

// handle runs a stored, claimed message from the stage filter onwards.
func (p *Processor) handle(ctx context.Context, msg market.RawMessage) (Outcome, int) {
	if d := filter.Classify(p.rules, msg); !d.Accepted {
		p.logger.Info("message filtered", "room", msg.Room, "reason", d.Reason, "message_id", msg.ID)
		if _, err := p.store.MarkSeen(ctx, msg.ID, p.now()); err != nil {
			p.logger.Error("failed to mark filtered message", "message_id", msg.ID, "error", err)
			return OutcomeStorageError, 0
		}
		return OutcomeFiltered, 0
	}

	msgLogger := p.logger.With("room", msg.Room, "message_id", msg.ID)
	candidates, err := p.extractor.Extract(extractor.WithLogger(ctx, msgLogger), msg.Content)
	if err != nil {
		return p.degraded(ctx, msg, err), 0
	}

	signals := make([]market.Signal, 0, len(candidates))
	for i, c := range candidates {
		signals = append(signals, market.Signal{
			ID:           market.SignalID(msg.ID, i),
			RawMessageID: msg.ID,
			ItemIndex:    i,
			Intent:       c.Intent,
			Item:         c.Item,
			Price:        c.Price,
			Specs:        c.Specs,
			RawContent:   msg.Content,
			Timestamp:    msg.Timestamp,
			Room:         msg.Room,
			Sender:       msg.Sender,
		})
	}

	inserted, err := p.store.InsertSignals(ctx, signals)
	if err != nil {
		p.logger.Error("failed to store signals",
			"room", msg.Room,
			"message_id", msg.ID,
			"signals", len(signals),
			"error", err,
		)
		return OutcomeStorageError, 0
	}

	p.publish(signals)

	if _, err := p.store.MarkSeen(ctx, msg.ID, p.now()); err != nil {
		// Signals are stored; a retry re-extracts but its inserts are no-ops.
		p.logger.Error("failed to mark processed message", "message_id", msg.ID, "error", err)
		return OutcomeStorageError, inserted
	}

	p.logger.Info("message extracted",
		"room", msg.Room,
		"message_id", msg.ID,
		"candidates", len(candidates),
		"stored", inserted,
	)
	return OutcomeExtracted, inserted
}

// degraded leaves msg unmarked so a later sweep retries it, unless it has
// used up its attempts.
func (p *Processor) degraded(ctx context.Context, msg market.RawMessage, cause error) Outcome {
	p.logger.Warn("extraction degraded", "room", msg.Room, "message_id", msg.ID, "error", cause)

	// Shutdown and rate limiting say nothing about the message itself.
	if ctx.Err() != nil || errors.Is(cause, extractor.ErrRateLimited) {
		return OutcomeDegraded
	}

	attempts, err := p.store.RecordAttempt(ctx, msg.ID)
	if err != nil {
		p.logger.Error("failed to record attempt", "message_id", msg.ID, "error", err)
		return OutcomeDegraded
	}
	if attempts < p.cfg.MaxAttempts {
		return OutcomeDegraded
	}

	p.logger.Warn("abandoning message after repeated extraction failures",
		"room", msg.Room,
		"message_id", msg.ID,
		"attempts", attempts,
	)
	if _, err := p.store.MarkSeen(ctx, msg.ID, p.now()); err != nil {
		p.logger.Error("failed to mark abandoned message", "message_id", msg.ID, "error", err)
		return OutcomeDegraded
	}
	return OutcomeAbandoned
}

func (p *Processor) publish(signals []market.Signal) {
	if p.publisher == nil {
		return
	}
	for _, s := range signals {
		if err := p.publisher.Publish(hermes.SubjectSignalStored, hermes.NewSignalEvent(s)); err != nil {
			p.logger.Warn("failed to publish signal", "signal_id", s.ID, "error", err)
		}
	}
}

func (p *Processor) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Processor) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}
