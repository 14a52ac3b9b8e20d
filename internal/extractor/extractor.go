package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// Completer is a chat model that answers one system+user exchange.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Mode decides what happens when the rate limit is hit.
type Mode int

const (
	// ModeBlock waits up to Config.MaxWait for a slot.
	ModeBlock Mode = iota
	// ModeSkip fails fast with ErrRateLimited.
	ModeSkip
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return ModeBlock, nil
	case "skip":
		return ModeSkip, nil
	default:
		return ModeBlock, fmt.Errorf("unknown rate mode %q", s)
	}
}

func (m Mode) String() string {
	if m == ModeSkip {
		return "skip"
	}
	return "block"
}

type Config struct {
	RatePerMinute int
	Timeout       time.Duration
	Mode          Mode
	MaxWait       time.Duration
}

// DefaultConfig is 60 calls per minute, a 5s call timeout, and blocking
// for up to a little over one window.
func DefaultConfig() Config {
	return Config{
		RatePerMinute: 60,
		Timeout:       5 * time.Second,
		Mode:          ModeBlock,
		MaxWait:       65 * time.Second,
	}
}

// Candidate is one validated trade offer extracted from a message.
type Candidate struct {
	Intent market.Intent       `json:"intent" validate:"required,oneof=buy sell"`
	Item   string              `json:"item" validate:"required"`
	Price  decimal.NullDecimal `json:"price"`
	Specs  string              `json:"specs"`
}

type Extractor struct {
	llm      Completer
	limiter  *Limiter
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
}

func New(llm Completer, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.RatePerMinute <= 0 || cfg.RatePerMinute > 60 {
		cfg.RatePerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Extractor{
		llm:      llm,
		limiter:  NewLimiter(cfg.RatePerMinute, time.Minute),
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Limiter exposes the call limiter for status reporting.
func (e *Extractor) Limiter() *Limiter { return e.limiter }

type loggerKey struct{}

// WithLogger attaches a logger carrying the caller's message attributes.
// Extract logs through it, so drops can be traced to their room.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func (e *Extractor) log(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return e.logger
}

// Extract asks the model for the trade offers in text. A nil slice with a
// nil error means the model found nothing. Any error means the call itself
// failed and nothing should be recorded for this message.
func (e *Extractor) Extract(ctx context.Context, text string) ([]Candidate, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	raw, err := e.llm.Complete(callCtx, systemPrompt, text)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("llm extraction after %s: %w", e.cfg.Timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		e.log(ctx).Error("failed to parse extraction response",
			"error", err,
			"raw", raw,
		)
		return nil, err
	}

	var out []Candidate
	for i, rc := range parsed {
		c := rc.candidate()
		if err := e.validate.Struct(c); err != nil {
			e.log(ctx).Warn("dropping extraction candidate",
				"reason", "validation_failed",
				"index", i,
				"error", fmt.Errorf("%w: %v", ErrValidation, err),
			)
			continue
		}
		out = append(out, c)
	}

	e.log(ctx).Debug("extraction complete",
		"candidates", len(parsed),
		"valid", len(out),
	)
	return out, nil
}

func (e *Extractor) acquire(ctx context.Context) error {
	if e.limiter.TryAcquire() {
		return nil
	}
	if e.cfg.Mode == ModeSkip {
		e.log(ctx).Warn("llm rate limit reached; skipping call", "limit", e.limiter.Limit())
		return ErrRateLimited
	}

	e.log(ctx).Warn("llm rate limit reached; delaying call",
		"limit", e.limiter.Limit(),
		"max_wait", e.cfg.MaxWait,
	)
	if err := e.limiter.Acquire(ctx, e.cfg.MaxWait); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		return fmt.Errorf("wait for rate limit: %w", err)
	}
	return nil
}
