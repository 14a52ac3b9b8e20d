// Package app holds the wiring shared by the iminsight commands.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MikeSquared-Agency/iminsight/internal/anthropic"
	"github.com/MikeSquared-Agency/iminsight/internal/config"
	"github.com/MikeSquared-Agency/iminsight/internal/extractor"
	"github.com/MikeSquared-Agency/iminsight/internal/openaicompat"
	"github.com/MikeSquared-Agency/iminsight/internal/processor"
	"github.com/MikeSquared-Agency/iminsight/internal/report"
)

// SetupLogging installs a JSON slog handler on stdout as the default logger.
func SetupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// NewCompleter builds the chat model client for the configured provider.
func NewCompleter(cfg config.Config) (extractor.Completer, error) {
	switch cfg.LLMProvider {
	case "openai":
		return openaicompat.NewClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTemperature), nil
	case "anthropic":
		c := anthropic.NewClient(cfg.LLMAPIKey, cfg.LLMModel).WithTemperature(cfg.LLMTemperature)
		if cfg.LLMBaseURL != "" {
			c = c.WithBaseURL(cfg.LLMBaseURL)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", config.ErrInvalid, cfg.LLMProvider)
	}
}

// NewExtractor wires the provider client behind the rate-limited gateway.
func NewExtractor(cfg config.Config, logger *slog.Logger) (*extractor.Extractor, error) {
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}
	llm, err := NewCompleter(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := extractor.ParseMode(cfg.RateMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return extractor.New(llm, extractor.Config{
		RatePerMinute: cfg.RateLimit,
		Timeout:       cfg.LLMTimeout,
		Mode:          mode,
		MaxWait:       cfg.RateMaxWait,
	}, logger), nil
}

func ProcessorConfig(cfg config.Config) processor.Config {
	pc := processor.DefaultConfig()
	pc.Workers = cfg.Workers
	pc.MaxAttempts = cfg.MaxAttempts
	pc.RetryInterval = cfg.RetryInterval
	return pc
}

// GoodsLoader re-reads the temporary goods list from the rules file on
// every call.
func GoodsLoader(rulesPath string) report.GoodsLoader {
	return func() ([]string, error) {
		rules, err := config.LoadRules(rulesPath)
		if err != nil {
			return nil, err
		}
		return rules.TemporaryGoods, nil
	}
}

func ReportConfig(cfg config.Config) report.Config {
	return report.Config{
		Dir:      cfg.ReportDir,
		Validity: cfg.ReportValidity,
	}
}
