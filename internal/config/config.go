package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// ErrInvalid marks configuration errors. They are fatal at startup only.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port        int    `env:"IMINSIGHT_PORT" envDefault:"8760" validate:"min=1,max=65535"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://data/iminsight.db" validate:"required"`
	NatsURL     string `env:"NATS_URL" envDefault:"nats://hermes:4222"`
	NatsToken   string `env:"NATS_TOKEN"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	APIToken    string `env:"IMINSIGHT_API_TOKEN"`
	RulesPath   string `env:"IMINSIGHT_RULES" envDefault:"config/rules.yaml" validate:"required"`

	LLMProvider    string        `env:"IMINSIGHT_LLM_PROVIDER" envDefault:"openai" validate:"oneof=openai anthropic"`
	LLMBaseURL     string        `env:"IMINSIGHT_LLM_BASE_URL" validate:"omitempty,url"`
	LLMAPIKey      string        `env:"IMINSIGHT_LLM_API_KEY"`
	LLMModel       string        `env:"IMINSIGHT_LLM_MODEL" envDefault:"gpt-4o-mini" validate:"required"`
	LLMTemperature float64       `env:"IMINSIGHT_LLM_TEMPERATURE" envDefault:"0.1" validate:"gte=0,lte=2"`
	LLMTimeout     time.Duration `env:"IMINSIGHT_LLM_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	// RateLimit is calls per minute, process wide. 60 is the hard ceiling.
	RateLimit   int           `env:"IMINSIGHT_RATE_LIMIT" envDefault:"60" validate:"min=1,max=60"`
	RateMode    string        `env:"IMINSIGHT_RATE_MODE" envDefault:"block" validate:"oneof=block skip"`
	RateMaxWait time.Duration `env:"IMINSIGHT_RATE_MAX_WAIT" envDefault:"65s" validate:"gte=0"`

	Workers       int           `env:"IMINSIGHT_WORKERS" envDefault:"4" validate:"min=1,max=64"`
	PollInterval  time.Duration `env:"IMINSIGHT_POLL_INTERVAL" envDefault:"2s" validate:"gt=0"`
	RetryInterval time.Duration `env:"IMINSIGHT_RETRY_INTERVAL" envDefault:"60s" validate:"gt=0"`
	MaxAttempts   int           `env:"IMINSIGHT_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`
	BufferSize    int           `env:"IMINSIGHT_BUFFER_SIZE" envDefault:"1024" validate:"min=1"`
	DrainTimeout  time.Duration `env:"IMINSIGHT_DRAIN_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	ReportDir      string        `env:"IMINSIGHT_REPORT_DIR" envDefault:"reports" validate:"required"`
	RawRetention   time.Duration `env:"IMINSIGHT_RAW_RETENTION" envDefault:"1440h" validate:"gt=0"`
	ReportValidity time.Duration `env:"IMINSIGHT_REPORT_VALIDITY" envDefault:"168h" validate:"gt=0"`
	PruneSchedule  string        `env:"IMINSIGHT_PRUNE_SCHEDULE" envDefault:"@every 1h"`
	ReportSchedule string        `env:"IMINSIGHT_REPORT_SCHEDULE"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load reads process settings from the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// RequireLLM checks the settings only the ingestion service needs.
func (c Config) RequireLLM() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("%w: IMINSIGHT_LLM_API_KEY is required", ErrInvalid)
	}
	return nil
}
