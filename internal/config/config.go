// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	Port               int           `yaml:"port"`
	JWTSecret          string        `yaml:"jwt_secret"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	ReprocessPerMinute int           `yaml:"reprocess_per_minute"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.URL) != "" }

type AIConfig struct {
	Provider        string `yaml:"provider"` // openai | gemini | noop
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	DefaultModel    string `yaml:"default_model"`
	ConcurrentLimit int    `yaml:"concurrent_limit"` // max concurrent AI calls
	MaxPromptTokens int    `yaml:"max_prompt_tokens"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	SystemPrompt    string `yaml:"system_prompt"`
}

type MailboxConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	StuckThreshold   time.Duration `yaml:"stuck_threshold"`
	MaxRetries       int           `yaml:"max_retries"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"` // 0 = fixed polling interval
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
}

type AlertsConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

func (a AlertsConfig) Enabled() bool { return a.TelegramToken != "" && a.TelegramChatID != 0 }

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Worker   WorkerConfig   `yaml:"worker"`
	Alerts   AlertsConfig   `yaml:"alerts"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Admin.TokenTTL <= 0 {
		cfg.Admin.TokenTTL = 12 * time.Hour
	}
	if cfg.Admin.ReprocessPerMinute <= 0 {
		cfg.Admin.ReprocessPerMinute = 10
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 10 * time.Second
	}

	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if cfg.AI.Provider == "" {
		switch {
		case cfg.AI.OpenAIKey != "":
			cfg.AI.Provider = "openai"
		case cfg.AI.GeminiKey != "":
			cfg.AI.Provider = "gemini"
		}
	}
	if cfg.AI.DefaultModel == "" {
		if cfg.AI.Provider == "gemini" {
			cfg.AI.DefaultModel = "gemini-2.0-flash"
		} else {
			cfg.AI.DefaultModel = "gpt-4o-mini"
		}
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 4
	}
	if cfg.AI.MaxPromptTokens <= 0 {
		cfg.AI.MaxPromptTokens = 3000
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 800
	}

	if cfg.Mailbox.Timeout <= 0 {
		cfg.Mailbox.Timeout = 20 * time.Second
	}

	if cfg.Worker.Interval <= 0 {
		cfg.Worker.Interval = 30 * time.Second
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.StuckThreshold <= 0 {
		cfg.Worker.StuckThreshold = 10 * time.Minute
	}
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.CallTimeout <= 0 {
		cfg.Worker.CallTimeout = 60 * time.Second
	}
	if cfg.Worker.RetryBackoffBase > 0 && cfg.Worker.RetryBackoffMax <= 0 {
		cfg.Worker.RetryBackoffMax = 30 * time.Minute
	}
}

func (cfg *Config) validate() error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if cfg.Mailbox.BaseURL == "" {
		return errors.New("mailbox.base_url is required")
	}
	switch cfg.AI.Provider {
	case "openai":
		if cfg.AI.OpenAIKey == "" {
			return errors.New("ai.openai_key is required for provider openai")
		}
	case "gemini":
		if cfg.AI.GeminiKey == "" {
			return errors.New("ai.gemini_key is required for provider gemini")
		}
	case "noop":
		if !cfg.Runtime.Dev {
			return errors.New("ai.provider noop is only allowed in dev mode")
		}
	default:
		return fmt.Errorf("no AI provider configured: set ai.openai_key or ai.gemini_key")
	}
	if cfg.Admin.JWTSecret == "" && !cfg.Runtime.Dev {
		return errors.New("admin.jwt_secret is required")
	}
	// The stuck sweep must not reclaim jobs whose external calls are still
	// within their own timeout.
	if cfg.Worker.StuckThreshold <= 3*cfg.Worker.CallTimeout {
		return fmt.Errorf("worker.stuck_threshold (%s) must exceed 3x worker.call_timeout (%s)", cfg.Worker.StuckThreshold, cfg.Worker.CallTimeout)
	}
	return nil
}
