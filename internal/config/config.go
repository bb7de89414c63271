package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/billing"
)

// Duration is a time.Duration written as "90s" in JSON and the environment.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// PriceConfig is a per-million token price pair, written as decimal strings.
type PriceConfig struct {
	InputPerMillion  string `json:"input_per_million"`
	OutputPerMillion string `json:"output_per_million"`
}

type Config struct {
	DataDir       string   `json:"data_dir" env:"ATLAS_DATA_DIR"`
	DatabasePath  string   `json:"database_path" env:"ATLAS_DATABASE_PATH"`
	AgentsPath    string   `json:"agents_path" env:"ATLAS_AGENTS_PATH"`
	LogLevel      string   `json:"log_level" env:"ATLAS_LOG_LEVEL"`
	LogFormat     string   `json:"log_format" env:"ATLAS_LOG_FORMAT"`
	MaxConcurrent int      `json:"max_concurrent" env:"ATLAS_MAX_CONCURRENT"`
	TurnTimeout   Duration `json:"turn_timeout" env:"ATLAS_TURN_TIMEOUT"`
	HTTP          struct {
		Listen       string `json:"listen" env:"ATLAS_HTTP_LISTEN"`
		MaxBodyBytes int64  `json:"max_body_bytes" env:"ATLAS_HTTP_MAX_BODY_BYTES"`
	} `json:"http"`
	LLM struct {
		BaseURL       string   `json:"base_url" env:"OPENAI_BASE_URL"`
		APIKey        string   `json:"api_key" env:"OPENAI_API_KEY"`
		Timeout       Duration `json:"timeout" env:"ATLAS_LLM_TIMEOUT"`
		ContextWindow int      `json:"context_window" env:"ATLAS_LLM_CONTEXT_WINDOW"`
		OutputReserve int      `json:"output_reserve" env:"ATLAS_LLM_OUTPUT_RESERVE"`
		// Tokenizer is "tiktoken" or "approx".
		Tokenizer string `json:"tokenizer" env:"ATLAS_LLM_TOKENIZER"`
	} `json:"llm"`
	Tools struct {
		MaxDeadline Duration `json:"max_deadline" env:"ATLAS_TOOLS_MAX_DEADLINE"`
	} `json:"tools"`
	Calendar struct {
		BaseURL  string   `json:"base_url" env:"CALENDAR_BASE_URL"`
		APIKey   string   `json:"api_key" env:"CALENDAR_API_KEY"`
		Deadline Duration `json:"deadline" env:"ATLAS_CALENDAR_DEADLINE"`
	} `json:"calendar"`
	Redis struct {
		URL        string   `json:"url" env:"REDIS_URL"`
		LockExpiry Duration `json:"lock_expiry" env:"ATLAS_REDIS_LOCK_EXPIRY"`
	} `json:"redis"`
	Retry struct {
		MaxAttempts  int      `json:"max_attempts" env:"ATLAS_RETRY_MAX_ATTEMPTS"`
		InitialDelay Duration `json:"initial_delay" env:"ATLAS_RETRY_INITIAL_DELAY"`
		MaxDelay     Duration `json:"max_delay" env:"ATLAS_RETRY_MAX_DELAY"`
		Multiplier   float64  `json:"multiplier" env:"ATLAS_RETRY_MULTIPLIER"`
	} `json:"retry"`
	IdleClose struct {
		Enabled  bool     `json:"enabled" env:"ATLAS_IDLE_CLOSE_ENABLED"`
		After    Duration `json:"after" env:"ATLAS_IDLE_CLOSE_AFTER"`
		Schedule string   `json:"schedule" env:"ATLAS_IDLE_CLOSE_SCHEDULE"`
	} `json:"idle_close"`
	// Pricing overrides or extends the built-in price table, keyed by model.
	Pricing map[string]PriceConfig `json:"pricing,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".atlas-agent"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 8,
		TurnTimeout:   Duration(90 * time.Second),
	}
	cfg.HTTP.Listen = "127.0.0.1:8080"
	cfg.HTTP.MaxBodyBytes = 64 << 10
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Timeout = Duration(60 * time.Second)
	cfg.LLM.ContextWindow = 128000
	cfg.LLM.OutputReserve = 1024
	cfg.LLM.Tokenizer = "tiktoken"
	cfg.Tools.MaxDeadline = Duration(10 * time.Second)
	cfg.Calendar.Deadline = Duration(8 * time.Second)
	cfg.Redis.LockExpiry = Duration(2 * time.Minute)
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = Duration(100 * time.Millisecond)
	cfg.Retry.MaxDelay = Duration(2 * time.Second)
	cfg.Retry.Multiplier = 2
	cfg.IdleClose.Enabled = true
	cfg.IdleClose.After = Duration(72 * time.Hour)
	cfg.IdleClose.Schedule = "@every 15m"
	return cfg
}

// Load reads path over the defaults, writing the defaults there if the file
// does not exist, then applies environment overrides (highest precedence).
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	if f := strings.ToLower(c.LogFormat); f != "" && f != "text" && f != "json" {
		add("log_format: must be text or json, got %q", c.LogFormat)
	}
	if c.MaxConcurrent < 1 {
		add("max_concurrent: must be at least 1")
	}
	if c.TurnTimeout <= 0 {
		add("turn_timeout: must be positive")
	}
	if c.LLM.ContextWindow <= c.LLM.OutputReserve {
		add("llm.context_window (%d) must exceed llm.output_reserve (%d)", c.LLM.ContextWindow, c.LLM.OutputReserve)
	}
	if t := c.LLM.Tokenizer; t != "" && t != "tiktoken" && t != "approx" {
		add("llm.tokenizer: must be tiktoken or approx, got %q", t)
	}
	if c.Tools.MaxDeadline <= 0 {
		add("tools.max_deadline: must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts: must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier: must be at least 1")
	}
	if c.IdleClose.Enabled {
		if c.IdleClose.After <= 0 {
			add("idle_close.after: must be positive")
		}
		if c.IdleClose.Schedule == "" {
			add("idle_close.schedule: required when idle_close.enabled")
		}
	}
	for model, p := range c.Pricing {
		if _, err := decimal.NewFromString(p.InputPerMillion); err != nil {
			add("pricing.%s.input_per_million: %v", model, err)
		}
		if _, err := decimal.NewFromString(p.OutputPerMillion); err != nil {
			add("pricing.%s.output_per_million: %v", model, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Database returns the SQLite path, defaulting to atlas.db in DataDir.
func (c *Config) Database() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "atlas.db")
}

// PriceTable returns the built-in prices with the configured ones applied.
// Validate must have passed.
func (c *Config) PriceTable() billing.Pricing {
	table := billing.DefaultPricing()
	for model, p := range c.Pricing {
		table[model] = billing.Price{
			InputPerMillion:  decimal.RequireFromString(p.InputPerMillion),
			OutputPerMillion: decimal.RequireFromString(p.OutputPerMillion),
		}
	}
	return table
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
