package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxConcurrent != 8 || cfg.TurnTimeout.Std() != 90*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := Default()
	original.DataDir = "/tmp/atlas-test"
	original.LogLevel = "debug"
	original.MaxConcurrent = 4
	original.LLM.APIKey = "sk-test-round-trip"
	original.Calendar.BaseURL = "https://calendar.example.com"
	original.IdleClose.After = Duration(24 * time.Hour)
	original.Pricing = map[string]PriceConfig{"gpt-5": {InputPerMillion: "1.25", OutputPerMillion: "10"}}
	writeTestConfig(t, path, original)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DataDir != original.DataDir || loaded.MaxConcurrent != 4 || loaded.LogLevel != "debug" {
		t.Errorf("scalar fields lost: %+v", loaded)
	}
	if loaded.LLM.APIKey != "sk-test-round-trip" {
		t.Errorf("llm.api_key lost: %q", loaded.LLM.APIKey)
	}
	if loaded.IdleClose.After.Std() != 24*time.Hour {
		t.Errorf("idle_close.after = %v", loaded.IdleClose.After.Std())
	}
	if loaded.Pricing["gpt-5"].InputPerMillion != "1.25" {
		t.Errorf("pricing lost: %+v", loaded.Pricing)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should not remain after Save")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("ATLAS_MAX_CONCURRENT", "16")
	t.Setenv("ATLAS_TURN_TIMEOUT", "45s")
	t.Setenv("ATLAS_IDLE_CLOSE_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.MaxConcurrent != 16 {
		t.Errorf("max_concurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.TurnTimeout.Std() != 45*time.Second {
		t.Errorf("turn_timeout = %v", cfg.TurnTimeout.Std())
	}
	if cfg.IdleClose.Enabled {
		t.Error("idle_close should be disabled by the environment")
	}
}

func TestLoad_BadJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"max_concurrent":`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"concurrency", func(c *Config) { c.MaxConcurrent = 0 }, "max_concurrent"},
		{"turn timeout", func(c *Config) { c.TurnTimeout = 0 }, "turn_timeout"},
		{"context window", func(c *Config) { c.LLM.ContextWindow = 1000; c.LLM.OutputReserve = 1000 }, "context_window"},
		{"tokenizer", func(c *Config) { c.LLM.Tokenizer = "bpe" }, "tokenizer"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"idle schedule", func(c *Config) { c.IdleClose.Schedule = "" }, "idle_close.schedule"},
		{"price", func(c *Config) {
			c.Pricing = map[string]PriceConfig{"m": {InputPerMillion: "cheap", OutputPerMillion: "1"}}
		}, "pricing.m.input_per_million"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	cfg := Default()
	cfg.IdleClose.Enabled = false
	cfg.IdleClose.Schedule = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled idle close needs no schedule: %v", err)
	}
}

func TestPriceTable(t *testing.T) {
	cfg := Default()
	cfg.Pricing = map[string]PriceConfig{
		"gpt-4o-mini": {InputPerMillion: "0.20", OutputPerMillion: "0.80"},
		"gpt-5":       {InputPerMillion: "1.25", OutputPerMillion: "10"},
	}
	table := cfg.PriceTable()

	if p := table["gpt-4o-mini"]; !p.InputPerMillion.Equal(decimal.RequireFromString("0.20")) {
		t.Errorf("override not applied: %s", p.InputPerMillion)
	}
	if _, ok := table["gpt-5"]; !ok {
		t.Error("new model missing")
	}
	if _, ok := table["gpt-4o"]; !ok {
		t.Error("built-in prices should be kept")
	}
}

func TestDatabase(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/atlas"
	if got := cfg.Database(); got != "/var/lib/atlas/atlas.db" {
		t.Errorf("got %q", got)
	}
	cfg.DatabasePath = "/data/x.db"
	if got := cfg.Database(); got != "/data/x.db" {
		t.Errorf("got %q", got)
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret-9876"

	values, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]any{}
	for i, kv := range values {
		found[kv.Key] = kv.Value
		if i > 0 && values[i-1].Key > kv.Key {
			t.Errorf("values not sorted at %s", kv.Key)
		}
	}
	if found["llm.api_key"] != "***9876" {
		t.Errorf("api key not masked: %v", found["llm.api_key"])
	}
	if found["turn_timeout"] != "1m30s" {
		t.Errorf("turn_timeout = %v", found["turn_timeout"])
	}

	values, err = ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, kv := range values {
		if kv.Key == "llm.api_key" && kv.Value != "sk-secret-9876" {
			t.Errorf("unmasked list should show the value, got %v", kv.Value)
		}
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Default()
	cfg.HTTP.Listen = ":9090"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "http.listen")
	if err != nil {
		t.Fatal(err)
	}
	if v != ":9090" {
		t.Errorf("got %v", v)
	}
	if _, err := GetValue(path, "http.nope"); err == nil {
		t.Error("expected unknown key error")
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	for key, value := range map[string]string{
		"max_concurrent":     "12",
		"idle_close.after":   "6h",
		"idle_close.enabled": "false",
		"retry.multiplier":   "1.5",
		"calendar.base_url":  "https://calendar.example.com",
	} {
		if err := SetValue(path, key, value); err != nil {
			t.Fatalf("SetValue(%s): %v", key, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrent != 12 || cfg.IdleClose.After.Std() != 6*time.Hour || cfg.IdleClose.Enabled {
		t.Errorf("values not saved: %+v", cfg)
	}
	if cfg.Retry.Multiplier != 1.5 || cfg.Calendar.BaseURL != "https://calendar.example.com" {
		t.Errorf("values not saved: %+v", cfg)
	}
}

func TestSetValue_Rejects(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	tests := map[string][2]string{
		"unknown key":    {"llm.model", "gpt-4"},
		"not a number":   {"max_concurrent", "lots"},
		"not a bool":     {"idle_close.enabled", "maybe"},
		"bad duration":   {"turn_timeout", "soon"},
		"fails validate": {"max_concurrent", "0"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			if err := SetValue(path, kv[0], kv[1]); err == nil {
				t.Errorf("expected error setting %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFormat = "json"

	cfg.NewLogger(&buf).Log(context.Background(), LevelTrace, "prompt built", "tokens", 42)

	var entry map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "TRACE" {
		t.Errorf("level = %v", entry["level"])
	}
}
