package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"llm": map[string]any{
			"base_url": "https://api.openai.com/v1",
			"api_key":  "sk-test123",
		},
		"idle_close": map[string]any{
			"window": map[string]any{"after": "72h"},
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["llm.base_url"] != "https://api.openai.com/v1" {
		t.Errorf("expected llm.base_url, got %v", got["llm.base_url"])
	}
	if got["idle_close.window.after"] != "72h" {
		t.Errorf("expected deep key, got %v", got["idle_close.window.after"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 4 {
		t.Errorf("expected 4 keys, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"a": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected 0 keys, got %d", len(got))
	}
}

func TestUnflatten_RoundTrip(t *testing.T) {
	flat := map[string]any{
		"redis.url":         "redis://localhost:6379/0",
		"redis.lock_expiry": "2m0s",
		"max_concurrent":    8.0,
	}
	nested := Unflatten(flat)
	redis, ok := nested["redis"].(map[string]any)
	if !ok {
		t.Fatalf("expected redis to be a map, got %T", nested["redis"])
	}
	if redis["url"] != "redis://localhost:6379/0" {
		t.Errorf("unexpected redis.url %v", redis["url"])
	}
	back := Flatten(nested)
	for k, v := range flat {
		if back[k] != v {
			t.Errorf("%s: got %v want %v", k, back[k], v)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.api_key":      "sk-abcdef1234",
		"calendar.api_key": "key",
		"redis.url":        "",
		"llm.base_url":     "https://api.openai.com/v1",
	}
	got := MaskSecrets(flat)
	tests := map[string]any{
		"llm.api_key":      "***1234",
		"calendar.api_key": "***",
		"redis.url":        "",
		"llm.base_url":     "https://api.openai.com/v1",
	}
	for k, want := range tests {
		if got[k] != want {
			t.Errorf("%s: got %v want %v", k, got[k], want)
		}
	}
	if flat["llm.api_key"] != "sk-abcdef1234" {
		t.Error("input map must not be modified")
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("calendar.api_key") {
		t.Error("calendar.api_key should be secret")
	}
	if IsSecretKey("calendar.base_url") {
		t.Error("calendar.base_url should not be secret")
	}
}
