package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DEBOUNCE_SECONDS", "TYPING_SECONDS_DEFAULT", "HISTORY_MAX_MESSAGES_PER_CHUNK", "HISTORY_CONTEXT_CHUNKS", "PROACTIVE_TARGETS", "STT_ENABLED", "SPEECH_APP_ID", "SPEECH_ACCESS_TOKEN", "SPEECH_API_KEY", "PORT"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Router.Debounce != 2*time.Second {
		t.Fatalf("debounce default = %s", cfg.Router.Debounce)
	}
	if cfg.Router.DefaultHuman != 5*time.Second {
		t.Fatalf("typing default = %s", cfg.Router.DefaultHuman)
	}
	if cfg.History.MaxMessagesPerChunk != 20 || cfg.History.ContextChunks != 5 {
		t.Fatalf("unexpected history defaults %+v", cfg.History)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Speech.Enabled {
		t.Fatalf("speech should be disabled without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEBOUNCE_SECONDS", "0.5")
	t.Setenv("PROACTIVE_TARGETS", "42, 7")
	t.Setenv("PORT", "127.0.0.1:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.Debounce != 500*time.Millisecond {
		t.Fatalf("debounce = %s", cfg.Router.Debounce)
	}
	if len(cfg.Schedule.Targets) != 2 || cfg.Schedule.Targets[0] != 42 || cfg.Schedule.Targets[1] != 7 {
		t.Fatalf("targets = %v", cfg.Schedule.Targets)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DEBOUNCE_SECONDS":               "soon",
		"HISTORY_MAX_MESSAGES_PER_CHUNK": "0",
		"PROACTIVE_TARGETS":              "alice",
		"TYPING_SECONDS_DEFAULT":         "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestValidateRequiresCredentialsAndBridge(t *testing.T) {
	cfg := &Config{Router: RouterConfig{Debounce: time.Second}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "BRIDGE_URL") {
		t.Fatalf("error should mention BRIDGE_URL: %v", err)
	}

	cfg.AI = AIConfig{APIKey: "k", Model: "m"}
	cfg.Transport.URL = "ws://localhost:7000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
