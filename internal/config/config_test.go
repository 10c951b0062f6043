package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		KnowledgeDir: "/tmp/knowledge",
		Provider: ProviderConfig{
			Type:  ProviderOpenAI,
			Model: "gpt-5.2",
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg := validConfig()
	cfg.KnowledgeDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate: want error for missing knowledge_dir")
	}

	cfg = validConfig()
	cfg.Provider.Type = "carrier-pigeon"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "unknown provider type") {
		t.Fatalf("Validate: err=%v, want unknown provider type", err)
	}

	cfg = validConfig()
	cfg.Provider.Type = ProviderOpenAICompatible
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate: openai_compatible without base_url must fail")
	}
	cfg.Provider.BaseURL = "http://localhost:11434/v1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with base_url: %v", err)
	}

	cfg = validConfig()
	cfg.Provider.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate: want error for missing model")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Context.MaxVerbatim = 20
	cfg.Queue.MaxAttempts = 7

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Provider.Model != cfg.Provider.Model {
		t.Fatalf("Model=%q, want %q", got.Provider.Model, cfg.Provider.Model)
	}
	if got.Context.MaxVerbatimOrDefault() != 20 {
		t.Fatalf("MaxVerbatim=%d, want 20", got.Context.MaxVerbatimOrDefault())
	}
	if got.Queue.MaxAttemptsOrDefault() != 7 {
		t.Fatalf("MaxAttempts=%d, want 7", got.Queue.MaxAttemptsOrDefault())
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	var ctx ContextConfig
	if ctx.MaxVerbatimOrDefault() != 15 || ctx.BatchSizeOrDefault() != 10 {
		t.Fatalf("context defaults = (%d, %d), want (15, 10)", ctx.MaxVerbatimOrDefault(), ctx.BatchSizeOrDefault())
	}

	var q QueueConfig
	if !q.EnabledOrDefault() {
		t.Fatalf("queue disabled by default")
	}
	if q.MaxAttemptsOrDefault() != 5 || q.RetryBaseSecOrDefault() != 60 {
		t.Fatalf("queue retry defaults = (%d, %d), want (5, 60)", q.MaxAttemptsOrDefault(), q.RetryBaseSecOrDefault())
	}
	if q.DedupeTTLHoursOrDefault() != 24 || q.ProcessingTimeoutSecOrDefault() != 300 {
		t.Fatalf("queue ttl defaults wrong")
	}
}
