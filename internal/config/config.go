package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for loomnote-agent.
//
// NOTE: API keys are read from the environment (LOOMNOTE_OPENAI_API_KEY,
// LOOMNOTE_ANTHROPIC_API_KEY), never stored in this file.
type Config struct {
	// StateDir holds the sqlite databases. If empty, ~/.loomnote-agent is used.
	StateDir string `json:"state_dir,omitempty"`

	// KnowledgeDir is the root of the markdown knowledge base (read-only here).
	KnowledgeDir string `json:"knowledge_dir"`

	Provider ProviderConfig `json:"provider"`
	Context  ContextConfig  `json:"context,omitempty"`
	Queue    QueueConfig    `json:"queue,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// ProviderConfig selects the language-model backend.
type ProviderConfig struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// Model is the model name sent to the provider.
	Model string `json:"model"`

	// SummaryModel optionally routes summarization to a cheaper model.
	// When empty, Model is used.
	SummaryModel string `json:"summary_model,omitempty"`
}

// ContextConfig bounds the verbatim conversation window.
type ContextConfig struct {
	// MaxVerbatim is the number of most-recent turns always kept un-summarized.
	MaxVerbatim int `json:"max_verbatim,omitempty"`
	// BatchSize is the number of turns compacted per summary.
	BatchSize int `json:"batch_size,omitempty"`
}

// QueueConfig controls the offline capture queue.
type QueueConfig struct {
	// Enabled gates the queue entirely. Disabled means failed captures
	// surface as errors instead of being retried.
	Enabled *bool `json:"enabled,omitempty"`

	MaxAttempts          int `json:"max_attempts,omitempty"`
	RetryBaseSec         int `json:"retry_base_sec,omitempty"`
	DedupeTTLHours       int `json:"dedupe_ttl_hours,omitempty"`
	ProcessingTimeoutSec int `json:"processing_timeout_sec,omitempty"`
	TickIntervalSec      int `json:"tick_interval_sec,omitempty"`
}

const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
)

const (
	defaultMaxVerbatim = 15
	defaultBatchSize   = 10

	defaultQueueMaxAttempts          = 5
	defaultQueueRetryBaseSec         = 60
	defaultQueueDedupeTTLHours       = 24
	defaultQueueProcessingTimeoutSec = 300
	defaultQueueTickIntervalSec      = 30
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.KnowledgeDir) == "" {
		return errors.New("missing knowledge_dir")
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	if c.Context.MaxVerbatim < 0 || c.Context.BatchSize < 0 {
		return errors.New("context window sizes must be >= 0")
	}
	if c.Queue.MaxAttempts < 0 || c.Queue.RetryBaseSec < 0 || c.Queue.DedupeTTLHours < 0 {
		return errors.New("queue settings must be >= 0")
	}
	return nil
}

func (p *ProviderConfig) Validate() error {
	if p == nil {
		return errors.New("nil provider config")
	}
	switch strings.TrimSpace(p.Type) {
	case ProviderOpenAI, ProviderAnthropic:
	case ProviderOpenAICompatible:
		base := strings.TrimSpace(p.BaseURL)
		if base == "" {
			return errors.New("openai_compatible requires base_url")
		}
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url: %q", base)
		}
	case "":
		return errors.New("missing provider type")
	default:
		return fmt.Errorf("unknown provider type: %q", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing provider model")
	}
	return nil
}

// MaxVerbatim returns the configured verbatim window size or the default.
func (c ContextConfig) MaxVerbatimOrDefault() int {
	if c.MaxVerbatim > 0 {
		return c.MaxVerbatim
	}
	return defaultMaxVerbatim
}

func (c ContextConfig) BatchSizeOrDefault() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

func (q QueueConfig) EnabledOrDefault() bool {
	if q.Enabled == nil {
		return true
	}
	return *q.Enabled
}

func (q QueueConfig) MaxAttemptsOrDefault() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return defaultQueueMaxAttempts
}

func (q QueueConfig) RetryBaseSecOrDefault() int {
	if q.RetryBaseSec > 0 {
		return q.RetryBaseSec
	}
	return defaultQueueRetryBaseSec
}

func (q QueueConfig) DedupeTTLHoursOrDefault() int {
	if q.DedupeTTLHours > 0 {
		return q.DedupeTTLHours
	}
	return defaultQueueDedupeTTLHours
}

func (q QueueConfig) ProcessingTimeoutSecOrDefault() int {
	if q.ProcessingTimeoutSec > 0 {
		return q.ProcessingTimeoutSec
	}
	return defaultQueueProcessingTimeoutSec
}

func (q QueueConfig) TickIntervalSecOrDefault() int {
	if q.TickIntervalSec > 0 {
		return q.TickIntervalSec
	}
	return defaultQueueTickIntervalSec
}

// DefaultConfigPath returns the default config path:
//
//	~/.loomnote-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "loomnote-agent.config.json"
	}
	return filepath.Join(home, ".loomnote-agent", "config.json")
}

// DefaultStateDir resolves the state directory for databases.
func (c *Config) DefaultStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".loomnote-agent"
	}
	return filepath.Join(home, ".loomnote-agent")
}

// ProviderAPIKey reads the provider API key from the environment. Keys are
// never persisted in the config file.
func (c *Config) ProviderAPIKey() string {
	if c == nil {
		return ""
	}
	switch strings.TrimSpace(c.Provider.Type) {
	case ProviderAnthropic:
		return strings.TrimSpace(os.Getenv("LOOMNOTE_ANTHROPIC_API_KEY"))
	default:
		return strings.TrimSpace(os.Getenv("LOOMNOTE_OPENAI_API_KEY"))
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
