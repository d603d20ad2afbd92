// Package config loads and validates lorekeeper configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lorekeeper configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Graph store configuration
	Store StoreConfig `yaml:"store"`

	// Session manager configuration
	Session SessionConfig `yaml:"session"`

	// Consolidation pipeline configuration
	Consolidation ConsolidationConfig `yaml:"consolidation"`

	// Verification service configuration
	Verification VerificationConfig `yaml:"verification"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the hybrid graph store.
type StoreConfig struct {
	// SQLite database path for the durable tier.
	DatabasePath string `yaml:"database_path"`

	// Traversal radius around the active scene kept resident in the hot tier.
	HotRadius int `yaml:"hot_radius"`

	// Maximum nodes held in the hot tier before LRU eviction.
	HotCapacity int `yaml:"hot_capacity"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// SQLite database path for the event log.
	DatabasePath string `yaml:"database_path"`

	// Compaction triggers.
	CompactAfterEvents int           `yaml:"compact_after_events"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`

	// Sliding-window size and token budget for compaction strategies.
	WindowSize  int `yaml:"window_size"`
	TokenBudget int `yaml:"token_budget"`
}

// ConsolidationConfig configures the consolidation pipeline.
type ConsolidationConfig struct {
	// Confidence margin above which conflicts auto-resolve.
	ConfidenceMargin float64 `yaml:"confidence_margin"`

	// Embedding similarity threshold for recall.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Retry policy for failed batches.
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// Maximum consolidation batches running in parallel.
	MaxParallel int `yaml:"max_parallel"`

	// Embedding backend for semantic recall.
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig configures the embedding backend used for semantic recall.
// An empty endpoint disables embedding; recall falls back to exact-name matching.
type EmbeddingConfig struct {
	Endpoint string `yaml:"endpoint"` // Ollama server, e.g. http://localhost:11434
	Model    string `yaml:"model"`
}

// VerificationConfig configures the tiered verification service.
type VerificationConfig struct {
	FastBudget   time.Duration `yaml:"fast_budget"`
	MediumBudget time.Duration `yaml:"medium_budget"`
	SlowBudget   time.Duration `yaml:"slow_budget"`

	// Scenes a tracked concern may go unaddressed before MEDIUM flags it.
	StaleConcernScenes int `yaml:"stale_concern_scenes"`

	// Pending-notification queue bounds.
	NotificationTTL time.Duration `yaml:"notification_ttl"`
	NotificationCap int           `yaml:"notification_cap"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Name:    "lorekeeper",
		Version: "0.1.0",
		Store: StoreConfig{
			DatabasePath: ".lore/graph.db",
			HotRadius:    10,
			HotCapacity:  2048,
		},
		Session: SessionConfig{
			DatabasePath:       ".lore/sessions.db",
			CompactAfterEvents: 200,
			IdleTimeout:        30 * time.Minute,
			WindowSize:         50,
			TokenBudget:        32000,
		},
		Consolidation: ConsolidationConfig{
			ConfidenceMargin:    0.25,
			SimilarityThreshold: 0.82,
			MaxRetries:          3,
			InitialBackoff:      500 * time.Millisecond,
			MaxParallel:         4,
			Embedding: EmbeddingConfig{
				Model: "embeddinggemma",
			},
		},
		Verification: VerificationConfig{
			FastBudget:         500 * time.Millisecond,
			MediumBudget:       5 * time.Second,
			SlowBudget:         30 * time.Second,
			StaleConcernScenes: 5,
			NotificationTTL:    24 * time.Hour,
			NotificationCap:    1024,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config file, overlaying it on the defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Store.HotRadius <= 0 {
		return fmt.Errorf("store.hot_radius must be positive, got %d", c.Store.HotRadius)
	}
	if c.Store.HotCapacity <= 0 {
		return fmt.Errorf("store.hot_capacity must be positive, got %d", c.Store.HotCapacity)
	}
	if c.Consolidation.ConfidenceMargin < 0 || c.Consolidation.ConfidenceMargin > 1 {
		return fmt.Errorf("consolidation.confidence_margin must be in [0,1], got %f", c.Consolidation.ConfidenceMargin)
	}
	if c.Consolidation.MaxRetries < 0 {
		return fmt.Errorf("consolidation.max_retries must be non-negative, got %d", c.Consolidation.MaxRetries)
	}
	if c.Consolidation.MaxParallel <= 0 {
		return fmt.Errorf("consolidation.max_parallel must be positive, got %d", c.Consolidation.MaxParallel)
	}
	if c.Verification.FastBudget <= 0 || c.Verification.MediumBudget <= 0 || c.Verification.SlowBudget <= 0 {
		return fmt.Errorf("verification budgets must be positive")
	}
	if c.Verification.NotificationCap <= 0 {
		return fmt.Errorf("verification.notification_cap must be positive, got %d", c.Verification.NotificationCap)
	}
	return nil
}
