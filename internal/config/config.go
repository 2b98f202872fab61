// Package config loads and validates the memvault configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the memvault service.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Blob      BlobConfig      `yaml:"blob"`
	KMS       KMSConfig       `yaml:"kms"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Cache     CacheConfig     `yaml:"cache"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// BlobConfig configures the S3 blob store adapter.
type BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// KMSConfig configures the key manager.
type KMSConfig struct {
	KeyID       string        `yaml:"key_id"`
	Region      string        `yaml:"region"`
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
}

// CatalogConfig configures the sqlite catalog store.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// OpenAIConfig configures the embedding and completion clients.
type OpenAIConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	EmbeddingModel  string `yaml:"embedding_model"`
	CompletionModel string `yaml:"completion_model"`
}

// ChunkerConfig configures the token-aware chunker.
type ChunkerConfig struct {
	Model      string `yaml:"model"`
	TargetSize int    `yaml:"target_size"`
	Overlap    int    `yaml:"overlap"`
}

// CacheConfig configures the chunk cache.
type CacheConfig struct {
	MaxSize         int           `yaml:"max_size"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MemoryBudget    int64         `yaml:"memory_budget_bytes"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	MaxConcurrentActivities int           `yaml:"max_concurrent_activities"`
	MaxCachedWorkflows      int           `yaml:"max_cached_workflows"`
	ScheduleToClose         time.Duration `yaml:"schedule_to_close"`
	StartToClose            time.Duration `yaml:"start_to_close"`
	Heartbeat               time.Duration `yaml:"heartbeat"`
}

// RetrievalConfig configures the retrieval planner.
type RetrievalConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	GraphMaxDepth       int     `yaml:"graph_max_depth"`
	GraphMinSimilarity  float64 `yaml:"graph_min_similarity"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Blob:    BlobConfig{Region: "us-east-1", MaxRetries: 3},
		KMS:     KMSConfig{Region: "us-east-1", KeyCacheTTL: time.Hour},
		Catalog: CatalogConfig{Path: "memvault.db"},
		OpenAI: OpenAIConfig{
			EmbeddingModel:  "text-embedding-ada-002",
			CompletionModel: "gpt-4",
		},
		Chunker: ChunkerConfig{Model: "gpt-3.5-turbo", TargetSize: 4000, Overlap: 200},
		Cache: CacheConfig{
			MaxSize:         1000,
			TTL:             time.Hour,
			CleanupInterval: 5 * time.Minute,
			MemoryBudget:    256 << 20,
			MemoryThreshold: 0.75,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentActivities: 50,
			MaxCachedWorkflows:      1000,
			ScheduleToClose:         5 * time.Minute,
			StartToClose:            30 * time.Second,
			Heartbeat:               2 * time.Second,
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: 0.8,
			GraphMaxDepth:       3,
			GraphMinSimilarity:  0.7,
		},
	}
}

// Load reads a yaml config file on top of defaults. A missing path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Cache.MemoryThreshold <= 0 || c.Cache.MemoryThreshold > 1 {
		return fmt.Errorf("cache.memory_threshold must be in (0, 1]")
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [0, 1]")
	}
	if c.Workflow.MaxConcurrentActivities <= 0 {
		return fmt.Errorf("workflow.max_concurrent_activities must be positive")
	}
	return nil
}
