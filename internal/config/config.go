package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Provider ids accepted in embedding.provider.
const (
	ProviderNone   = ""
	ProviderLocal  = "local"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config represents the notebook engine configuration
type Config struct {
	// Data directory for the index database, models and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Root of the markdown tree
	NotebookPath string `json:"notebook_path" mapstructure:"notebook_path"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Health    HealthConfig    `json:"health" mapstructure:"health"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MemoryConfig holds indexing and recall settings
type MemoryConfig struct {
	DBPath               string  `json:"db_path" mapstructure:"db_path"`
	ChunkMaxSize         int     `json:"chunk_max_size" mapstructure:"chunk_max_size"`
	ChunkOverlap         int     `json:"chunk_overlap" mapstructure:"chunk_overlap"`
	DebounceMs           int     `json:"debounce_ms" mapstructure:"debounce_ms"`
	ReconcileSchedule    string  `json:"reconcile_schedule" mapstructure:"reconcile_schedule"`
	MaxResults           int     `json:"max_results" mapstructure:"max_results"`
	MinScore             float64 `json:"min_score" mapstructure:"min_score"`
	MinSimilarity        float64 `json:"min_similarity" mapstructure:"min_similarity"`
	RRFK                 int     `json:"rrf_k" mapstructure:"rrf_k"`
	QueryCacheSize       int     `json:"query_cache_size" mapstructure:"query_cache_size"`
	QueryCacheTTLSeconds int     `json:"query_cache_ttl_seconds" mapstructure:"query_cache_ttl_seconds"`
}

// EmbeddingConfig selects the embedding provider and holds per-provider settings
type EmbeddingConfig struct {
	Provider string       `json:"provider" mapstructure:"provider"`
	Local    LocalConfig  `json:"local" mapstructure:"local"`
	Ollama   OllamaConfig `json:"ollama" mapstructure:"ollama"`
	OpenAI   OpenAIConfig `json:"openai" mapstructure:"openai"`
}

// LocalConfig configures the in-process embedding model
type LocalConfig struct {
	ModelsDir   string `json:"models_dir" mapstructure:"models_dir"`
	Model       string `json:"model" mapstructure:"model"`
	DownloadURL string `json:"download_url" mapstructure:"download_url"`
}

// OllamaConfig configures the Ollama embedding service
type OllamaConfig struct {
	Host  string `json:"host" mapstructure:"host"`
	Model string `json:"model" mapstructure:"model"`
}

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint
type OpenAIConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
}

// HealthConfig configures plugin health polling
type HealthConfig struct {
	DefaultIntervalSeconds int            `json:"default_interval_seconds" mapstructure:"default_interval_seconds"`
	Overrides              map[string]int `json:"overrides" mapstructure:"overrides"` // plugin id -> seconds
	TimeoutSeconds         int            `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   20,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Memory: MemoryConfig{
			ChunkMaxSize:         1600,
			ChunkOverlap:         320,
			DebounceMs:           1500,
			ReconcileSchedule:    "@every 15m",
			MaxResults:           15,
			MinScore:             0.25,
			MinSimilarity:        0.3,
			RRFK:                 60,
			QueryCacheSize:       256,
			QueryCacheTTLSeconds: 600,
		},
		Embedding: EmbeddingConfig{
			Provider: ProviderNone,
			Local: LocalConfig{
				Model: "hash-embed-small",
			},
			Ollama: OllamaConfig{
				Host:  "http://localhost:11434",
				Model: "nomic-embed-text",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "text-embedding-3-small",
			},
		},
		Health: HealthConfig{
			DefaultIntervalSeconds: 60,
			Overrides:              map[string]int{},
			TimeoutSeconds:         5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// Debounce returns the per-path debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Memory.DebounceMs) * time.Millisecond
}

// HealthInterval returns the configuration-wide default poll interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.DefaultIntervalSeconds) * time.Second
}

// HealthTimeout bounds a single health check.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutSeconds) * time.Second
}

// HealthOverrides converts per-plugin overrides to durations.
func (c *Config) HealthOverrides() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Health.Overrides))
	for id, seconds := range c.Health.Overrides {
		if seconds > 0 {
			out[id] = time.Duration(seconds) * time.Second
		}
	}
	return out
}

// QueryCacheTTL returns how long a query embedding stays cached.
func (c *Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.Memory.QueryCacheTTLSeconds) * time.Second
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Embedding.OpenAI.APIKey != "" {
		masked.Embedding.OpenAI.APIKey = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NotebookPath == "" {
		return fmt.Errorf("notebook_path is required")
	}
	if c.Memory.ChunkMaxSize <= 0 {
		return fmt.Errorf("memory.chunk_max_size must be positive, got %d", c.Memory.ChunkMaxSize)
	}
	if c.Memory.ChunkOverlap < 0 {
		return fmt.Errorf("memory.chunk_overlap must be >= 0, got %d", c.Memory.ChunkOverlap)
	}
	if c.Memory.ChunkOverlap >= c.Memory.ChunkMaxSize {
		return fmt.Errorf("memory.chunk_overlap (%d) must be smaller than memory.chunk_max_size (%d)",
			c.Memory.ChunkOverlap, c.Memory.ChunkMaxSize)
	}

	switch c.Embedding.Provider {
	case ProviderNone, ProviderLocal, ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("embedding.provider: unknown provider %q (must be one of: local, ollama, openai)", c.Embedding.Provider)
	}

	return nil
}
