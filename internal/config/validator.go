package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateProvider validates an embedding provider id
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case ProviderNone, ProviderLocal, ProviderOllama, ProviderOpenAI:
		return nil
	}
	return fmt.Errorf("invalid embedding provider: %s (must be one of: local, ollama, openai)", provider)
}

// ValidateServiceURL validates the base URL of a remote embedding service
func (v *Validator) ValidateServiceURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("service URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid service URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid service URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid service URL %q: missing host", raw)
	}
	return nil
}

// ValidateSchedule validates a reconcile schedule in cron syntax
// ("@every 15m", "0 */2 * * *"). An empty schedule disables reconciling.
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and reports every problem.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Memory.DebounceMs < 0 {
		errors = append(errors, fmt.Errorf("memory.debounce_ms must be >= 0"))
	}
	if cfg.Memory.MaxResults <= 0 {
		errors = append(errors, fmt.Errorf("memory.max_results must be positive"))
	}
	if cfg.Memory.MinScore < 0 || cfg.Memory.MinScore > 1 {
		errors = append(errors, fmt.Errorf("memory.min_score must be between 0 and 1, got %f", cfg.Memory.MinScore))
	}
	if cfg.Memory.MinSimilarity < 0 || cfg.Memory.MinSimilarity > 1 {
		errors = append(errors, fmt.Errorf("memory.min_similarity must be between 0 and 1, got %f", cfg.Memory.MinSimilarity))
	}
	if cfg.Memory.RRFK <= 0 {
		errors = append(errors, fmt.Errorf("memory.rrf_k must be positive"))
	}
	if cfg.Memory.QueryCacheSize < 0 {
		errors = append(errors, fmt.Errorf("memory.query_cache_size must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Memory.ReconcileSchedule); err != nil {
		errors = append(errors, err)
	}

	switch cfg.Embedding.Provider {
	case ProviderOllama:
		if err := v.ValidateServiceURL(cfg.Embedding.Ollama.Host); err != nil {
			errors = append(errors, fmt.Errorf("embedding.ollama.host: %w", err))
		}
		if strings.TrimSpace(cfg.Embedding.Ollama.Model) == "" {
			errors = append(errors, fmt.Errorf("embedding.ollama.model is required"))
		}
	case ProviderOpenAI:
		if err := v.ValidateServiceURL(cfg.Embedding.OpenAI.BaseURL); err != nil {
			errors = append(errors, fmt.Errorf("embedding.openai.base_url: %w", err))
		}
		if strings.TrimSpace(cfg.Embedding.OpenAI.Model) == "" {
			errors = append(errors, fmt.Errorf("embedding.openai.model is required"))
		}
	case ProviderLocal:
		if strings.TrimSpace(cfg.Embedding.Local.Model) == "" {
			errors = append(errors, fmt.Errorf("embedding.local.model is required"))
		}
	}

	if cfg.Health.DefaultIntervalSeconds < 0 {
		errors = append(errors, fmt.Errorf("health.default_interval_seconds must be >= 0"))
	}
	if cfg.Health.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("health.timeout_seconds must be >= 0"))
	}
	for id, seconds := range cfg.Health.Overrides {
		if seconds < 0 {
			errors = append(errors, fmt.Errorf("health.overrides.%s must be >= 0", id))
		}
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateListenAddr(cfg.Metrics.Listen); err != nil {
			errors = append(errors, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	return errors
}
