package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName    = ".notebook"
	fileName   = "notebook.json"
	envPrefix  = "NOTEBOOK"
	dbFileName = "index.db"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file if present, applies NOTEBOOK_* environment
// overrides and fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers keys that have no counterpart in the file so that
// AutomaticEnv can still populate them on Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"notebook_path",
		"logging.level",
		"memory.db_path",
		"embedding.provider",
		"embedding.ollama.host",
		"embedding.ollama.model",
		"embedding.openai.base_url",
		"embedding.openai.api_key",
		"embedding.openai.model",
		"embedding.local.model",
		"metrics.enabled",
		"metrics.listen",
	} {
		_ = v.BindEnv(key)
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, dirName)
	}
	if cfg.NotebookPath == "" {
		cfg.NotebookPath = filepath.Join(cfg.DataDir, "notebook")
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	}
	if cfg.Embedding.Local.ModelsDir == "" {
		cfg.Embedding.Local.ModelsDir = filepath.Join(cfg.DataDir, "models")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "notebook.log")
	}
	return nil
}

// Save writes the configuration as JSON
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("notebook_path", cfg.NotebookPath)
	v.Set("logging", cfg.Logging)
	v.Set("memory", cfg.Memory)
	v.Set("embedding", cfg.Embedding)
	v.Set("health", cfg.Health)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
