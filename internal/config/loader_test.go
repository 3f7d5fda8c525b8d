package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("HOME", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(tmpDir, ".notebook"), cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "index.db"), cfg.Memory.DBPath)
		assert.Equal(t, filepath.Join(cfg.DataDir, "notebook"), cfg.NotebookPath)
		assert.Equal(t, 1600, cfg.Memory.ChunkMaxSize)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "notebook.json")

		content := `{
			"data_dir": "` + tmpDir + `",
			"notebook_path": "/srv/notes",
			"memory": {"chunk_max_size": 800, "chunk_overlap": 100},
			"embedding": {"provider": "ollama", "ollama": {"host": "http://gpu:11434"}},
			"health": {"overrides": {"ollama": 10}}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "/srv/notes", cfg.NotebookPath)
		assert.Equal(t, 800, cfg.Memory.ChunkMaxSize)
		assert.Equal(t, 100, cfg.Memory.ChunkOverlap)
		assert.Equal(t, 1500, cfg.Memory.DebounceMs)
		assert.Equal(t, "ollama", cfg.Embedding.Provider)
		assert.Equal(t, "http://gpu:11434", cfg.Embedding.Ollama.Host)
		assert.Equal(t, "nomic-embed-text", cfg.Embedding.Ollama.Model)
		assert.Equal(t, 10, cfg.Health.Overrides["ollama"])
		assert.Equal(t, filepath.Join(tmpDir, "index.db"), cfg.Memory.DBPath)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("NOTEBOOK_DATA_DIR", tmpDir)
		t.Setenv("NOTEBOOK_EMBEDDING_PROVIDER", "local")

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, "local", cfg.Embedding.Provider)
	})

	t.Run("malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "notebook.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "notebook.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.NotebookPath = "/srv/notes"
	cfg.Embedding.Provider = ProviderOpenAI
	cfg.Memory.MaxResults = 5

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))
	assert.Equal(t, configPath, loader.GetConfigPath())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/notes", loaded.NotebookPath)
	assert.Equal(t, ProviderOpenAI, loaded.Embedding.Provider)
	assert.Equal(t, 5, loaded.Memory.MaxResults)
}
