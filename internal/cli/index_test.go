package cli

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRecallRead(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "reference/pets.md", "# Pets\n\nDogs are loyal companions.\n")
	env.write(t, "daily/2024-03-01.md", "Walked the loyal dog.\n")

	out, err := env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Added: 2")

	out, err = env.run(t, "sync", "reference/pets.md")
	require.NoError(t, err)
	assert.Equal(t, "reference/pets.md: unchanged\n", out)

	out, err = env.run(t, "recall", "loyal")
	require.NoError(t, err)
	assert.Contains(t, out, "Notebook:")
	assert.Contains(t, out, "reference/pets.md:1-3 (Pets)")
	assert.Contains(t, out, "Daily:")
	assert.Contains(t, out, "daily/2024-03-01.md:1-1")

	out, err = env.run(t, "recall", "--json", "loyal", "companions")
	require.NoError(t, err)
	var recall memory.RecallResult
	require.NoError(t, json.Unmarshal([]byte(out), &recall))
	require.Len(t, recall.Notebook, 1)
	assert.Equal(t, "reference/pets.md", recall.Notebook[0].FilePath)
	assert.Equal(t, memory.ModeLexical, recall.Mode)

	out, err = env.run(t, "recall", "zeppelin")
	require.NoError(t, err)
	assert.Contains(t, out, "No matches.")

	out, err = env.run(t, "read", "reference/pets.md", "--start-line", "3")
	require.NoError(t, err)
	assert.Equal(t, "Dogs are loyal companions.\n", out)

	_, err = env.run(t, "read", "../notebook.json")
	assert.ErrorIs(t, err, memory.ErrPathOutsideRoot)
}

func TestRebuildAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.md", "alpha")
	env.write(t, "b.md", "beta")

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Serve:      stopped")
	assert.Contains(t, out, "Last sync:  never")

	out, err = env.run(t, "rebuild", "--json")
	require.NoError(t, err)
	var result memory.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Added)
	assert.Empty(t, result.Errors)

	out, err = env.run(t, "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Chunks)
	assert.Zero(t, report.Vectors)
	assert.False(t, report.Serving)
	assert.NotNil(t, report.LastFullSync)
	assert.Equal(t, env.notebook, report.Root)
}

func TestProvidersCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	for _, id := range []string{"local", "ollama", "openai"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "No provider configured")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	env := newTestEnv(t)
	bad := `{"notebook_path": "` + env.notebook + `", "memory": {"chunk_max_size": 100, "chunk_overlap": 100}}`
	require.NoError(t, os.WriteFile(env.config, []byte(bad), 0o644))

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = env.run(t, "sync", "a.md", "b.md")
	assert.Error(t, err, "sync takes at most one path")
}
