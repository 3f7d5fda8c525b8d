package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	out, _, err := run(t, "", "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "watch the notebook directory")
	assert.Contains(t, out, "metrics-listen")
}

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := run(t, "", "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop a running notebook serve process")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		env := newTestEnv(t)
		out, err := env.run(t, "stop")
		require.NoError(t, err)
		assert.Contains(t, out, "not running")
	})
}

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := getPIDFilePath(dir)
	assert.Equal(t, filepath.Join(dir, "notebook.pid"), pidFile)
	assert.Contains(t, getPIDFilePath(""), "notebook.pid")

	assert.False(t, isRunning(pidFile), "no pid file")

	require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0o644))
	assert.False(t, isRunning(pidFile), "invalid pid file")

	require.NoError(t, writePIDFile(pidFile))
	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, isRunning(pidFile), "own process is running")

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}
