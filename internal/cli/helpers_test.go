package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir      string
	notebook string
	config   string
}

// newTestEnv writes a config with a temp data dir, a temp notebook and
// console logging off.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:      dir,
		notebook: filepath.Join(dir, "notes"),
		config:   filepath.Join(dir, "notebook.json"),
	}
	require.NoError(t, os.MkdirAll(env.notebook, 0o755))

	cfg := map[string]any{
		"data_dir":      filepath.Join(dir, "data"),
		"notebook_path": env.notebook,
		"logging":       map[string]any{"level": "error", "console": false},
		"memory":        map[string]any{"reconcile_schedule": ""},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.config, data, 0o644))
	return env
}

func (e testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.notebook, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// resetFlags puts every package-level flag variable and cobra's help and
// version flags back to their defaults; rootCmd is shared between tests.
func resetFlags() {
	cfgFile, logLevel = "", ""
	jsonOutput, recallJSON, statusJSON, providersCheck = false, false, false, false
	recallMax, recallMinScore = 0, -1
	readStart, readLines = 1, 0
	stopTimeout = 30
	metricsListen = ""

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Name == "help" || f.Name == "version" {
				_ = f.Value.Set("false")
				f.Changed = false
			}
		})
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()

	cmd := GetRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := run(t, "", append([]string{"--config", e.config}, args...)...)
	return out, err
}
