package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and serve status",
	Long: `Show the state of the notebook index: file, chunk and vector counts,
the embedding model the vectors were built with, the last full sync, and
whether notebook serve is running.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	memory.Status
	ConfiguredProvider string `json:"configured_provider,omitempty"`
	Serving            bool   `json:"serving"`
	PID                int    `json:"pid,omitempty"`
	Uptime             string `json:"uptime,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}

	report := statusReport{Status: st, ConfiguredProvider: a.cfg.Embedding.Provider}
	pidFile := getPIDFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		report.Serving = true
		report.PID, _ = readPID(pidFile)
		if info, err := os.Stat(pidFile); err == nil {
			report.Uptime = formatDuration(time.Since(info.ModTime()))
		}
	}

	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printStatus(cmd.OutOrStdout(), report, time.Now())
	return nil
}

func printStatus(out io.Writer, r statusReport, now time.Time) {
	if r.Serving {
		fmt.Fprintf(out, "Serve:      running (PID %d, up %s)\n", r.PID, r.Uptime)
	} else {
		fmt.Fprintln(out, "Serve:      stopped")
	}
	fmt.Fprintf(out, "Notebook:   %s\n", r.Root)
	fmt.Fprintf(out, "Index:      %s\n", r.DBPath)
	fmt.Fprintf(out, "Files:      %d\n", r.Files)
	fmt.Fprintf(out, "Chunks:     %d\n", r.Chunks)
	fmt.Fprintf(out, "Vectors:    %d\n", r.Vectors)

	provider := r.ConfiguredProvider
	if provider == "" {
		provider = "none (keyword search only)"
	}
	fmt.Fprintf(out, "Provider:   %s\n", provider)
	if r.Model != "" {
		fmt.Fprintf(out, "Model:      %s (%d dimensions)\n", r.Model, r.VectorDimensions)
	}

	if r.LastFullSync != nil {
		fmt.Fprintf(out, "Last sync:  %s (%s ago)\n", r.LastFullSync.Local().Format(time.RFC3339), formatDuration(now.Sub(*r.LastFullSync)))
	} else {
		fmt.Fprintln(out, "Last sync:  never")
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
