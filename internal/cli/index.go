package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/spf13/cobra"
)

var jsonOutput bool

var syncCmd = &cobra.Command{
	Use:   "sync [path]",
	Short: "Bring the index up to date with the notebook",
	Long: `Reconcile the index with the notebook directory: new and changed files
are re-chunked and embedded, deleted files are dropped. With a path, only
that file is synced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Wipe the index and rebuild it from the notebook",
	Args:  cobra.NoArgs,
	RunE:  runRebuild,
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, rebuildCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
		rootCmd.AddCommand(c)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := tracing.NewRunContext(cmd.Context(), "cli")
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	a.activate(ctx)

	if len(args) == 1 {
		outcome, err := a.engine.SyncFile(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"path": args[0], "outcome": string(outcome)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
		return nil
	}

	result, err := a.engine.FullSync(ctx)
	if err != nil {
		return err
	}
	return printSyncResult(cmd.OutOrStdout(), result)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := tracing.NewRunContext(cmd.Context(), "cli")
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	a.activate(ctx)

	result, err := a.engine.Rebuild(ctx)
	if err != nil {
		return err
	}
	return printSyncResult(cmd.OutOrStdout(), result)
}

func printSyncResult(out io.Writer, result memory.SyncResult) error {
	if jsonOutput {
		return writeJSON(out, result)
	}
	if result.AlreadyInProgress {
		fmt.Fprintln(out, "A sync is already in progress")
		return nil
	}

	fmt.Fprintf(out, "Added: %d  Updated: %d  Removed: %d  Unchanged: %d  Backfilled: %d  (%dms)\n",
		result.Added, result.Updated, result.Removed, result.Unchanged, result.Backfilled, result.DurationMs)
	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "Errors (%d):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  %s\n", e)
		}
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
