package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	recallMax      int
	recallMinScore float64
	recallJSON     bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search the notebook",
	Long: `Search the indexed notebook. Keyword and semantic matches are fused;
without a ready embedding provider only keyword matches are returned.
Daily log entries are listed separately from the rest of the notebook.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

var readCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Print a notebook file or a range of its lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

var (
	readStart int
	readLines int
)

func init() {
	recallCmd.Flags().IntVar(&recallMax, "max-results", 0, "maximum results (default from config)")
	recallCmd.Flags().Float64Var(&recallMinScore, "min-score", -1, "minimum fused score between 0 and 1 (default from config)")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(recallCmd)

	readCmd.Flags().IntVar(&readStart, "start-line", 1, "first line to print (1-indexed)")
	readCmd.Flags().IntVar(&readLines, "lines", 0, "number of lines to print (0 for the rest of the file)")
	rootCmd.AddCommand(readCmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx := tracing.NewRunContext(cmd.Context(), "cli")
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	a.activate(ctx)

	opts := memory.RecallOptions{MaxResults: recallMax}
	if recallMinScore >= 0 {
		score := recallMinScore
		opts.MinScore = &score
	}

	result, err := a.engine.Recall(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	if recallJSON {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	printRecall(cmd.OutOrStdout(), result)
	return nil
}

func printRecall(out io.Writer, result memory.RecallResult) {
	if result.Degraded != nil {
		fmt.Fprintf(out, "Keyword search only: %s is unavailable (%s)\n", result.Degraded.ProviderID, result.Degraded.Message)
		if result.Degraded.Resolution != "" {
			fmt.Fprintf(out, "  %s\n", result.Degraded.Resolution)
		}
		fmt.Fprintln(out)
	}

	if len(result.Notebook) == 0 && len(result.Daily) == 0 {
		fmt.Fprintln(out, "No matches.")
		return
	}

	printResults(out, "Notebook", result.Notebook)
	printResults(out, "Daily", result.Daily)
}

func printResults(out io.Writer, title string, results []memory.SearchResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, r := range results {
		location := fmt.Sprintf("%s:%d-%d", r.FilePath, r.Lines.Start, r.Lines.End)
		if r.Heading != "" {
			location += " (" + r.Heading + ")"
		}
		fmt.Fprintf(out, "  %.2f  %s\n", r.Score, location)
		fmt.Fprintln(out, indent(r.Snippet, "        "))
	}
	fmt.Fprintln(out)
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	result, err := memory.NotebookRead(cfg.NotebookPath, args[0], memory.ReadOptions{
		StartLine: readStart,
		Lines:     readLines,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result.Content != "" {
		fmt.Fprintln(out, result.Content)
	}
	if result.StartLine > 1 || result.EndLine < result.TotalLines {
		fmt.Fprintf(cmd.ErrOrStderr(), "-- lines %d-%d of %d\n", result.StartLine, result.EndLine, result.TotalLines)
	}
	return nil
}
