package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/okets/my-agent-sub003/internal/config"
	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/spf13/cobra"
)

var providersCheck bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List embedding providers",
	Long: `List the embedding providers and their models. With --check, each
provider's health check runs and failures are shown with a suggested fix.`,
	Args: cobra.NoArgs,
	RunE: runProviders,
}

func init() {
	providersCmd.Flags().BoolVar(&providersCheck, "check", false, "run each provider's health check")
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer l.Close()

	registry, err := buildRegistry(cfg, l.Component("embedding"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	header := "ID\tNAME\tMODEL\tCONFIGURED"
	if providersCheck {
		header += "\tHEALTH"
	}
	fmt.Fprintln(w, header)

	var failures []string
	for _, p := range registry.List() {
		configured := ""
		if p.ID() == cfg.Embedding.Provider {
			configured = "yes"
		}
		row := fmt.Sprintf("%s\t%s\t%s\t%s", p.ID(), p.Name(), p.Model(), configured)
		if providersCheck {
			st := checkProvider(cmd.Context(), p, cfg.HealthTimeout())
			if st.Healthy {
				row += "\tok"
			} else {
				row += "\t" + st.Message
				if st.Resolution != "" {
					failures = append(failures, fmt.Sprintf("%s: %s", p.ID(), st.Resolution))
				}
			}
		}
		fmt.Fprintln(w, row)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, f := range failures {
		fmt.Fprintln(cmd.OutOrStdout(), f)
	}
	if cfg.Embedding.Provider == config.ProviderNone {
		fmt.Fprintln(cmd.OutOrStdout(), "\nNo provider configured; recall uses keyword search. Run: notebook configure")
	}
	return nil
}

func checkProvider(ctx context.Context, p embedding.Provider, timeout time.Duration) health.Status {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.HealthCheck(ctx)
}
