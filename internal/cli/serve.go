package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/okets/my-agent-sub003/internal/observability"
	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/spf13/cobra"
)

var metricsListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the notebook and keep the index live",
	Long: `Run a full sync, then watch the notebook directory and re-index files
as they change. Embedding provider health is polled in the background;
search falls back to keywords while the provider is down and the index is
resynced once it recovers. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, appOptions{fileLog: true, monitor: true})
	if err != nil {
		return err
	}
	defer a.close()

	pidFile := getPIDFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("notebook is already being served (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := tracing.InitOpenTelemetry("notebook"); err != nil {
		a.log.Warn().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	listen := metricsListen
	if listen == "" && a.cfg.Metrics.Enabled {
		listen = a.cfg.Metrics.Listen
	}
	if listen != "" {
		srv := startMetricsServer(listen, a)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.activate(ctx)
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	a.log.Info().
		Str("notebook", a.engine.Root()).
		Str("provider", a.cfg.Embedding.Provider).
		Msg("Serving notebook")
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", a.engine.Root())

	<-ctx.Done()
	a.log.Info().Msg("Shutting down")
	return nil
}

func startMetricsServer(addr string, a *app) *http.Server {
	observability.EnsureRegistered()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("Metrics listening")
	return srv
}

func getPIDFilePath(dataDir string) string {
	if dataDir == "" {
		return filepath.Join(os.TempDir(), "notebook.pid")
	}
	return filepath.Join(dataDir, "notebook.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
