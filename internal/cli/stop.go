package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running notebook serve process",
	Long: `Stop a running notebook serve process gracefully.
Sends SIGTERM and waits for it to shut down, then SIGKILL on timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the process to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := getPIDFilePath(cfg.DataDir)
	out := cmd.OutOrStdout()

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "notebook serve is not running")
		_ = os.Remove(pidFile)
		return nil
	}

	process, err := signalPID(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Fprintln(out, "Stopped")
			_ = os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Killed")
	return nil
}

func signalPID(pidFile string, sig syscall.Signal) (*os.Process, error) {
	pid, err := readPID(pidFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PID file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return process, nil
}
