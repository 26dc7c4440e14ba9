package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	stopPollInterval = 200 * time.Millisecond
	stopWait         = 15 * time.Second
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway by reading its PID file and signalling it.

On Unix the gateway receives SIGTERM and closes every session, terminating
stdio backends, before exiting.

The PID file is located at ~/.mcp-gateway/server.pid.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()
	out := cmd.ErrOrStderr()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no gateway PID file found at %s; is the gateway running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("gateway process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(out, "Stopping mcp-gateway (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop gateway: %w", err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		time.Sleep(stopPollInterval)
		if !processIsAlive(proc) {
			os.Remove(pidPath)
			fmt.Fprintln(out, "Gateway stopped.")
			return nil
		}
	}

	fmt.Fprintln(out, "Gateway did not stop gracefully, killing it...")
	_ = proc.Kill()
	os.Remove(pidPath)
	return nil
}
