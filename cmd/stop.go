package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dropsock/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the dropsock daemon",
	Long: `Stop the dropsock daemon gracefully.

This command sends daemon_shutdown over the control socket. The daemon stops
accepting requests, lets finalized requests complete, removes its sockets and
exits. With --force, a daemon that does not answer is sent SIGTERM through
its PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var stopForce bool

func init() {
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "signal the daemon via its PID file if the socket fails")
	stopCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path (default from config)")
}

func runStop(ctx context.Context, client Client, out io.Writer) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "Shutdown requested")
		return nil
	}
	if !stopForce {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	path := pidFile
	if path == "" {
		path = controlConfig().PIDFile
	}
	if err := daemon.StopDaemon(path, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "Daemon stopped")
	return nil
}
