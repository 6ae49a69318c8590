package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dropsock/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the dropsock daemon",
	Long: `Run the dropsock daemon process.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging, metrics and the audit journal
  3. Create the configured contexts and their drop sockets
  4. Start the control socket for CLI requests
  5. Start the Kafka drop consumer (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonDetach {
			return runDetached(cmd)
		}
		return runDaemon()
	},
}

var (
	daemonDetach bool
	daemonLog    string
	pidFile      string
)

func init() {
	daemonCmd.Flags().BoolVarP(&daemonDetach, "detach", "d", false,
		"start in the background and return once the control socket is up")
	daemonCmd.Flags().StringVar(&daemonLog, "log-file", "",
		"stdout/stderr of a detached daemon")
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default from config)")
}

func runDaemon() error {
	d, err := daemon.New(configPath(), socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Start all components
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}

func runDetached(cmd *cobra.Command) error {
	args := []string{"daemon", "--config", configFile}
	if socketPath != "" {
		args = append(args, "--socket", socketPath)
	}
	if pidFile != "" {
		args = append(args, "--pidfile", pidFile)
	}

	pid, err := daemon.StartDetached(args, controlConfig().Socket, daemonLog, 10*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dropsock daemon started (pid %d)\n", pid)
	return nil
}
