package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// contextCmd represents the context command group
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage termination contexts",
	Long: `Manage the daemon's termination contexts. Each context is bound to one
network namespace and owns a drop socket named after it.

Subcommands:
  create   - Create a context
  destroy  - Destroy a context
  list     - List all contexts`,
}

var contextCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a context",
	Long: `Create a context bound to a network namespace. --netns takes a name under
/var/run/netns or an absolute path such as /proc/<pid>/ns/net; without it the
context uses the daemon's own namespace.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContextCreate(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0], contextNetns)
	},
}

var contextDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContextDestroy(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContextList(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var contextNetns string

func init() {
	contextCmd.AddCommand(contextCreateCmd)
	contextCmd.AddCommand(contextDestroyCmd)
	contextCmd.AddCommand(contextListCmd)

	contextCreateCmd.Flags().StringVar(&contextNetns, "netns", "", "network namespace name or path")
}

func runContextCreate(ctx context.Context, client Client, out io.Writer, name, netns string) error {
	if err := client.ContextCreate(ctx, name, netns); err != nil {
		return fmt.Errorf("failed to create context %s: %w", name, err)
	}
	fmt.Fprintf(out, "Context %s created\n", name)
	return nil
}

func runContextDestroy(ctx context.Context, client Client, out io.Writer, name string) error {
	if err := client.ContextDestroy(ctx, name); err != nil {
		return fmt.Errorf("failed to destroy context %s: %w", name, err)
	}
	fmt.Fprintf(out, "Context %s destroyed\n", name)
	return nil
}

func runContextList(ctx context.Context, client Client, out io.Writer) error {
	contexts, err := client.ContextList(ctx)
	if err != nil {
		return fmt.Errorf("failed to list contexts: %w", err)
	}
	if len(contexts) == 0 {
		fmt.Fprintln(out, "No contexts.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tNETNS\tCREATED")
	for _, c := range contexts {
		netns := c.Netns
		if netns == "" {
			netns = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, netns, c.Created.Format(time.RFC3339))
	}
	return tw.Flush()
}
