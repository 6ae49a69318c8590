package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dropsock/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent termination attempts",
	Long: `Show the most recent termination attempts of a context, newest first.
Requires the audit journal to be enabled in the daemon config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit(cmd.Context(), newClient(), cmd.OutOrStdout(), auditContext, auditLimit)
	},
}

var (
	auditContext string
	auditLimit   int64
)

func init() {
	auditCmd.Flags().StringVarP(&auditContext, "context", "x", config.DefaultContext, "context name")
	auditCmd.Flags().Int64VarP(&auditLimit, "limit", "n", 20, "number of records")
}

func runAudit(ctx context.Context, client Client, out io.Writer, name string, limit int64) error {
	records, err := client.AuditRecent(ctx, name, limit)
	if err != nil {
		return fmt.Errorf("failed to read audit journal: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No records.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSOURCE\tDESTINATION\tSTATE\tOUTCOME\tSESSION")
	for _, r := range records {
		outcome := r.Outcome
		if r.Error != "" {
			outcome += " (" + r.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Time.Format(time.RFC3339), r.Source, r.Destination, dash(r.State), outcome, dash(r.Session))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
