package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ordertruth/internal/truth"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent engine audit entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListAudit(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "audit list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No audit entries found.")
			return nil
		}

		formatAuditList(os.Stdout, entries)
		return nil
	},
}

// formatAuditList writes a tabular list of audit entries to w.
func formatAuditList(out io.Writer, entries []truth.AuditEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAT\tACTOR\tACTION\tDETAIL")
	_, _ = fmt.Fprintln(w, "--\t--\t-----\t------\t------")

	for _, e := range entries {
		detail := string(e.Detail)
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.At.UTC().Format("2006-01-02 15:04:05"),
			e.Actor,
			e.Action,
			detail,
		)
	}
	_ = w.Flush()
}

func init() {
	auditCmd.Flags().Int("limit", 50, "max number of entries to display")
	rootCmd.AddCommand(auditCmd)
}
