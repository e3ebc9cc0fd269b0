package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ordertruth/internal/api"
	"github.com/sells-group/ordertruth/internal/reconcile"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show orders, revenue, and returning customers for a window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		account, _ := cmd.Flags().GetString("account")
		fromS, _ := cmd.Flags().GetString("from")
		toS, _ := cmd.Flags().GetString("to")
		asJSON, _ := cmd.Flags().GetBool("json")

		from, to, err := api.ParseWindow(fromS, toS, time.Now())
		if err != nil {
			return err
		}

		env, err := initApp(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Engine.Aggregates(ctx, account, from, to)
		if err != nil {
			return eris.Wrap(err, "report")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatReport(os.Stdout, report)
		return nil
	},
}

// formatReport writes the window totals followed by a per-currency table.
func formatReport(out io.Writer, r *reconcile.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Account:\t%s\n", r.Account)
	_, _ = fmt.Fprintf(w, "Window:\t%s .. %s\n", r.From.UTC().Format(time.RFC3339), r.To.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Orders:\t%d\n", r.Orders)
	_, _ = fmt.Fprintf(w, "Revenue:\t%s %s\n", r.Revenue.StringFixed(2), r.Currency)
	_, _ = fmt.Fprintf(w, "Customers:\t%d\n", r.Customers)
	_, _ = fmt.Fprintf(w, "  Returning:\t%d\n", r.ReturningCustomers)
	_, _ = fmt.Fprintf(w, "Returning orders:\t%d\n", r.ReturningOrders)
	_, _ = fmt.Fprintf(w, "Returning revenue:\t%s %s\n", r.ReturningRevenue.StringFixed(2), r.Currency)
	if len(r.Excluded) > 0 {
		_, _ = fmt.Fprintf(w, "Excluded (no rate):\t%s\n", strings.Join(r.Excluded, ", "))
	}
	_ = w.Flush()

	if len(r.ByCurrency) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CURRENCY\tORDERS\tREVENUE")
	_, _ = fmt.Fprintln(w, "--------\t------\t-------")
	for _, ct := range r.ByCurrency {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", ct.Currency, ct.Orders, ct.Revenue.StringFixed(2))
	}
	_ = w.Flush()
}

func init() {
	reportCmd.Flags().String("account", "", "shop domain")
	reportCmd.Flags().String("from", "", "window start (RFC 3339 or YYYY-MM-DD, default today)")
	reportCmd.Flags().String("to", "", "window end, exclusive (a bare date includes that day)")
	reportCmd.Flags().Bool("json", false, "print the report as JSON")
	_ = reportCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(reportCmd)
}
