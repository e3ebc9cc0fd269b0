package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ordertruth/internal/reconcile"
)

var allScopes = []string{reconcile.ScopeToday, reconcile.ScopeVerify, reconcile.ScopeBackfill}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show how current the truth store is per scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		account, _ := cmd.Flags().GetString("account")
		scope, _ := cmd.Flags().GetString("scope")
		output, _ := cmd.Flags().GetString("output")

		scopes := allScopes
		if scope != "" {
			if !reconcile.ValidScope(scope) {
				return eris.Errorf("unknown scope %q", scope)
			}
			scopes = []string{scope}
		}

		env, err := initApp(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var rows []*reconcile.Health
		for _, s := range scopes {
			h, err := env.Engine.TruthHealth(ctx, account, s)
			if err != nil {
				return eris.Wrap(err, "health")
			}
			rows = append(rows, h)
		}
		return writeHealth(os.Stdout, rows, output)
	},
}

func writeHealth(out io.Writer, rows []*reconcile.Health, format string) error {
	switch format {
	case "", "table":
		formatHealthTable(out, rows)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(out)
		if err := enc.Encode(rows); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

// formatHealthTable writes one line per scope to w.
func formatHealthTable(out io.Writer, rows []*reconcile.Health) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCOPE\tLAST_SUCCESS\tLAST_ATTEMPT\tSTALENESS\tSTALE\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "-----\t------------\t------------\t---------\t-----\t----------")

	for _, h := range rows {
		staleness := "-"
		if h.LastSuccessAt != nil {
			staleness = h.Staleness.Round(time.Second).String()
		}
		lastErr := ""
		if h.LastError != nil {
			lastErr = *h.LastError
			if len(lastErr) > 40 {
				lastErr = lastErr[:37] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			h.Scope,
			fmtOptTime(h.LastSuccessAt),
			fmtOptTime(h.LastAttemptAt),
			staleness,
			h.Stale,
			lastErr,
		)
	}
	_ = w.Flush()
}

func fmtOptTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func init() {
	healthCmd.Flags().String("account", "", "shop domain")
	healthCmd.Flags().String("scope", "", "single scope to show (default all)")
	healthCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")
	_ = healthCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(healthCmd)
}
