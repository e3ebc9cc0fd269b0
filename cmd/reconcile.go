package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ordertruth/internal/api"
	"github.com/sells-group/ordertruth/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a window now, ignoring the throttle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReconcile(cmd, true)
	},
}

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Reconcile a window unless a recent run already covered it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReconcile(cmd, false)
	},
}

func runReconcile(cmd *cobra.Command, force bool) error {
	if err := cfg.Validate("reconcile"); err != nil {
		return err
	}
	req, err := requestFromFlags(cmd, time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	env, err := initApp(ctx, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	var res reconcile.RunResult
	if force {
		res = env.Engine.ReconcileRange(ctx, req)
	} else {
		res = env.Engine.EnsureReconciled(ctx, req)
	}

	if err := writeResult(os.Stdout, res); err != nil {
		return err
	}
	if !res.OK {
		return eris.Errorf("reconcile %s/%s failed: %s", res.Account, res.Scope, res.Error)
	}
	return nil
}

func requestFromFlags(cmd *cobra.Command, now time.Time) (reconcile.Request, error) {
	account, _ := cmd.Flags().GetString("account")
	scope, _ := cmd.Flags().GetString("scope")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	if !reconcile.ValidScope(scope) {
		return reconcile.Request{}, eris.Errorf("unknown scope %q", scope)
	}
	req := reconcile.Request{Account: account, Scope: scope}
	if from != "" || to != "" {
		f, t, err := api.ParseWindow(from, to, now)
		if err != nil {
			return reconcile.Request{}, err
		}
		req.From, req.To = f, t
	}
	return req, nil
}

func writeResult(out io.Writer, res reconcile.RunResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("account", "", "shop domain to reconcile (e.g. acme.myshopify.com)")
	cmd.Flags().String("scope", reconcile.ScopeToday, "run scope (today, verify, backfill)")
	cmd.Flags().String("from", "", "window start (RFC 3339 or YYYY-MM-DD, default today)")
	cmd.Flags().String("to", "", "window end, exclusive (a bare date includes that day)")
	_ = cmd.MarkFlagRequired("account")
}

func init() {
	addWindowFlags(reconcileCmd)
	addWindowFlags(ensureCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(ensureCmd)
}
