// Package reconcile drives range reconciliation: it pages through upstream
// orders for a window, merges them into the truth store, fills customer
// facts, and records run state and audit entries.
package reconcile

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/config"
	"github.com/sells-group/ordertruth/internal/facts"
	"github.com/sells-group/ordertruth/internal/fx"
	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/shopify"
	"github.com/sells-group/ordertruth/internal/truth"
)

const (
	auditActor       = "engine"
	defaultFactLimit = 300
	maxErrorLen      = 1000
)

// Fetcher pages through upstream orders.
type Fetcher interface {
	FirstPage(account string, from, to time.Time) shopify.PageToken
	FetchPage(ctx context.Context, account string, token shopify.PageToken) (*shopify.Page, error)
}

// RateProvider returns the current exchange rate table. It may return a
// stale or empty table together with an error.
type RateProvider interface {
	Current(ctx context.Context) (*fx.Table, error)
}

// FactEnsurer fills customer first-order facts.
type FactEnsurer interface {
	EnsureFacts(ctx context.Context, account string, customerIDs []string, max int) facts.Stats
}

// Deps are the collaborators an Engine runs against.
type Deps struct {
	Store       truth.Store
	Fetcher     Fetcher
	Credentials shopify.CredentialStore
	Rates       RateProvider
	Facts       FactEnsurer
	Metrics     *metrics.Metrics
}

// Request names one reconciliation window.
type Request struct {
	Account string    `json:"account"`
	Scope   string    `json:"scope"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

// RunResult reports what one run did. Counts reflect the work done before
// any failure.
type RunResult struct {
	RunID          string       `json:"run_id,omitempty"`
	Account        string       `json:"account"`
	Scope          string       `json:"scope"`
	OK             bool         `json:"ok"`
	Skipped        bool         `json:"skipped,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Pages          int          `json:"pages"`
	Fetched        int          `json:"fetched"`
	Inserted       int          `json:"inserted"`
	Updated        int          `json:"updated"`
	Refreshed      int          `json:"refreshed"`
	EvidenceLinked int64        `json:"evidence_linked"`
	Summary        *fx.Summary  `json:"summary,omitempty"`
	Report         *Report      `json:"report,omitempty"`
	Facts          *facts.Stats `json:"facts,omitempty"`
	Error          string       `json:"error,omitempty"`
	ConfigError    bool         `json:"config_error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	Duration       string       `json:"duration,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine clock, shared with its gate and backup trigger.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// Engine runs reconciliations. It is safe for concurrent use; runs for the
// same (account, scope) may overlap and rely on the merge policy to stay
// idempotent.
type Engine struct {
	store     truth.Store
	fetcher   Fetcher
	creds     shopify.CredentialStore
	rates     RateProvider
	facts     FactEnsurer
	metrics   *metrics.Metrics
	gate      *Gate
	backup    *BackupTrigger
	reporting string

	factLimit      int
	factScopes     []string
	maxAuditDetail int
	staleAfter     time.Duration

	now   func() time.Time
	newID func() string
	log   *zap.Logger
}

// New creates an Engine from reconcile config and the reporting currency.
func New(cfg config.ReconcileConfig, reporting string, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		store:          deps.Store,
		fetcher:        deps.Fetcher,
		creds:          deps.Credentials,
		rates:          deps.Rates,
		facts:          deps.Facts,
		metrics:        deps.Metrics,
		reporting:      fx.NormalizeCode(reporting),
		factLimit:      cfg.FactLimit,
		factScopes:     cfg.FactScopes,
		maxAuditDetail: cfg.MaxAuditDetailBytes,
		staleAfter:     cfg.StaleAfter(),
		now:            time.Now,
		newID:          uuid.NewString,
		log:            zap.L().With(zap.String("component", "reconcile")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factLimit <= 0 {
		e.factLimit = defaultFactLimit
	}
	if e.factScopes == nil {
		e.factScopes = DefaultFactScopes
	}
	if e.staleAfter <= 0 {
		e.staleAfter = 30 * time.Minute
	}
	e.gate = NewGate(cfg.MinInterval(), e.now)
	e.backup = NewBackupTrigger(deps.Store, cfg.BackupTTL(), e.now)
	return e
}

// EnsureReconciled runs the window unless a recent success for the same
// (account, scope) makes it redundant, in which case the result is marked
// Skipped with the gate's reason.
func (e *Engine) EnsureReconciled(ctx context.Context, req Request) RunResult {
	req = e.withDefaults(req)
	state, err := e.store.GetState(ctx, req.Account, req.Scope)
	if err != nil {
		return RunResult{
			Account:   req.Account,
			Scope:     req.Scope,
			Error:     eris.Wrap(err, "reconcile: read state").Error(),
			StartedAt: e.now().UTC(),
		}
	}

	d := e.gate.ShouldRun(state, false)
	if !d.Proceed {
		e.metrics.ObserveRun(req.Scope, "skipped", 0)
		e.log.Debug("reconcile skipped",
			zap.String("account", req.Account),
			zap.String("scope", req.Scope),
			zap.String("reason", d.Reason),
		)
		return RunResult{
			Account:   req.Account,
			Scope:     req.Scope,
			OK:        true,
			Skipped:   true,
			Reason:    d.Reason,
			StartedAt: e.now().UTC(),
		}
	}
	res := e.Reconcile(ctx, req)
	res.Reason = d.Reason
	return res
}

// ReconcileRange runs the window regardless of the gate.
func (e *Engine) ReconcileRange(ctx context.Context, req Request) RunResult {
	res := e.Reconcile(ctx, req)
	res.Reason = ReasonForced
	return res
}

// Reconcile performs one full pagination sweep over the window. A hard
// failure stops the sweep and is recorded in run state; upserts already
// applied stay in place.
func (e *Engine) Reconcile(ctx context.Context, req Request) RunResult {
	req = e.withDefaults(req)
	start := e.now()
	res := RunResult{Account: req.Account, Scope: req.Scope, StartedAt: start.UTC()}

	if err := e.checkRequest(ctx, req); err != nil {
		return e.configFailure(ctx, res, err)
	}

	res.RunID = e.newID()
	log := e.log.With(
		zap.String("run_id", res.RunID),
		zap.String("account", req.Account),
		zap.String("scope", req.Scope),
	)

	if err := e.store.MarkAttempt(ctx, req.Account, req.Scope, start); err != nil {
		res.Error = eris.Wrap(err, "reconcile: mark attempt").Error()
		e.metrics.ObserveRun(req.Scope, "failure", e.now().Sub(start))
		return res
	}

	// Best effort: failures are logged by the trigger.
	_, _ = e.backup.MaybeRun(ctx)

	e.audit(ctx, "reconcile.start", map[string]any{
		"run_id": res.RunID,
		"scope":  req.Scope,
		"from":   req.From.UTC(),
		"to":     req.To.UTC(),
	})
	log.Info("reconcile started", zap.Time("from", req.From), zap.Time("to", req.To))

	var (
		sums      fx.Sums
		customers []string
	)
	token := e.fetcher.FirstPage(req.Account, req.From, req.To)
	for !token.IsZero() {
		page, err := e.fetcher.FetchPage(ctx, req.Account, token)
		if err != nil {
			return e.fail(ctx, log, res, start, eris.Wrapf(err, "reconcile: page %d", res.Pages+1))
		}
		res.Pages++

		for _, o := range page.Orders {
			res.Fetched++
			rec, err := normalizeOrder(req.Account, o, e.now())
			if err != nil {
				return e.fail(ctx, log, res, start, err)
			}
			if counted(rec) {
				sums.Add(rec.Currency, rec.TotalPrice)
			}

			action, err := truth.Upsert(ctx, e.store, rec)
			if err != nil {
				return e.fail(ctx, log, res, start, err)
			}
			switch action {
			case truth.ActionInsert:
				res.Inserted++
			case truth.ActionUpdate:
				res.Updated++
			case truth.ActionRefresh:
				res.Refreshed++
			}
			e.metrics.AddOrders(action.String(), 1)

			linked, err := e.store.LinkEvidence(ctx, req.Account, rec.OrderID, rec.CheckoutToken, e.now())
			if err != nil {
				log.Warn("evidence backfill failed", zap.String("order_id", rec.OrderID), zap.Error(err))
			}
			res.EvidenceLinked += linked

			if rec.CustomerID != nil {
				customers = append(customers, *rec.CustomerID)
			}
		}

		if !page.HasNext() {
			break
		}
		token = page.Next
	}

	if e.facts != nil && slices.Contains(e.factScopes, req.Scope) {
		stats := e.facts.EnsureFacts(ctx, req.Account, customers, e.factLimit)
		res.Facts = &stats
	}

	table := e.rateTable(ctx)
	summary := sums.Normalize(table, e.reporting)
	res.Summary = &summary

	if report, err := e.report(ctx, req.Account, req.From, req.To, table); err != nil {
		log.Warn("window aggregates failed", zap.Error(err))
	} else {
		res.Report = report
	}

	if err := e.store.MarkSuccess(ctx, req.Account, req.Scope, e.now()); err != nil {
		return e.fail(ctx, log, res, start, eris.Wrap(err, "reconcile: mark success"))
	}

	res.OK = true
	elapsed := e.now().Sub(start)
	res.Duration = elapsed.String()
	e.metrics.ObserveRun(req.Scope, "success", elapsed)
	e.audit(ctx, "reconcile.success", res)
	log.Info("reconcile finished",
		zap.Int("pages", res.Pages),
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("refreshed", res.Refreshed),
		zap.Duration("elapsed", elapsed),
	)
	return res
}

// ConfigError marks a request that cannot run because of its own settings
// (unknown account, missing credential, bad window).
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

func (e *Engine) checkRequest(ctx context.Context, req Request) error {
	if req.Account == "" {
		return &ConfigError{Err: eris.New("reconcile: account is required")}
	}
	if !ValidScope(req.Scope) {
		return &ConfigError{Err: eris.Errorf("reconcile: unknown scope %q", req.Scope)}
	}
	if req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To) {
		return &ConfigError{Err: eris.New("reconcile: window start must be before window end")}
	}
	if e.creds != nil {
		if _, err := e.creds.Credential(ctx, req.Account); err != nil {
			return &ConfigError{Err: err}
		}
	}
	return nil
}

func (e *Engine) withDefaults(req Request) Request {
	if req.Scope == "" {
		req.Scope = ScopeToday
	}
	if req.From.IsZero() && req.To.IsZero() && req.Scope == ScopeToday {
		req.From, req.To = DayWindow(e.now().UTC())
	}
	return req
}

// configFailure reports a request that never reached the upstream. Run
// state is left untouched.
func (e *Engine) configFailure(ctx context.Context, res RunResult, err error) RunResult {
	res.Error = err.Error()
	res.ConfigError = true
	e.metrics.ObserveRun(res.Scope, "config_error", 0)
	e.log.Warn("reconcile not started", zap.String("account", res.Account), zap.String("scope", res.Scope), zap.Error(err))
	e.audit(ctx, "reconcile.config_error", map[string]any{
		"account": res.Account,
		"scope":   res.Scope,
		"error":   res.Error,
	})
	return res
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, res RunResult, start time.Time, err error) RunResult {
	// Bookkeeping must land even when the caller's context is done.
	ctx = context.WithoutCancel(ctx)

	res.OK = false
	res.Error = truth.TruncateError(err.Error(), maxErrorLen)
	elapsed := e.now().Sub(start)
	res.Duration = elapsed.String()

	if merr := e.store.MarkFailure(ctx, res.Account, res.Scope, e.now(), res.Error); merr != nil {
		log.Error("record failure state", zap.Error(merr))
	}
	e.metrics.ObserveRun(res.Scope, "failure", elapsed)
	e.audit(ctx, "reconcile.failure", res)
	log.Error("reconcile failed",
		zap.Int("pages", res.Pages),
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Error(err),
	)
	return res
}

// audit appends an audit entry. Failures are logged and dropped.
func (e *Engine) audit(ctx context.Context, action string, detail any) {
	entry := truth.NewAuditEntry(e.now(), auditActor, action, detail, e.maxAuditDetail)
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// rateTable returns the current rates, or whatever the provider could
// offer when a refresh fails.
func (e *Engine) rateTable(ctx context.Context) *fx.Table {
	if e.rates == nil {
		return nil
	}
	table, err := e.rates.Current(ctx)
	if err != nil {
		e.log.Warn("fx rates unavailable, unconvertible currencies will be excluded", zap.Error(err))
	}
	return table
}
