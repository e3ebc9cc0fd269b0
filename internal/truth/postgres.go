package truth

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/db"
)

const migrationLockID = 7341526

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres opens a pool and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies pending migrations under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "truth.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: query applied migrations")
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return eris.Wrap(err, "postgres: scan applied migrations")
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	migs, err := migrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if done[m.name] {
			continue
		}
		log.Info("applying migration", zap.String("file", m.name))
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", m.name)
		}
		if _, err := s.pool.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", m.name); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", m.name)
		}
	}
	return nil
}

// Close releases the pool when this store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgOrderColumns = `account, order_id, name, created_at, processed_at, updated_at, financial_status,
	cancelled_at, test, currency, total_price::text, subtotal_price::text, total_tax::text,
	total_discounts::text, total_shipping::text, customer_id, customer_orders_count,
	checkout_token, synced_at, raw::text`

// GetOrder implements Store.
func (s *PostgresStore) GetOrder(ctx context.Context, account, orderID string) (*OrderRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE account = $1 AND order_id = $2`,
		account, orderID,
	)

	var (
		rec                                       OrderRecord
		total, subtotal, tax, discounts, shipping string
		raw                                       *string
	)
	err := row.Scan(&rec.Account, &rec.OrderID, &rec.Name, &rec.CreatedAt, &rec.ProcessedAt, &rec.UpdatedAt,
		&rec.FinancialStatus, &rec.CancelledAt, &rec.Test, &rec.Currency,
		&total, &subtotal, &tax, &discounts, &shipping,
		&rec.CustomerID, &rec.CustomerOrdersCount, &rec.CheckoutToken, &rec.SyncedAt, &raw)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get order %s", orderID)
	}
	if err := parseAmounts(&rec, total, subtotal, tax, discounts, shipping); err != nil {
		return nil, err
	}
	if raw != nil {
		rec.Raw = []byte(*raw)
	}
	return &rec, nil
}

// InsertOrder implements Store. It reports false when the row already exists.
func (s *PostgresStore) InsertOrder(ctx context.Context, rec *OrderRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO orders (account, order_id, name, created_at, processed_at, updated_at, financial_status,
			cancelled_at, test, currency, total_price, subtotal_price, total_tax, total_discounts, total_shipping,
			customer_id, customer_orders_count, checkout_token, synced_at, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (account, order_id) DO NOTHING`,
		orderArgs(rec)...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert order %s", rec.OrderID)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateOrder implements Store. synced_at never moves backwards.
func (s *PostgresStore) UpdateOrder(ctx context.Context, rec *OrderRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET name = $3, created_at = $4, processed_at = $5, updated_at = $6,
			financial_status = $7, cancelled_at = $8, test = $9, currency = $10, total_price = $11,
			subtotal_price = $12, total_tax = $13, total_discounts = $14, total_shipping = $15,
			customer_id = $16, customer_orders_count = $17, checkout_token = $18,
			synced_at = GREATEST(synced_at, $19), raw = $20
		 WHERE account = $1 AND order_id = $2`,
		orderArgs(rec)...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update order %s", rec.OrderID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update order %s", rec.OrderID)
	}
	return nil
}

// TouchOrder implements Store.
func (s *PostgresStore) TouchOrder(ctx context.Context, account, orderID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET synced_at = GREATEST(synced_at, $3) WHERE account = $1 AND order_id = $2`,
		account, orderID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: touch order %s", orderID)
}

// AddEvidence implements Store.
func (s *PostgresStore) AddEvidence(ctx context.Context, ev *Evidence) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO order_evidence (account, kind, order_ref, checkout_token, order_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		ev.Account, ev.Kind, ev.OrderRef, ev.CheckoutToken, ev.OrderID, nullJSON(ev.Payload), ev.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: add evidence")
	}
	return id, nil
}

// LinkEvidence implements Store.
func (s *PostgresStore) LinkEvidence(ctx context.Context, account, orderID string, checkoutToken *string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_evidence SET order_id = $2, linked_at = $4
		 WHERE account = $1 AND order_id IS NULL
		   AND (order_ref = $2 OR ($3::text IS NOT NULL AND checkout_token = $3))`,
		account, orderID, checkoutToken, at.UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: link evidence for order %s", orderID)
	}
	return tag.RowsAffected(), nil
}

// GetState implements Store. A pair that never ran yields an empty state.
func (s *PostgresStore) GetState(ctx context.Context, account, scope string) (*ReconcileState, error) {
	st := ReconcileState{Account: account, Scope: scope}
	err := s.pool.QueryRow(ctx,
		`SELECT last_success_at, last_attempt_at, last_error, cursor
		 FROM reconcile_state WHERE account = $1 AND scope = $2`,
		account, scope,
	).Scan(&st.LastSuccessAt, &st.LastAttemptAt, &st.LastError, &st.Cursor)
	if err != nil {
		if db.IsNoRows(err) {
			return &st, nil
		}
		return nil, eris.Wrapf(err, "postgres: get state %s/%s", account, scope)
	}
	return &st, nil
}

// MarkAttempt implements Store.
func (s *PostgresStore) MarkAttempt(ctx context.Context, account, scope string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_state (account, scope, last_attempt_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account, scope) DO UPDATE SET last_attempt_at = EXCLUDED.last_attempt_at`,
		account, scope, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark attempt %s/%s", account, scope)
}

// MarkSuccess implements Store.
func (s *PostgresStore) MarkSuccess(ctx context.Context, account, scope string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_state (account, scope, last_success_at, last_attempt_at, last_error)
		 VALUES ($1, $2, $3, $3, NULL)
		 ON CONFLICT (account, scope) DO UPDATE SET last_success_at = EXCLUDED.last_success_at, last_error = NULL`,
		account, scope, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark success %s/%s", account, scope)
}

// MarkFailure implements Store.
func (s *PostgresStore) MarkFailure(ctx context.Context, account, scope string, at time.Time, msg string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_state (account, scope, last_attempt_at, last_error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account, scope) DO UPDATE SET last_error = EXCLUDED.last_error`,
		account, scope, at.UTC(), msg,
	)
	return eris.Wrapf(err, "postgres: mark failure %s/%s", account, scope)
}

// GetFact implements Store. A missing fact yields (nil, nil).
func (s *PostgresStore) GetFact(ctx context.Context, account, customerID string) (*CustomerOrderFact, error) {
	f := CustomerOrderFact{Account: account, CustomerID: customerID}
	err := s.pool.QueryRow(ctx,
		`SELECT first_paid_at, last_checked_at FROM customer_order_facts WHERE account = $1 AND customer_id = $2`,
		account, customerID,
	).Scan(&f.FirstPaidAt, &f.LastCheckedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get fact %s", customerID)
	}
	return &f, nil
}

// PutFact implements Store. An established first-paid timestamp only ever
// moves earlier; last_checked_at is always refreshed.
func (s *PostgresStore) PutFact(ctx context.Context, f CustomerOrderFact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO customer_order_facts (account, customer_id, first_paid_at, last_checked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account, customer_id) DO UPDATE SET
			first_paid_at = CASE
				WHEN customer_order_facts.first_paid_at IS NULL THEN EXCLUDED.first_paid_at
				WHEN EXCLUDED.first_paid_at IS NULL THEN customer_order_facts.first_paid_at
				ELSE LEAST(customer_order_facts.first_paid_at, EXCLUDED.first_paid_at)
			END,
			last_checked_at = EXCLUDED.last_checked_at`,
		f.Account, f.CustomerID, utcPtr(f.FirstPaidAt), f.LastCheckedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put fact %s", f.CustomerID)
}

// AppendAudit implements Store.
func (s *PostgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (at, actor, action, detail) VALUES ($1, $2, $3, $4)`,
		e.At.UTC(), e.Actor, e.Action, nullJSON(e.Detail),
	)
	return eris.Wrapf(err, "postgres: append audit %s", e.Action)
}

// ListAudit implements Store, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, actor, action, COALESCE(detail::text, 'null') FROM audit_log ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail string
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Detail = []byte(detail)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}

// WindowTotals implements Store.
func (s *PostgresStore) WindowTotals(ctx context.Context, account string, from, to time.Time) (*WindowTotals, error) {
	from, to = from.UTC(), to.UTC()
	rows, err := s.pool.Query(ctx,
		`SELECT o.currency,
			COUNT(*),
			COALESCE(SUM(o.total_price), 0)::text,
			COUNT(*) FILTER (WHERE f.first_paid_at < $2),
			COALESCE(SUM(o.total_price) FILTER (WHERE f.first_paid_at < $2), 0)::text
		 FROM orders o
		 LEFT JOIN customer_order_facts f ON f.account = o.account AND f.customer_id = o.customer_id
		 WHERE o.account = $1 AND o.created_at >= $2 AND o.created_at < $3
		   AND NOT o.test AND o.cancelled_at IS NULL
		 GROUP BY o.currency ORDER BY o.currency`,
		account, from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: window totals")
	}
	defer rows.Close()

	wt := &WindowTotals{}
	for rows.Next() {
		var ct CurrencyTotals
		var revenue, returning string
		if err := rows.Scan(&ct.Currency, &ct.Orders, &revenue, &ct.ReturningOrders, &returning); err != nil {
			return nil, eris.Wrap(err, "postgres: scan window totals")
		}
		if ct.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, eris.Wrap(err, "postgres: parse revenue")
		}
		if ct.ReturningRevenue, err = decimal.NewFromString(returning); err != nil {
			return nil, eris.Wrap(err, "postgres: parse returning revenue")
		}
		wt.ByCurrency = append(wt.ByCurrency, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate window totals")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT o.customer_id),
			COUNT(DISTINCT o.customer_id) FILTER (WHERE f.first_paid_at < $2)
		 FROM orders o
		 LEFT JOIN customer_order_facts f ON f.account = o.account AND f.customer_id = o.customer_id
		 WHERE o.account = $1 AND o.created_at >= $2 AND o.created_at < $3
		   AND NOT o.test AND o.cancelled_at IS NULL AND o.customer_id IS NOT NULL`,
		account, from, to,
	).Scan(&wt.Customers, &wt.ReturningCustomers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: window customers")
	}
	return wt, nil
}

// Backup implements Store by copying every truth table into a snapshot.
func (s *PostgresStore) Backup(ctx context.Context, suffix string) error {
	return db.Snapshot(ctx, db.PoolExecer{Pool: s.pool}, suffix, Tables...)
}

func orderArgs(rec *OrderRecord) []any {
	return []any{
		rec.Account, rec.OrderID, rec.Name, rec.CreatedAt.UTC(), utcPtr(rec.ProcessedAt), utcPtr(rec.UpdatedAt),
		rec.FinancialStatus, utcPtr(rec.CancelledAt), rec.Test, rec.Currency,
		rec.TotalPrice.String(), rec.SubtotalPrice.String(), rec.TotalTax.String(),
		rec.TotalDiscounts.String(), rec.TotalShipping.String(),
		rec.CustomerID, rec.CustomerOrdersCount, rec.CheckoutToken, rec.SyncedAt.UTC(), nullJSON(rec.Raw),
	}
}

func parseAmounts(rec *OrderRecord, total, subtotal, tax, discounts, shipping string) error {
	targets := []*decimal.Decimal{&rec.TotalPrice, &rec.SubtotalPrice, &rec.TotalTax, &rec.TotalDiscounts, &rec.TotalShipping}
	for i, v := range []string{total, subtotal, tax, discounts, shipping} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return eris.Wrapf(err, "truth: parse amount %q", v)
		}
		*targets[i] = d
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
