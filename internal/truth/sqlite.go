package truth

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ordertruth/internal/db"
)

// sqliteTime is fixed width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "ordertruth.db"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if strings.Contains(dsn, ":memory:") {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: conn}, nil
}

// Migrate applies pending migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "truth.migrate"))

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	migs, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migs {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", m.name).Scan(&n); err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", m.name)
		}
		if n > 0 {
			continue
		}
		log.Info("applying migration", zap.String("file", m.name))
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", m.name)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
			m.name, fmtTime(time.Now()),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", m.name)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteOrderColumns = `account, order_id, name, created_at, processed_at, updated_at, financial_status,
	cancelled_at, test, currency, total_price, subtotal_price, total_tax, total_discounts, total_shipping,
	customer_id, customer_orders_count, checkout_token, synced_at, raw`

// GetOrder implements Store.
func (s *SQLiteStore) GetOrder(ctx context.Context, account, orderID string) (*OrderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE account = ? AND order_id = ?`,
		account, orderID,
	)

	var (
		rec                                       OrderRecord
		created, synced                           string
		processed, updated, cancelled             sql.NullString
		total, subtotal, tax, discounts, shipping string
		customerID, checkoutToken, raw            sql.NullString
		ordersCount                               sql.NullInt64
	)
	err := row.Scan(&rec.Account, &rec.OrderID, &rec.Name, &created, &processed, &updated,
		&rec.FinancialStatus, &cancelled, &rec.Test, &rec.Currency,
		&total, &subtotal, &tax, &discounts, &shipping,
		&customerID, &ordersCount, &checkoutToken, &synced, &raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get order %s", orderID)
	}

	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.SyncedAt, err = parseTime(synced); err != nil {
		return nil, err
	}
	if rec.ProcessedAt, err = parseNullTime(processed); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseNullTime(updated); err != nil {
		return nil, err
	}
	if rec.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return nil, err
	}
	if err := parseAmounts(&rec, total, subtotal, tax, discounts, shipping); err != nil {
		return nil, err
	}
	rec.CustomerID = nullString(customerID)
	rec.CheckoutToken = nullString(checkoutToken)
	if ordersCount.Valid {
		n := int(ordersCount.Int64)
		rec.CustomerOrdersCount = &n
	}
	if raw.Valid {
		rec.Raw = []byte(raw.String)
	}
	return &rec, nil
}

// InsertOrder implements Store. It reports false when the row already exists.
func (s *SQLiteStore) InsertOrder(ctx context.Context, rec *OrderRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+sqliteOrderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account, order_id) DO NOTHING`,
		sqliteOrderArgs(rec)...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert order %s", rec.OrderID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// UpdateOrder implements Store. synced_at never moves backwards.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, rec *OrderRecord) error {
	args := sqliteOrderArgs(rec)
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET name = ?3, created_at = ?4, processed_at = ?5, updated_at = ?6,
			financial_status = ?7, cancelled_at = ?8, test = ?9, currency = ?10, total_price = ?11,
			subtotal_price = ?12, total_tax = ?13, total_discounts = ?14, total_shipping = ?15,
			customer_id = ?16, customer_orders_count = ?17, checkout_token = ?18,
			synced_at = MAX(synced_at, ?19), raw = ?20
		 WHERE account = ?1 AND order_id = ?2`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update order %s", rec.OrderID)
	}
	return checkRowsAffected(res, "order", rec.OrderID)
}

// TouchOrder implements Store.
func (s *SQLiteStore) TouchOrder(ctx context.Context, account, orderID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET synced_at = MAX(synced_at, ?) WHERE account = ? AND order_id = ?`,
		fmtTime(at), account, orderID,
	)
	return eris.Wrapf(err, "sqlite: touch order %s", orderID)
}

// AddEvidence implements Store.
func (s *SQLiteStore) AddEvidence(ctx context.Context, ev *Evidence) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO order_evidence (account, kind, order_ref, checkout_token, order_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Account, ev.Kind, ev.OrderRef, ev.CheckoutToken, ev.OrderID, nullJSON(ev.Payload), fmtTime(ev.CreatedAt),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: add evidence")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: evidence id")
}

// LinkEvidence implements Store.
func (s *SQLiteStore) LinkEvidence(ctx context.Context, account, orderID string, checkoutToken *string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE order_evidence SET order_id = ?2, linked_at = ?4
		 WHERE account = ?1 AND order_id IS NULL
		   AND (order_ref = ?2 OR (?3 IS NOT NULL AND checkout_token = ?3))`,
		account, orderID, checkoutToken, fmtTime(at),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: link evidence for order %s", orderID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// GetState implements Store. A pair that never ran yields an empty state.
func (s *SQLiteStore) GetState(ctx context.Context, account, scope string) (*ReconcileState, error) {
	st := ReconcileState{Account: account, Scope: scope}
	var success, attempt, lastErr, cursor sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_success_at, last_attempt_at, last_error, cursor FROM reconcile_state WHERE account = ? AND scope = ?`,
		account, scope,
	).Scan(&success, &attempt, &lastErr, &cursor)
	if err == sql.ErrNoRows {
		return &st, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s/%s", account, scope)
	}
	if st.LastSuccessAt, err = parseNullTime(success); err != nil {
		return nil, err
	}
	if st.LastAttemptAt, err = parseNullTime(attempt); err != nil {
		return nil, err
	}
	st.LastError = nullString(lastErr)
	st.Cursor = nullString(cursor)
	return &st, nil
}

// MarkAttempt implements Store.
func (s *SQLiteStore) MarkAttempt(ctx context.Context, account, scope string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_state (account, scope, last_attempt_at) VALUES (?, ?, ?)
		 ON CONFLICT (account, scope) DO UPDATE SET last_attempt_at = excluded.last_attempt_at`,
		account, scope, fmtTime(at),
	)
	return eris.Wrapf(err, "sqlite: mark attempt %s/%s", account, scope)
}

// MarkSuccess implements Store.
func (s *SQLiteStore) MarkSuccess(ctx context.Context, account, scope string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_state (account, scope, last_success_at, last_attempt_at, last_error)
		 VALUES (?1, ?2, ?3, ?3, NULL)
		 ON CONFLICT (account, scope) DO UPDATE SET last_success_at = excluded.last_success_at, last_error = NULL`,
		account, scope, fmtTime(at),
	)
	return eris.Wrapf(err, "sqlite: mark success %s/%s", account, scope)
}

// MarkFailure implements Store.
func (s *SQLiteStore) MarkFailure(ctx context.Context, account, scope string, at time.Time, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_state (account, scope, last_attempt_at, last_error) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account, scope) DO UPDATE SET last_error = excluded.last_error`,
		account, scope, fmtTime(at), msg,
	)
	return eris.Wrapf(err, "sqlite: mark failure %s/%s", account, scope)
}

// GetFact implements Store. A missing fact yields (nil, nil).
func (s *SQLiteStore) GetFact(ctx context.Context, account, customerID string) (*CustomerOrderFact, error) {
	f := CustomerOrderFact{Account: account, CustomerID: customerID}
	var first sql.NullString
	var checked string
	err := s.db.QueryRowContext(ctx,
		`SELECT first_paid_at, last_checked_at FROM customer_order_facts WHERE account = ? AND customer_id = ?`,
		account, customerID,
	).Scan(&first, &checked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get fact %s", customerID)
	}
	if f.FirstPaidAt, err = parseNullTime(first); err != nil {
		return nil, err
	}
	if f.LastCheckedAt, err = parseTime(checked); err != nil {
		return nil, err
	}
	return &f, nil
}

// PutFact implements Store. An established first-paid timestamp only ever
// moves earlier; last_checked_at is always refreshed.
func (s *SQLiteStore) PutFact(ctx context.Context, f CustomerOrderFact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_order_facts (account, customer_id, first_paid_at, last_checked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account, customer_id) DO UPDATE SET
			first_paid_at = CASE
				WHEN customer_order_facts.first_paid_at IS NULL THEN excluded.first_paid_at
				WHEN excluded.first_paid_at IS NULL THEN customer_order_facts.first_paid_at
				ELSE MIN(customer_order_facts.first_paid_at, excluded.first_paid_at)
			END,
			last_checked_at = excluded.last_checked_at`,
		f.Account, f.CustomerID, fmtNullTime(f.FirstPaidAt), fmtTime(f.LastCheckedAt),
	)
	return eris.Wrapf(err, "sqlite: put fact %s", f.CustomerID)
}

// AppendAudit implements Store.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, actor, action, detail) VALUES (?, ?, ?, ?)`,
		fmtTime(e.At), e.Actor, e.Action, nullJSON(e.Detail),
	)
	return eris.Wrapf(err, "sqlite: append audit %s", e.Action)
}

// ListAudit implements Store, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, actor, action, COALESCE(detail, 'null') FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at, detail string
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		e.Detail = []byte(detail)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}

// WindowTotals implements Store. Amounts are summed as decimals in Go since
// SQLite would add the text columns as floats.
func (s *SQLiteStore) WindowTotals(ctx context.Context, account string, from, to time.Time) (*WindowTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.currency, o.total_price, o.customer_id,
			CASE WHEN f.first_paid_at IS NOT NULL AND f.first_paid_at < ?2 THEN 1 ELSE 0 END
		 FROM orders o
		 LEFT JOIN customer_order_facts f ON f.account = o.account AND f.customer_id = o.customer_id
		 WHERE o.account = ?1 AND o.created_at >= ?2 AND o.created_at < ?3
		   AND o.test = 0 AND o.cancelled_at IS NULL`,
		account, fmtTime(from), fmtTime(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: window totals")
	}
	defer rows.Close() //nolint:errcheck

	byCurrency := make(map[string]*CurrencyTotals)
	customers := make(map[string]bool)
	returningCustomers := make(map[string]bool)
	for rows.Next() {
		var currency, price string
		var customerID sql.NullString
		var returning bool
		if err := rows.Scan(&currency, &price, &customerID, &returning); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan window totals")
		}
		amount, err := decimal.NewFromString(price)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse amount %q", price)
		}

		ct, ok := byCurrency[currency]
		if !ok {
			ct = &CurrencyTotals{Currency: currency}
			byCurrency[currency] = ct
		}
		ct.Orders++
		ct.Revenue = ct.Revenue.Add(amount)
		if returning {
			ct.ReturningOrders++
			ct.ReturningRevenue = ct.ReturningRevenue.Add(amount)
		}
		if customerID.Valid {
			customers[customerID.String] = true
			if returning {
				returningCustomers[customerID.String] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate window totals")
	}

	wt := &WindowTotals{Customers: int64(len(customers)), ReturningCustomers: int64(len(returningCustomers))}
	for _, ct := range byCurrency {
		wt.ByCurrency = append(wt.ByCurrency, *ct)
	}
	sort.Slice(wt.ByCurrency, func(i, j int) bool {
		return wt.ByCurrency[i].Currency < wt.ByCurrency[j].Currency
	})
	return wt, nil
}

// Backup implements Store by copying every truth table into a snapshot.
func (s *SQLiteStore) Backup(ctx context.Context, suffix string) error {
	return db.Snapshot(ctx, sqlExecer{s.db}, suffix, Tables...)
}

type sqlExecer struct {
	db *sql.DB
}

func (e sqlExecer) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

func sqliteOrderArgs(rec *OrderRecord) []any {
	return []any{
		rec.Account, rec.OrderID, rec.Name, fmtTime(rec.CreatedAt), fmtNullTime(rec.ProcessedAt), fmtNullTime(rec.UpdatedAt),
		rec.FinancialStatus, fmtNullTime(rec.CancelledAt), rec.Test, rec.Currency,
		rec.TotalPrice.String(), rec.SubtotalPrice.String(), rec.TotalTax.String(),
		rec.TotalDiscounts.String(), rec.TotalShipping.String(),
		rec.CustomerID, rec.CustomerOrdersCount, rec.CheckoutToken, fmtTime(rec.SyncedAt), nullJSON(rec.Raw),
	}
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
