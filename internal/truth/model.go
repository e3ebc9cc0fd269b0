// Package truth owns the local order truth store: the persisted order
// records, per-scope reconcile state, customer first-order facts, the audit
// log, and the merge policy that keeps repeated runs idempotent.
package truth

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is one upstream order as held in the truth store, unique per
// (Account, OrderID).
type OrderRecord struct {
	Account         string     `json:"account"`
	OrderID         string     `json:"order_id"`
	Name            string     `json:"name"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"` // upstream revision; nil when absent or unparseable
	FinancialStatus string     `json:"financial_status"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	Test            bool       `json:"test"`
	Currency        string     `json:"currency"`

	TotalPrice     decimal.Decimal `json:"total_price"`
	SubtotalPrice  decimal.Decimal `json:"subtotal_price"`
	TotalTax       decimal.Decimal `json:"total_tax"`
	TotalDiscounts decimal.Decimal `json:"total_discounts"`
	TotalShipping  decimal.Decimal `json:"total_shipping"`

	CustomerID          *string `json:"customer_id,omitempty"`
	CustomerOrdersCount *int    `json:"customer_orders_count,omitempty"` // as observed at fetch time
	CheckoutToken       *string `json:"checkout_token,omitempty"`

	SyncedAt time.Time       `json:"synced_at"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ReconcileState tracks runs for one (Account, Scope).
type ReconcileState struct {
	Account       string     `json:"account"`
	Scope         string     `json:"scope"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	Cursor        *string    `json:"cursor,omitempty"`
}

// CustomerOrderFact records the earliest paid order known for a customer.
type CustomerOrderFact struct {
	Account       string     `json:"account"`
	CustomerID    string     `json:"customer_id"`
	FirstPaidAt   *time.Time `json:"first_paid_at,omitempty"`
	LastCheckedAt time.Time  `json:"last_checked_at"`
}

// AuditEntry is an append-only record of an engine action.
type AuditEntry struct {
	ID     int64           `json:"id"`
	At     time.Time       `json:"at"`
	Actor  string          `json:"actor"`
	Action string          `json:"action"`
	Detail json.RawMessage `json:"detail"`
}

// Evidence is an event record (for example a tracked checkout) that may be
// linked to an order once the order is observed.
type Evidence struct {
	ID            int64           `json:"id"`
	Account       string          `json:"account"`
	Kind          string          `json:"kind"`
	OrderRef      *string         `json:"order_ref,omitempty"`
	CheckoutToken *string         `json:"checkout_token,omitempty"`
	OrderID       *string         `json:"order_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LinkedAt      *time.Time      `json:"linked_at,omitempty"`
}

// CurrencyTotals aggregates non-test, non-cancelled orders in one currency.
type CurrencyTotals struct {
	Currency         string          `json:"currency"`
	Orders           int64           `json:"orders"`
	Revenue          decimal.Decimal `json:"revenue"`
	ReturningOrders  int64           `json:"returning_orders"`
	ReturningRevenue decimal.Decimal `json:"returning_revenue"`
}

// WindowTotals aggregates a time window. An order is returning when its
// customer's first paid order predates the window start.
type WindowTotals struct {
	ByCurrency         []CurrencyTotals `json:"by_currency"`
	Customers          int64            `json:"customers"`
	ReturningCustomers int64            `json:"returning_customers"`
}
