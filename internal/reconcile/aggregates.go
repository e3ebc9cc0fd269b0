package reconcile

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/ordertruth/internal/fx"
	"github.com/sells-group/ordertruth/internal/truth"
)

// Report is the read-side view of a window in the reporting currency.
// Currencies without a rate are listed in Excluded and left out of the
// revenue totals.
type Report struct {
	Account            string                 `json:"account"`
	From               time.Time              `json:"from"`
	To                 time.Time              `json:"to"`
	Currency           string                 `json:"currency"`
	Orders             int64                  `json:"orders"`
	Revenue            decimal.Decimal        `json:"revenue"`
	Customers          int64                  `json:"customers"`
	ReturningCustomers int64                  `json:"returning_customers"`
	ReturningOrders    int64                  `json:"returning_orders"`
	ReturningRevenue   decimal.Decimal        `json:"returning_revenue"`
	ByCurrency         []truth.CurrencyTotals `json:"by_currency"`
	Excluded           []string               `json:"excluded,omitempty"`
	RatesAsOf          *time.Time             `json:"rates_as_of,omitempty"`
}

// Aggregates reads order count, revenue, and returning-customer figures
// for [from, to) from the truth store.
func (e *Engine) Aggregates(ctx context.Context, account string, from, to time.Time) (*Report, error) {
	if account == "" {
		return nil, &ConfigError{Err: eris.New("reconcile: account is required")}
	}
	if !from.Before(to) {
		return nil, &ConfigError{Err: eris.New("reconcile: window start must be before window end")}
	}
	return e.report(ctx, account, from, to, e.rateTable(ctx))
}

func (e *Engine) report(ctx context.Context, account string, from, to time.Time, table *fx.Table) (*Report, error) {
	wt, err := e.store.WindowTotals(ctx, account, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: window totals")
	}

	var revenue, returning fx.Sums
	r := &Report{
		Account:            account,
		From:               from.UTC(),
		To:                 to.UTC(),
		Currency:           e.reporting,
		Customers:          wt.Customers,
		ReturningCustomers: wt.ReturningCustomers,
		ByCurrency:         wt.ByCurrency,
	}
	for _, ct := range wt.ByCurrency {
		r.Orders += ct.Orders
		r.ReturningOrders += ct.ReturningOrders
		revenue.Add(ct.Currency, ct.Revenue)
		returning.Add(ct.Currency, ct.ReturningRevenue)
	}

	total := revenue.Normalize(table, e.reporting)
	ret := returning.Normalize(table, e.reporting)
	r.Revenue = total.Total
	r.ReturningRevenue = ret.Total
	r.Excluded = total.Excluded
	for _, code := range ret.Excluded {
		if !slices.Contains(r.Excluded, code) {
			r.Excluded = append(r.Excluded, code)
		}
	}
	if !table.Empty() {
		asOf := table.FetchedAt
		r.RatesAsOf = &asOf
	}
	return r, nil
}
