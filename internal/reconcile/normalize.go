package reconcile

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ordertruth/internal/fx"
	"github.com/sells-group/ordertruth/internal/shopify"
	"github.com/sells-group/ordertruth/internal/truth"
)

// normalizeOrder maps an upstream order onto the truth record shape. Only a
// missing id or creation time is an error; an unparseable revision becomes
// nil so the merge policy falls back to updating.
func normalizeOrder(account string, o shopify.Order, syncedAt time.Time) (*truth.OrderRecord, error) {
	if o.ID == 0 {
		return nil, eris.New("reconcile: order without id")
	}
	id := strconv.FormatInt(o.ID, 10)

	created, err := shopify.ParseTime(o.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: order %s created_at", id)
	}

	rec := &truth.OrderRecord{
		Account:         account,
		OrderID:         id,
		Name:            o.Name,
		CreatedAt:       created,
		ProcessedAt:     optionalTime(o.ProcessedAt),
		UpdatedAt:       optionalTime(o.UpdatedAt),
		FinancialStatus: o.FinancialStatus,
		Test:            o.Test,
		Currency:        fx.NormalizeCode(o.Currency),
		TotalPrice:      o.TotalPrice,
		SubtotalPrice:   o.SubtotalPrice,
		TotalTax:        o.TotalTax,
		TotalDiscounts:  o.TotalDiscounts,
		TotalShipping:   o.Shipping(),
		SyncedAt:        syncedAt.UTC(),
		Raw:             o.Raw,
	}
	if o.CancelledAt != nil {
		rec.CancelledAt = optionalTime(*o.CancelledAt)
	}
	if o.Customer != nil && o.Customer.ID != 0 {
		cid := strconv.FormatInt(o.Customer.ID, 10)
		rec.CustomerID = &cid
		rec.CustomerOrdersCount = o.Customer.OrdersCount
	}
	if o.CheckoutToken != nil && strings.TrimSpace(*o.CheckoutToken) != "" {
		token := *o.CheckoutToken
		rec.CheckoutToken = &token
	}
	return rec, nil
}

func optionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := shopify.ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

// counted reports whether an order contributes to revenue totals.
func counted(rec *truth.OrderRecord) bool {
	return !rec.Test && rec.CancelledAt == nil
}
