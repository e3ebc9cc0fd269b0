package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ordertruth/internal/shopify"
)

func TestNormalizeOrder(t *testing.T) {
	cancelled := "2026-10-19T11:00:00Z"
	token := "tok-9"
	count := 4
	o := shopify.Order{
		ID:              1001,
		Name:            "#1001",
		CreatedAt:       "2026-10-19T08:00:00-04:00",
		ProcessedAt:     "2026-10-19T08:00:01-04:00",
		UpdatedAt:       "2026-10-19T08:05:00-04:00",
		FinancialStatus: "paid",
		CancelledAt:     &cancelled,
		Currency:        "usd",
		TotalPrice:      decimal.RequireFromString("100.00"),
		TotalShippingPriceSet: &shopify.PriceSet{ShopMoney: shopify.Money{
			Amount: decimal.RequireFromString("7.50"),
		}},
		Customer:      &shopify.Customer{ID: 77, OrdersCount: &count},
		CheckoutToken: &token,
		Raw:           json.RawMessage(`{"id":1001}`),
	}
	synced := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	rec, err := normalizeOrder("acme.myshopify.com", o, synced)
	require.NoError(t, err)
	assert.Equal(t, "1001", rec.OrderID)
	assert.True(t, rec.CreatedAt.Equal(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, rec.UpdatedAt)
	assert.True(t, rec.UpdatedAt.Equal(time.Date(2026, 10, 19, 12, 5, 0, 0, time.UTC)))
	require.NotNil(t, rec.CancelledAt)
	assert.Equal(t, "USD", rec.Currency)
	assert.True(t, rec.TotalShipping.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, "77", *rec.CustomerID)
	assert.Equal(t, 4, *rec.CustomerOrdersCount)
	assert.Equal(t, "tok-9", *rec.CheckoutToken)
	assert.True(t, rec.SyncedAt.Equal(synced))
	assert.False(t, counted(rec), "cancelled orders are not counted")
}

func TestNormalizeOrder_Lenient(t *testing.T) {
	empty := " "
	o := shopify.Order{
		ID:            5,
		CreatedAt:     "2026-10-19T08:00:00Z",
		UpdatedAt:     "not-a-time",
		Currency:      "GBP",
		CheckoutToken: &empty,
		Customer:      &shopify.Customer{},
	}
	rec, err := normalizeOrder("a", o, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec.UpdatedAt, "unparseable revision becomes nil")
	assert.Nil(t, rec.ProcessedAt)
	assert.Nil(t, rec.CustomerID)
	assert.Nil(t, rec.CheckoutToken)
	assert.True(t, counted(rec))
}

func TestNormalizeOrder_Invalid(t *testing.T) {
	_, err := normalizeOrder("a", shopify.Order{CreatedAt: "2026-10-19T08:00:00Z"}, time.Now())
	assert.Error(t, err)

	_, err = normalizeOrder("a", shopify.Order{ID: 1, CreatedAt: "yesterday"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created_at")
}

func TestDayWindow(t *testing.T) {
	from, to := DayWindow(time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), to)

	assert.True(t, ValidScope(ScopeBackfill))
	assert.False(t, ValidScope("weekly"))
}
