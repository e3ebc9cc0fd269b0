package shopify

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Order is the subset of the Admin API order payload the truth store keeps.
// Timestamps stay as strings so an unparseable revision can be told apart
// from a real one.
type Order struct {
	ID                    int64           `json:"id"`
	Name                  string          `json:"name"`
	CreatedAt             string          `json:"created_at"`
	ProcessedAt           string          `json:"processed_at"`
	UpdatedAt             string          `json:"updated_at"`
	FinancialStatus       string          `json:"financial_status"`
	CancelledAt           *string         `json:"cancelled_at"`
	Test                  bool            `json:"test"`
	Currency              string          `json:"currency"`
	TotalPrice            decimal.Decimal `json:"total_price"`
	SubtotalPrice         decimal.Decimal `json:"subtotal_price"`
	TotalTax              decimal.Decimal `json:"total_tax"`
	TotalDiscounts        decimal.Decimal `json:"total_discounts"`
	TotalShippingPriceSet *PriceSet       `json:"total_shipping_price_set"`
	Customer              *Customer       `json:"customer"`
	CheckoutToken         *string         `json:"checkout_token"`

	// Raw is the order object exactly as received.
	Raw json.RawMessage `json:"-"`
}

// PriceSet carries an amount in shop and presentment currencies.
type PriceSet struct {
	ShopMoney Money `json:"shop_money"`
}

// Money is an amount with its currency.
type Money struct {
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
}

// Customer is the customer reference embedded in an order.
type Customer struct {
	ID          int64 `json:"id"`
	OrdersCount *int  `json:"orders_count"`
}

// Shipping returns the shop-currency shipping total, zero when absent.
func (o Order) Shipping() decimal.Decimal {
	if o.TotalShippingPriceSet == nil {
		return decimal.Zero
	}
	return o.TotalShippingPriceSet.ShopMoney.Amount
}

type ordersEnvelope struct {
	Orders []json.RawMessage `json:"orders"`
}

func decodeOrders(body []byte) ([]Order, error) {
	var env ordersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(env.Orders))
	for _, raw := range env.Orders {
		var o Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
		o.Raw = append(json.RawMessage(nil), raw...)
		orders = append(orders, o)
	}
	return orders, nil
}
