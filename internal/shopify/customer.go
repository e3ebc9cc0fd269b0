package shopify

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// EarliestPaidOrder returns the creation time of the customer's oldest paid
// order, or nil when the customer has none.
func (c *Client) EarliestPaidOrder(ctx context.Context, account, customerID string) (*time.Time, error) {
	if customerID == "" {
		return nil, eris.New("shopify: earliest paid order: empty customer id")
	}
	q := url.Values{}
	q.Set("customer_id", customerID)
	q.Set("financial_status", "paid")
	q.Set("status", "any")
	q.Set("order", "created_at asc")
	q.Set("limit", "1")
	q.Set("fields", "id,created_at,processed_at")
	rawURL := c.ordersURL(account) + "?" + q.Encode()

	req, err := c.newRequest(ctx, account, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, req, endpointCustomer)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, rawURL); err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "shopify: read customer orders")
	}
	orders, err := decodeOrders(body)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: decode customer orders")
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ts := orders[0].CreatedAt
	if ts == "" {
		ts = orders[0].ProcessedAt
	}
	at, err := ParseTime(ts)
	if err != nil {
		return nil, eris.Wrapf(err, "shopify: customer %s first order timestamp", customerID)
	}
	return &at, nil
}

// ParseTime parses an Admin API timestamp into UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse time %q", s)
	}
	return t.UTC(), nil
}
