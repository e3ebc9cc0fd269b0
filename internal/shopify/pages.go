package shopify

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	endpointOrders   = "orders"
	endpointCustomer = "customer_first_order"
	maxBodyBytes     = 64 << 20
)

// PageToken is an opaque continuation for an order listing. The zero value
// means there is nothing left to fetch.
type PageToken struct {
	url string
}

// IsZero reports whether the token is empty.
func (t PageToken) IsZero() bool {
	return t.url == ""
}

// Page is one page of orders.
type Page struct {
	Orders []Order
	Next   PageToken
}

// HasNext reports whether another page follows.
func (p *Page) HasNext() bool {
	return !p.Next.IsZero()
}

// FirstPage builds the token for the first page of paid orders created in
// [from, to].
func (c *Client) FirstPage(account string, from, to time.Time) PageToken {
	q := url.Values{}
	q.Set("status", "any")
	q.Set("financial_status", "paid")
	q.Set("created_at_min", from.UTC().Format(time.RFC3339))
	q.Set("created_at_max", to.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.pageSize))
	return PageToken{url: c.ordersURL(account) + "?" + q.Encode()}
}

// FetchPage fetches the page behind token. Any non-2xx status left after
// throttling retries, or a body that is not an order listing, is an error.
func (c *Client) FetchPage(ctx context.Context, account string, token PageToken) (*Page, error) {
	if token.IsZero() {
		return nil, eris.New("shopify: fetch page: empty token")
	}
	req, err := c.newRequest(ctx, account, token.url)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, req, endpointOrders)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, token.url); err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "shopify: read page")
	}
	orders, err := decodeOrders(body)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: decode page")
	}

	page := &Page{Orders: orders}
	if next := parseNextLink(resp.Header.Values("Link")); next != "" {
		page.Next = PageToken{url: next}
	}
	c.log.Debug("fetched order page",
		zap.String("account", account),
		zap.Int("orders", len(orders)),
		zap.Bool("has_next", page.HasNext()),
	)
	return page, nil
}

// parseNextLink extracts the rel="next" target from RFC 8288 Link headers.
// Targets are delimited by angle brackets, so commas inside a URL do not
// split a link value.
func parseNextLink(headers []string) string {
	for _, h := range headers {
		rest := h
		for {
			open := strings.IndexByte(rest, '<')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(rest[open:], '>')
			if closing < 0 {
				break
			}
			target := rest[open+1 : open+closing]
			rest = rest[open+closing+1:]

			params := rest
			if i := strings.IndexByte(rest, '<'); i >= 0 {
				params = rest[:i]
			}
			if linkHasRel(params, "next") {
				return target
			}
		}
	}
	return ""
}

// linkHasRel reports whether the parameter list following a link target
// carries the given relation type.
func linkHasRel(params, want string) bool {
	for _, param := range strings.Split(params, ";") {
		param = strings.Trim(strings.TrimSpace(param), ",")
		k, v, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "rel") {
			continue
		}
		for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(v), `"`)) {
			if strings.EqualFold(rel, want) {
				return true
			}
		}
	}
	return false
}
