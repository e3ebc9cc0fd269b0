// Package shopify fetches paid orders and customer first-order lookups from
// the Shopify Admin REST API under a shared rate budget.
package shopify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ordertruth/internal/config"
	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/resilience"
)

const (
	defaultAPIVersion = "2024-10"
	defaultPageSize   = 250
	tokenHeader       = "X-Shopify-Access-Token"
	userAgent         = "ordertruth/1.0"
)

// StatusError is returned when the upstream answers with a non-2xx status
// after retries.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shopify: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLimiter shares a token bucket with other clients.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithMetrics records upstream traffic.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithClock sets the clock used to resolve HTTP-date Retry-After values.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client talks to the Shopify Admin API. Every request, including retries
// and customer lookups, draws from one token bucket.
type Client struct {
	http    *http.Client
	creds   CredentialStore
	limiter *rate.Limiter
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     *zap.Logger

	baseURL           string
	apiVersion        string
	pageSize          int
	maxAttempts       int
	defaultRetryAfter time.Duration
	maxWait           time.Duration
}

// NewClient creates a Client from config.
func NewClient(cfg config.ShopifyConfig, creds CredentialStore, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		http:              &http.Client{Timeout: timeout},
		creds:             creds,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		sleep:             resilience.SleepContext,
		now:               time.Now,
		log:               zap.L().With(zap.String("component", "shopify.client")),
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:        cfg.APIVersion,
		pageSize:          cfg.PageSize,
		maxAttempts:       cfg.MaxAttempts,
		defaultRetryAfter: time.Duration(cfg.DefaultRetryAfterSecs) * time.Second,
		maxWait:           time.Duration(cfg.MaxWaitSecs) * time.Second,
	}
	if c.apiVersion == "" {
		c.apiVersion = defaultAPIVersion
	}
	if c.pageSize <= 0 || c.pageSize > defaultPageSize {
		c.pageSize = defaultPageSize
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 4
	}
	if c.defaultRetryAfter <= 0 {
		c.defaultRetryAfter = 2 * time.Second
	}
	if c.maxWait <= 0 {
		c.maxWait = 10 * time.Second
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req through the rate limiter. A 429 is retried after the
// Retry-After hint (or the default wait), capped at the max wait, up to the
// attempt budget. Once the budget is spent the last 429 response is returned
// with a nil error so the caller decides what a non-2xx status means.
func (c *Client) Do(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "shopify: rate limiter wait")
		}

		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			c.metrics.ObserveUpstream(endpoint, 0)
			return nil, eris.Wrapf(err, "shopify: %s request", endpoint)
		}
		c.metrics.ObserveUpstream(endpoint, resp.StatusCode)

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= c.maxAttempts {
			return resp, nil
		}

		wait := resilience.RetryAfterWait(resp.Header.Get("Retry-After"), c.now(), c.defaultRetryAfter, c.maxWait)
		drain(resp)
		c.metrics.Throttled()
		c.log.Warn("rate limited (429), backing off",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, eris.Wrap(err, "shopify: backoff")
		}
	}
}

func (c *Client) newRequest(ctx context.Context, account, rawURL string) (*http.Request, error) {
	cred, err := c.creds.Credential(ctx, account)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: create request")
	}
	req.Header.Set(tokenHeader, cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (c *Client) ordersURL(account string) string {
	base := c.baseURL
	if base == "" {
		base = "https://" + account
	}
	return base + "/admin/api/" + c.apiVersion + "/orders.json"
}

// checkStatus turns a non-2xx response into a *StatusError, consuming the body.
func checkStatus(resp *http.Response, rawURL string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	return &StatusError{StatusCode: resp.StatusCode, URL: rawURL, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
