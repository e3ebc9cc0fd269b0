package fx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/resilience"
)

// Source fetches a complete rate table.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Table, error)
}

// HTTPSource reads a JSON document with a "rates" object keyed by currency
// code. The base is taken from "base" or "base_code" when present.
type HTTPSource struct {
	name   string
	url    string
	base   string
	client *http.Client
	now    func() time.Time
}

// NewHTTPSource creates an HTTP rate source. base is used when the payload
// does not name its own base currency.
func NewHTTPSource(name, url, base string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSource{name: name, url: url, base: NormalizeCode(base), client: client, now: time.Now}
}

// Name implements Source.
func (s *HTTPSource) Name() string { return s.name }

type ratesPayload struct {
	Base     string                     `json:"base"`
	BaseCode string                     `json:"base_code"`
	Result   string                     `json:"result"`
	Rates    map[string]decimal.Decimal `json:"rates"`
}

// Fetch implements Source. 429 and 5xx responses come back as
// *resilience.TransientError so callers can retry them.
func (s *HTTPSource) Fetch(ctx context.Context) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "fx: %s: create request", s.name)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fx: %s: request", s.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("fx: %s: unexpected status %d", s.name, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			te := resilience.NewTransientError(statusErr, resp.StatusCode)
			if d, ok := resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), s.now()); ok {
				te.RetryAfter = d
			}
			return nil, te
		}
		return nil, statusErr
	}

	var p ratesPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&p); err != nil {
		return nil, eris.Wrapf(err, "fx: %s: decode", s.name)
	}
	if p.Result != "" && !strings.EqualFold(p.Result, "success") {
		return nil, eris.Errorf("fx: %s: result %q", s.name, p.Result)
	}

	base := s.base
	if p.BaseCode != "" {
		base = NormalizeCode(p.BaseCode)
	} else if p.Base != "" {
		base = NormalizeCode(p.Base)
	}
	if !ValidCode(base) {
		return nil, eris.Errorf("fx: %s: invalid base currency %q", s.name, base)
	}

	t := &Table{Base: base, Rates: make(map[string]decimal.Decimal, len(p.Rates)+1), FetchedAt: s.now().UTC(), Source: s.name}
	for code, rate := range p.Rates {
		if !ValidCode(code) || !rate.IsPositive() {
			continue
		}
		t.Rates[NormalizeCode(code)] = rate
	}
	t.Rates[base] = decimal.NewFromInt(1)
	if len(t.Rates) < 2 {
		return nil, eris.Errorf("fx: %s: no rates in response", s.name)
	}
	return t, nil
}

// StaticSource serves a fixed table.
type StaticSource struct {
	Table *Table
}

// Name implements Source.
func (s StaticSource) Name() string { return "static" }

// Fetch implements Source.
func (s StaticSource) Fetch(_ context.Context) (*Table, error) {
	if s.Table.Empty() {
		return nil, eris.New("fx: static: empty table")
	}
	return s.Table, nil
}

// Chain tries sources in order, each behind its own circuit breaker and
// retry policy, and returns the first table fetched.
type Chain struct {
	sources  []Source
	breakers *resilience.Breakers
	retry    resilience.RetryConfig
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewChain creates a Chain. The first source is the primary; the rest are
// fallbacks in priority order.
func NewChain(retry resilience.RetryConfig, breaker resilience.CircuitBreakerConfig, sources ...Source) *Chain {
	log := zap.L().With(zap.String("component", "fx.chain"))
	breaker.OnStateChange = func(from, to resilience.CircuitState) {
		log.Info("rate source circuit changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("fx", "fetch_rates")
	}
	return &Chain{
		sources:  sources,
		breakers: resilience.NewBreakers(breaker),
		retry:    retry,
		log:      log,
	}
}

// SetMetrics publishes per-source circuit states after every fetch.
func (c *Chain) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Name implements Source.
func (c *Chain) Name() string { return "chain" }

// Fetch implements Source.
func (c *Chain) Fetch(ctx context.Context) (*Table, error) {
	if len(c.sources) == 0 {
		return nil, eris.New("fx: no rate sources configured")
	}
	defer c.publishStates()

	var errs []string
	for _, src := range c.sources {
		cb := c.breakers.Get(src.Name())
		t, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Table, error) {
			return resilience.DoVal(ctx, c.retry, src.Fetch)
		})
		if err == nil {
			return t, nil
		}
		c.log.Warn("rate source failed", zap.String("source", src.Name()), zap.Error(err))
		errs = append(errs, src.Name()+": "+err.Error())
		if ctx.Err() != nil {
			break
		}
	}
	return nil, eris.Errorf("fx: all rate sources failed: %s", strings.Join(errs, "; "))
}

// States exposes per-source circuit breaker states.
func (c *Chain) States() map[string]resilience.CircuitState {
	return c.breakers.States()
}

func (c *Chain) publishStates() {
	if c.metrics == nil {
		return
	}
	for name, state := range c.States() {
		c.metrics.SetRateSourceState(name, int(state))
	}
}
