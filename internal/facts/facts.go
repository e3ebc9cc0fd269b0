// Package facts populates the returning-customer fact table: the earliest
// paid order each customer is known to have placed.
package facts

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/truth"
)

// Lookup finds a customer's earliest paid order. A nil time means the
// customer has no paid order upstream.
type Lookup interface {
	EarliestPaidOrder(ctx context.Context, account, customerID string) (*time.Time, error)
}

// Store is the subset of truth.Store the cache reads and writes.
type Store interface {
	GetFact(ctx context.Context, account, customerID string) (*truth.CustomerOrderFact, error)
	PutFact(ctx context.Context, fact truth.CustomerOrderFact) error
}

// Stats summarizes one EnsureFacts call.
type Stats struct {
	Checked int `json:"checked"`
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	Errors  int `json:"errors"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithWorkers sets how many lookups may be in flight. The upstream rate is
// still bounded by the fetch client's shared limiter.
func WithWorkers(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock sets the clock used for last-checked timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache fills missing customer facts on demand.
type Cache struct {
	store   Store
	lookup  Lookup
	workers int
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Cache. Lookups run one at a time unless WithWorkers says otherwise.
func New(store Store, lookup Lookup, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		lookup:  lookup,
		workers: 1,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "facts")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFacts makes sure each of the first max distinct customerIDs has a
// fact with a first-paid timestamp, looking up only the ones that do not.
// A failed lookup is counted and skipped; it never stops the others.
func (c *Cache) EnsureFacts(ctx context.Context, account string, customerIDs []string, max int) Stats {
	ids := Candidates(customerIDs, max)

	var (
		mu    sync.Mutex
		stats Stats
	)
	record := func(fn func(*Stats)) {
		mu.Lock()
		fn(&stats)
		mu.Unlock()
	}

	if c.workers <= 1 {
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			c.ensureOne(ctx, account, id, record)
		}
		return stats
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.ensureOne(ctx, account, id, record)
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

func (c *Cache) ensureOne(ctx context.Context, account, customerID string, record func(func(*Stats))) {
	record(func(s *Stats) { s.Checked++ })

	existing, err := c.store.GetFact(ctx, account, customerID)
	if err != nil {
		c.log.Warn("read fact failed", zap.String("account", account), zap.String("customer_id", customerID), zap.Error(err))
		c.metrics.FactLookup("error")
		record(func(s *Stats) { s.Errors++ })
		return
	}
	if existing != nil && existing.FirstPaidAt != nil {
		c.metrics.FactLookup("cached")
		return
	}

	first, err := c.lookup.EarliestPaidOrder(ctx, account, customerID)
	if err != nil {
		c.log.Warn("first order lookup failed", zap.String("account", account), zap.String("customer_id", customerID), zap.Error(err))
		c.metrics.FactLookup("error")
		record(func(s *Stats) { s.Errors++ })
		return
	}
	record(func(s *Stats) { s.Fetched++ })
	if first == nil {
		c.metrics.FactLookup("none")
		return
	}

	fact := truth.CustomerOrderFact{
		Account:       account,
		CustomerID:    customerID,
		FirstPaidAt:   first,
		LastCheckedAt: c.now().UTC(),
	}
	if err := c.store.PutFact(ctx, fact); err != nil {
		c.log.Warn("store fact failed", zap.String("account", account), zap.String("customer_id", customerID), zap.Error(err))
		c.metrics.FactLookup("error")
		record(func(s *Stats) { s.Errors++ })
		return
	}
	c.metrics.FactLookup("found")
	record(func(s *Stats) { s.Stored++ })
}

// Candidates dedupes ids in first-seen order, drops blanks, and keeps at
// most max of them. A non-positive max keeps none.
func Candidates(ids []string, max int) []string {
	if max <= 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, min(len(ids), max))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == max {
			break
		}
	}
	return out
}
