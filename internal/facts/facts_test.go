package facts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/metrics"
	"github.com/sells-group/ordertruth/internal/truth"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memStore struct {
	mu     sync.Mutex
	facts  map[string]truth.CustomerOrderFact
	getErr error
	putErr error
}

func newMemStore() *memStore {
	return &memStore{facts: make(map[string]truth.CustomerOrderFact)}
}

func (m *memStore) GetFact(_ context.Context, account, customerID string) (*truth.CustomerOrderFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	f, ok := m.facts[account+"/"+customerID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *memStore) PutFact(_ context.Context, f truth.CustomerOrderFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.facts[f.Account+"/"+f.CustomerID] = f
	return nil
}

type fakeLookup struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	results  map[string]*time.Time
	errs     map[string]error
}

func (f *fakeLookup) EarliestPaidOrder(_ context.Context, _, customerID string) (*time.Time, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	if err := f.errs[customerID]; err != nil {
		return nil, err
	}
	return f.results[customerID], nil
}

func tp(t time.Time) *time.Time { return &t }

func TestCandidates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Candidates([]string{"a", "b", "a", " ", "c", "b"}, 10))
	assert.Equal(t, []string{"a", "b"}, Candidates([]string{"a", "b", "a", "c"}, 2))
	assert.Nil(t, Candidates([]string{"a"}, 0))
	assert.Empty(t, Candidates(nil, 5))
}

func TestEnsureFacts_FetchesMissingOnly(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.facts["acme/known"] = truth.CustomerOrderFact{Account: "acme", CustomerID: "known", FirstPaidAt: &jan}
	store.facts["acme/unknown"] = truth.CustomerOrderFact{Account: "acme", CustomerID: "unknown"}

	lookup := &fakeLookup{results: map[string]*time.Time{
		"new":     tp(jan.AddDate(0, 2, 0)),
		"unknown": tp(jan.AddDate(0, 3, 0)),
	}}
	c := New(store, lookup, WithClock(func() time.Time { return now }))

	stats := c.EnsureFacts(context.Background(), "acme", []string{"known", "new", "new", "unknown"}, 100)
	assert.Equal(t, Stats{Checked: 3, Fetched: 2, Stored: 2, Errors: 0}, stats)
	assert.Equal(t, int32(2), lookup.calls.Load())

	f := store.facts["acme/new"]
	require.NotNil(t, f.FirstPaidAt)
	assert.True(t, f.FirstPaidAt.Equal(jan.AddDate(0, 2, 0)))
	assert.True(t, f.LastCheckedAt.Equal(now))
}

func TestEnsureFacts_NoPaidOrderStoresNothing(t *testing.T) {
	store := newMemStore()
	c := New(store, &fakeLookup{})

	stats := c.EnsureFacts(context.Background(), "acme", []string{"ghost"}, 10)
	assert.Equal(t, Stats{Checked: 1, Fetched: 1}, stats)
	assert.Empty(t, store.facts)
}

func TestEnsureFacts_ErrorsDoNotAbort(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	lookup := &fakeLookup{
		results: map[string]*time.Time{"c1": &jan, "c3": &jan},
		errs:    map[string]error{"c2": errors.New("upstream 500")},
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	c := New(store, lookup, WithMetrics(m))

	stats := c.EnsureFacts(context.Background(), "acme", []string{"c1", "c2", "c3"}, 10)
	assert.Equal(t, Stats{Checked: 3, Fetched: 2, Stored: 2, Errors: 1}, stats)
	assert.Len(t, store.facts, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactLookups.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FactLookups.WithLabelValues("found")))
}

func TestEnsureFacts_StoreFailures(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lookup := &fakeLookup{results: map[string]*time.Time{"c1": &jan}}

	store := newMemStore()
	store.getErr = errors.New("db down")
	stats := New(store, lookup).EnsureFacts(context.Background(), "acme", []string{"c1"}, 10)
	assert.Equal(t, Stats{Checked: 1, Errors: 1}, stats)
	assert.Zero(t, lookup.calls.Load(), "no lookup when the fact cannot be read")

	store = newMemStore()
	store.putErr = errors.New("disk full")
	stats = New(store, lookup).EnsureFacts(context.Background(), "acme", []string{"c1"}, 10)
	assert.Equal(t, Stats{Checked: 1, Fetched: 1, Errors: 1}, stats)
}

func TestEnsureFacts_TruncatesToMax(t *testing.T) {
	lookup := &fakeLookup{}
	stats := New(newMemStore(), lookup).EnsureFacts(context.Background(), "acme", []string{"a", "b", "c", "d"}, 2)
	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, int32(2), lookup.calls.Load())
}

func TestEnsureFacts_SequentialByDefault(t *testing.T) {
	lookup := &fakeLookup{delay: 5 * time.Millisecond}
	New(newMemStore(), lookup).EnsureFacts(context.Background(), "acme", []string{"a", "b", "c", "d"}, 10)
	assert.Equal(t, int32(1), lookup.peak.Load())
}

func TestEnsureFacts_WorkerPool(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	results := make(map[string]*time.Time, len(ids))
	for _, id := range ids {
		results[id] = &jan
	}
	lookup := &fakeLookup{delay: 20 * time.Millisecond, results: results}
	store := newMemStore()

	stats := New(store, lookup, WithWorkers(3)).EnsureFacts(context.Background(), "acme", ids, 10)
	assert.Equal(t, Stats{Checked: 8, Fetched: 8, Stored: 8}, stats)
	assert.LessOrEqual(t, lookup.peak.Load(), int32(3))
	assert.Len(t, store.facts, 8)
}

func TestEnsureFacts_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lookup := &fakeLookup{}
	stats := New(newMemStore(), lookup).EnsureFacts(ctx, "acme", []string{"a", "b"}, 10)
	assert.Zero(t, stats.Checked)
	assert.Zero(t, lookup.calls.Load())
}
