package fx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Fetch(context.Context) (*Table, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return nil, errors.New("source down")
	}
	return usdTable(), nil
}

type memSnapshot struct {
	mu    sync.Mutex
	table *Table
	err   error
}

func (m *memSnapshot) Save(_ context.Context, t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
	return m.err
}

func (m *memSnapshot) Load(context.Context) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table, m.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateCache_ServesWithinTTL(t *testing.T) {
	src := &countingSource{}
	clk := &clock{now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	c := NewRateCache(src, WithTTL(6*time.Hour), WithCacheClock(clk.Now))

	_, err := c.Current(context.Background())
	require.NoError(t, err)
	clk.Advance(5 * time.Hour)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	clk.Advance(2 * time.Hour)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRateCache_SingleFlight(t *testing.T) {
	src := &countingSource{delay: 50 * time.Millisecond}
	c := NewRateCache(src)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl, err := c.Current(context.Background())
			assert.NoError(t, err)
			assert.False(t, tbl.Empty())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRateCache_StaleOnFailure(t *testing.T) {
	src := &countingSource{}
	clk := &clock{now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	c := NewRateCache(src, WithCacheClock(clk.Now))

	first, err := c.Current(context.Background())
	require.NoError(t, err)

	src.fail.Store(true)
	clk.Advance(7 * time.Hour)
	tbl, err := c.Current(context.Background())
	require.Error(t, err)
	assert.Same(t, first, tbl)
}

func TestRateCache_FailedRefreshBacksOff(t *testing.T) {
	src := &countingSource{}
	clk := &clock{now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	c := NewRateCache(src, WithTTL(time.Hour), WithCacheClock(clk.Now))

	first, err := c.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), src.calls.Load())

	src.fail.Store(true)
	clk.Advance(2 * time.Hour)
	for range 50 {
		tbl, err := c.Current(context.Background())
		require.Error(t, err)
		assert.Same(t, first, tbl)
		clk.Advance(5 * time.Second)
	}
	// 50 calls spread over 250s stay inside one 5m window.
	assert.Equal(t, int32(2), src.calls.Load())

	clk.Advance(maxFailureBackoff)
	_, err = c.Current(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), src.calls.Load())

	src.fail.Store(false)
	clk.Advance(maxFailureBackoff)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestRateCache_BackoffFollowsShortTTL(t *testing.T) {
	src := &countingSource{}
	src.fail.Store(true)
	clk := &clock{now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	c := NewRateCache(src, WithTTL(30*time.Second), WithCacheClock(clk.Now))

	for range 10 {
		_, _ = c.Current(context.Background())
	}
	assert.Equal(t, int32(1), src.calls.Load())

	clk.Advance(30 * time.Second)
	_, _ = c.Current(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRateCache_OutageSingleFlight(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	src.fail.Store(true)
	c := NewRateCache(src)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl, err := c.Current(context.Background())
			assert.Error(t, err)
			assert.NotNil(t, tbl)
		}()
	}
	wg.Wait()
	_, err := c.Current(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRateCache_InvalidateClearsBackoff(t *testing.T) {
	src := &countingSource{}
	src.fail.Store(true)
	c := NewRateCache(src)

	_, err := c.Current(context.Background())
	require.Error(t, err)
	src.fail.Store(false)
	c.Invalidate()
	tbl, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, tbl.Empty())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRateCache_SnapshotFallback(t *testing.T) {
	snap := &memSnapshot{table: &Table{Base: "USD", Rates: map[string]decimal.Decimal{"GBP": d("0.5")}}}
	src := &countingSource{}
	src.fail.Store(true)

	c := NewRateCache(src, WithSnapshot(snap))
	tbl, err := c.Current(context.Background())
	require.Error(t, err)
	assert.True(t, d("0.5").Equal(tbl.Rates["GBP"]))
}

func TestRateCache_SavesSnapshot(t *testing.T) {
	snap := &memSnapshot{}
	c := NewRateCache(&countingSource{}, WithSnapshot(snap))
	_, err := c.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.table)
	assert.Equal(t, "USD", snap.table.Base)
}

func TestRateCache_NothingAvailable(t *testing.T) {
	src := &countingSource{}
	src.fail.Store(true)
	c := NewRateCache(src, WithSnapshot(&memSnapshot{err: errors.New("redis down")}))

	tbl, err := c.Current(context.Background())
	require.Error(t, err)
	require.NotNil(t, tbl)
	assert.True(t, tbl.Empty())
}

func TestRateCache_Invalidate(t *testing.T) {
	src := &countingSource{}
	c := NewRateCache(src)
	_, _ = c.Current(context.Background())
	c.Invalidate()
	_, _ = c.Current(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRedisSnapshot_Unreachable(t *testing.T) {
	snap := NewRedisSnapshot(RedisConfig{Addr: "127.0.0.1:1"}, time.Hour)
	defer snap.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := snap.Load(ctx)
	require.Error(t, err)
	err = snap.Save(ctx, usdTable())
	require.Error(t, err)
}
