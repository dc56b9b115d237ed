package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// fakeClock is a manually advanced clock shared by a cache under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// cacheFactory builds a fresh, empty cache driven by the given clock.
type cacheFactory func(t *testing.T, clock *fakeClock) QuoteCache

func createTestQuote(exchange, symbol string, price int64) model.Quote {
	q, err := model.NewQuote(exchange, symbol, decimal.NewFromInt(price), nil, time.Now())
	if err != nil {
		panic(err)
	}
	return q
}

// runCacheContract exercises the behaviour every QuoteCache must share.
func runCacheContract(t *testing.T, newCache cacheFactory) {
	ctx := context.Background()

	t.Run("Put then Get", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		q := createTestQuote("binance", "BTCUSDT", 45000)

		require.NoError(t, c.Put(ctx, q, time.Minute))

		got, found, err := c.Get(ctx, "binance", "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, q.Exchange, got.Exchange)
		assert.True(t, q.Price.Equal(got.Price))
	})

	t.Run("Get is case and separator insensitive", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		require.NoError(t, c.Put(ctx, createTestQuote("kucoin", "BTCUSDT", 1), time.Minute))

		_, found, err := c.Get(ctx, "KuCoin", "BTC-USDT")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("Miss is not an error", func(t *testing.T) {
		c := newCache(t, newFakeClock())

		_, found, err := c.Get(ctx, "binance", "ETHUSDT")
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Overwrite keeps last write", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		newer := createTestQuote("binance", "BTCUSDT", 45000)
		older := createTestQuote("binance", "BTCUSDT", 44000)
		older.ObservedAt = newer.ObservedAt.Add(-time.Hour)

		require.NoError(t, c.Put(ctx, newer, time.Minute))
		require.NoError(t, c.Put(ctx, older, time.Minute))

		got, found, err := c.Get(ctx, "binance", "BTCUSDT")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, got.Price.Equal(decimal.NewFromInt(44000)), "last call wins regardless of timestamp")

		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1, "one entry per key")
	})

	t.Run("TTL expiry", func(t *testing.T) {
		clock := newFakeClock()
		c := newCache(t, clock)
		require.NoError(t, c.Put(ctx, createTestQuote("binance", "BTCUSDT", 1), 10*time.Second))

		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1, "present immediately after insertion")

		clock.Advance(9 * time.Second)
		all, err = c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1, "present before ttl elapses")

		clock.Advance(time.Second)
		all, err = c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Empty(t, all, "absent once now reaches expiry")

		_, found, err := c.Get(ctx, "binance", "BTCUSDT")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Put resets expiry", func(t *testing.T) {
		clock := newFakeClock()
		c := newCache(t, clock)
		q := createTestQuote("binance", "BTCUSDT", 1)

		require.NoError(t, c.Put(ctx, q, 10*time.Second))
		clock.Advance(8 * time.Second)
		require.NoError(t, c.Put(ctx, q, 10*time.Second))
		clock.Advance(8 * time.Second)

		_, found, err := c.Get(ctx, "binance", "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("Mixed freshness", func(t *testing.T) {
		clock := newFakeClock()
		c := newCache(t, clock)

		require.NoError(t, c.Put(ctx, createTestQuote("binance", "BTCUSDT", 1), 5*time.Second))
		require.NoError(t, c.PutBatch(ctx, []model.Quote{
			createTestQuote("bybit", "BTCUSDT", 2),
			createTestQuote("kucoin", "BTCUSDT", 3),
		}, time.Minute))

		clock.Advance(6 * time.Second)
		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"bybit", "kucoin"}, exchangesOf(all))
	})

	t.Run("Snapshot is a copy", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		require.NoError(t, c.Put(ctx, createTestQuote("binance", "BTCUSDT", 1), time.Minute))

		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		all[0].Price = decimal.NewFromInt(999)

		got, _, err := c.Get(ctx, "binance", "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, got.Price.Equal(decimal.NewFromInt(1)))
	})

	t.Run("Empty batch", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		assert.NoError(t, c.PutBatch(ctx, nil, time.Minute))

		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Clear", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		require.NoError(t, c.PutBatch(ctx, []model.Quote{
			createTestQuote("binance", "BTCUSDT", 1),
			createTestQuote("bybit", "ETHUSDT", 2),
		}, time.Minute))

		require.NoError(t, c.Clear(ctx))

		all, err := c.GetAllFresh(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Health check", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		assert.NoError(t, c.HealthCheck(ctx))
	})

	t.Run("Batch atomicity", func(t *testing.T) {
		c := newCache(t, newFakeClock())
		const batchSize = 12

		batch := func(gen int64) []model.Quote {
			out := make([]model.Quote, 0, batchSize)
			for i := 0; i < batchSize; i++ {
				out = append(out, createTestQuote(fmt.Sprintf("ex%02d", i), "BTCUSDT", gen))
			}
			return out
		}

		require.NoError(t, c.PutBatch(ctx, batch(1), time.Minute))

		const minReads = 20

		var (
			wg       sync.WaitGroup
			ready    sync.WaitGroup
			stop     atomic.Bool
			torn     atomic.Int64
			observed atomic.Int64
		)

		for r := 0; r < 4; r++ {
			wg.Add(1)
			ready.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < minReads || !stop.Load(); i++ {
					snap, err := c.GetAllFresh(ctx)
					if i == 0 {
						ready.Done()
					}
					if !assert.NoError(t, err) {
						return
					}
					observed.Add(1)
					if len(snap) != batchSize || !samePrice(snap) {
						torn.Add(1)
					}
				}
			}()
		}

		// writer starts once every reader has completed a read
		ready.Wait()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for gen := int64(2); gen < 200; gen++ {
				assert.NoError(t, c.PutBatch(ctx, batch(gen), time.Minute))
			}
			stop.Store(true)
		}()

		wg.Wait()
		assert.GreaterOrEqual(t, observed.Load(), int64(4*minReads))
		assert.Zero(t, torn.Load(), "readers must never see a partially applied batch")
	})
}

func exchangesOf(quotes []model.Quote) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.Exchange)
	}
	return out
}

func samePrice(quotes []model.Quote) bool {
	for _, q := range quotes[1:] {
		if !q.Price.Equal(quotes[0].Price) {
			return false
		}
	}
	return true
}
