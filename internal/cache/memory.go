package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// MemoryCache is an in-process QuoteCache.
//
// A single RWMutex guards the entry map: writers hold the write lock for the
// whole batch, which is what makes PutBatch atomic to readers. The key space
// is small (symbols x exchanges) and every operation is a map access, so one
// lock does not become a bottleneck.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put inserts or overwrites a single quote.
func (c *MemoryCache) Put(_ context.Context, quote model.Quote, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[quote.Key()] = entry{Quote: quote, ExpiresAt: c.now().Add(ttl)}
	return nil
}

// PutBatch inserts all quotes under one write lock.
func (c *MemoryCache) PutBatch(_ context.Context, quotes []model.Quote, ttl time.Duration) error {
	if len(quotes) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	for _, q := range quotes {
		c.entries[q.Key()] = entry{Quote: q, ExpiresAt: expiresAt}
	}
	return nil
}

// Get returns the fresh quote stored for the key.
func (c *MemoryCache) Get(_ context.Context, exchange, symbol string) (model.Quote, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[model.QuoteKey(exchange, symbol)]
	if !ok || !e.fresh(c.now()) {
		return model.Quote{}, false, nil
	}
	return e.Quote, true, nil
}

// GetAllFresh returns a copy of every non-expired quote.
func (c *MemoryCache) GetAllFresh(_ context.Context) ([]model.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]model.Quote, 0, len(c.entries))
	for _, e := range c.entries {
		if e.fresh(now) {
			out = append(out, e.Quote)
		}
	}
	return out, nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (c *MemoryCache) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of physically stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep physically removes expired entries and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !e.fresh(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is cancelled. A
// non-positive interval falls back to one minute.
func (c *MemoryCache) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultJanitorInterval
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("quote cache janitor stopped")
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("swept expired quotes")
				}
			}
		}
	}()
}
