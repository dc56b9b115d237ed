// Package cache stores the most recent quote per (exchange, symbol) pair
// within a bounded freshness window.
//
// Two implementations are provided: MemoryCache, an in-process store guarded
// by a single lock, and RedisCache, a networked store shared between
// processes. Both expire entries lazily at read time, so no background
// sweep is required for correctness.
//
// Consistency guarantees shared by all implementations:
//   - A PutBatch is visible to readers all at once or not at all
//   - The last write to a key wins regardless of ObservedAt ordering
//   - Reads return snapshots (copies), never live views
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// ErrUnavailable indicates that the backing store cannot be reached. It is
// distinct from a cache miss, which is reported as found == false.
var ErrUnavailable = errors.New("quote cache unavailable")

// defaultJanitorInterval replaces a non-positive janitor interval.
const defaultJanitorInterval = time.Minute

// QuoteCache defines the quote store consumed by adapters and drivers.
type QuoteCache interface {
	// Put inserts or overwrites the quote's (exchange, symbol) entry and
	// resets its expiry to now + ttl.
	Put(ctx context.Context, quote model.Quote, ttl time.Duration) error

	// PutBatch applies Put for every quote as one atomic group.
	PutBatch(ctx context.Context, quotes []model.Quote, ttl time.Duration) error

	// Get returns the fresh quote for the key; found is false on a miss or
	// when the entry has expired.
	Get(ctx context.Context, exchange, symbol string) (quote model.Quote, found bool, err error)

	// GetAllFresh returns every non-expired quote. Order is unspecified.
	GetAllFresh(ctx context.Context) ([]model.Quote, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// entry is a cached quote with its expiry time.
type entry struct {
	Quote     model.Quote `json:"quote"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// fresh reports whether the entry is still live at now.
func (e entry) fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
