// Package collector moves quotes from exchange connectors into the quote cache.
//
// Polling connectors are queried concurrently once per cycle and their
// results land in the cache as a single batch, so readers never see half a
// cycle. Streaming connectors are merged into one channel; the latest quote
// per (exchange, symbol) is buffered and flushed to the cache on a fixed
// interval, again as a single batch.
//
// A failing venue never blocks the others: its error is logged and reported
// in the cycle result while the remaining quotes are still written.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/cache"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/exchange"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	// defaultTTL matches the cache freshness window used when none is configured.
	defaultTTL = 5 * time.Minute

	// defaultFetchTimeout bounds one venue call within a cycle.
	defaultFetchTimeout = 15 * time.Second

	// defaultFlushInterval is how often streamed quotes are written.
	defaultFlushInterval = time.Second
)

// ErrNoSymbols is returned when the collector is configured without symbols.
var ErrNoSymbols = errors.New("collector requires at least one symbol")

// Config defines settings for the collector.
type Config struct {
	// Symbols are the canonical symbols requested from every venue.
	Symbols []string

	// TTL is the freshness window applied to every cached quote.
	TTL time.Duration

	// FetchTimeout bounds a single venue request.
	FetchTimeout time.Duration

	// FlushInterval is the streaming buffer flush period.
	FlushInterval time.Duration
}

// CycleResult summarises one polling cycle.
type CycleResult struct {
	Quotes []model.Quote    // Quotes written to the cache
	Failed map[string]error // Venue name to its failure
	Took   time.Duration    // Wall time of the cycle
}

// Collector feeds the cache from a set of connectors.
type Collector struct {
	cache     cache.QuoteCache
	fetchers  []exchange.Fetcher
	streamers []exchange.Streamer
	cfg       Config
}

// New creates a collector. Unset durations take their defaults.
func New(store cache.QuoteCache, fetchers []exchange.Fetcher, streamers []exchange.Streamer, cfg Config) (*Collector, error) {
	if len(cfg.Symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	return &Collector{
		cache:     store,
		fetchers:  fetchers,
		streamers: streamers,
		cfg:       cfg,
	}, nil
}

// Symbols returns the configured symbols.
func (c *Collector) Symbols() []string {
	return append([]string(nil), c.cfg.Symbols...)
}

// PollOnce queries every fetcher concurrently and stores the union of their
// quotes with one PutBatch. Venue failures are reported in the result; only
// a cache failure is returned as an error.
func (c *Collector) PollOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()

	type outcome struct {
		name   string
		quotes []model.Quote
		err    error
	}

	results := make(chan outcome, len(c.fetchers))
	var wg sync.WaitGroup
	wg.Add(len(c.fetchers))

	for _, f := range c.fetchers {
		go func(f exchange.Fetcher) {
			defer wg.Done()

			fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()

			quotes, err := f.FetchAll(fctx, c.cfg.Symbols)
			results <- outcome{name: f.Name(), quotes: quotes, err: err}
		}(f)
	}

	wg.Wait()
	close(results)

	res := CycleResult{Failed: make(map[string]error)}
	for r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("exchange", r.name).Msg("fetch failed, skipping exchange this cycle")
			res.Failed[r.name] = r.err
			continue
		}
		log.Debug().Str("exchange", r.name).Int("quotes", len(r.quotes)).Msg("fetched quotes")
		res.Quotes = append(res.Quotes, r.quotes...)
	}

	// order by key
	sort.Slice(res.Quotes, func(i, j int) bool {
		return res.Quotes[i].Key() < res.Quotes[j].Key()
	})

	if err := c.cache.PutBatch(ctx, res.Quotes, c.cfg.TTL); err != nil {
		res.Took = time.Since(start)
		return res, fmt.Errorf("failed to store %d quotes: %w", len(res.Quotes), err)
	}

	res.Took = time.Since(start)
	log.Info().
		Int("quotes", len(res.Quotes)).
		Int("failed", len(res.Failed)).
		Dur("took", res.Took).
		Msg("collection cycle complete")

	return res, nil
}

// RunPolling calls PollOnce immediately and then every interval until ctx is
// cancelled. Each cycle result is passed to onCycle when it is non-nil.
func (c *Collector) RunPolling(ctx context.Context, interval time.Duration, onCycle func(CycleResult, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := c.PollOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("collection cycle failed")
		}
		if onCycle != nil {
			onCycle(res, err)
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("polling stopped")
			return
		case <-ticker.C:
		}
	}
}
