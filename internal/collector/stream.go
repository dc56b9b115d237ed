package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/exchange"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// StartStreams subscribes every streamer and flushes the merged quotes into
// the cache every FlushInterval. Subscription is all-or-nothing: if any
// streamer fails, the ones already started are cancelled.
//
// The returned channel is closed once all streams have ended and the last
// buffered quotes were flushed.
func (c *Collector) StartStreams(ctx context.Context) (<-chan struct{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	log.Info().Strs("exchanges", streamerNames(c.streamers)).Msg("starting quote streams")

	inputs := make([]<-chan model.Quote, 0, len(c.streamers))
	for _, s := range c.streamers {
		ch, err := s.StreamQuotes(ctx, c.cfg.Symbols)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", s.Name(), err)
		}
		log.Info().Str("exchange", s.Name()).Strs("symbols", c.cfg.Symbols).Msg("streaming quotes")
		inputs = append(inputs, ch)
	}

	done := make(chan struct{})
	merged := fanIn(ctx, inputs)

	go func() {
		defer cancel()
		defer close(done)
		c.flushLoop(ctx, merged)
	}()

	return done, nil
}

// flushLoop buffers the latest quote per key and writes the buffer as one
// batch on every tick. It drains whatever is buffered before returning.
func (c *Collector) flushLoop(ctx context.Context, input <-chan model.Quote) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make(map[string]model.Quote)

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := make([]model.Quote, 0, len(pending))
		for _, q := range pending {
			batch = append(batch, q)
		}
		if err := c.cache.PutBatch(ctx, batch, c.cfg.TTL); err != nil {
			log.Error().Err(err).Int("quotes", len(batch)).Msg("failed to flush streamed quotes")
			return
		}
		log.Debug().Int("quotes", len(batch)).Msg("flushed streamed quotes")
		clear(pending)
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
			flush(flushCtx)
			cancel()
			log.Info().Msg("stream collector stopped")
			return
		case <-ticker.C:
			flush(ctx)
		case q, ok := <-input:
			if !ok {
				flush(ctx)
				log.Info().Msg("all quote streams closed")
				return
			}
			pending[q.Key()] = q
		}
	}
}

// fanIn merges quote channels into one; the output closes when every input
// has closed or ctx is cancelled.
func fanIn(ctx context.Context, inputs []<-chan model.Quote) <-chan model.Quote {
	dest := make(chan model.Quote, 1000)
	var wg sync.WaitGroup
	wg.Add(len(inputs))

	for _, ch := range inputs {
		go func(c <-chan model.Quote) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case q, ok := <-c:
					if !ok {
						return
					}
					select {
					case dest <- q:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(dest)
	}()

	return dest
}

// streamerNames lists streamer names for logging.
func streamerNames(streamers []exchange.Streamer) []string {
	names := make([]string, 0, len(streamers))
	for _, s := range streamers {
		names = append(names, s.Name())
	}
	return names
}
