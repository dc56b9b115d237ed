package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	// defaultRedisPrefix namespaces the quote hash.
	defaultRedisPrefix = "arbitrage"

	// defaultHashTTL bounds how long the whole hash survives without writes.
	defaultHashTTL = time.Hour
)

// RedisConfig defines settings for the Redis-backed cache.
type RedisConfig struct {
	// Prefix namespaces the hash key ("<prefix>:quotes").
	Prefix string

	// HashTTL is the Redis-level expiry of the whole hash, refreshed on
	// every write. Per-entry freshness is enforced at read time.
	HashTTL time.Duration

	// Now overrides the clock used for entry expiry.
	Now func() time.Time
}

// RedisCache is a QuoteCache shared between processes through Redis.
//
// All entries live in a single hash with field "exchange:symbol". Every
// operation that must be atomic maps to a single Redis command (multi-field
// HSET for batches, HGETALL for snapshots), so readers never observe a
// partially applied batch.
type RedisCache struct {
	client  redis.UniversalClient
	key     string
	hashTTL time.Duration
	now     func() time.Time
}

// NewRedisCache wraps a connected Redis client.
func NewRedisCache(client redis.UniversalClient, cfg RedisConfig) *RedisCache {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.HashTTL <= 0 {
		cfg.HashTTL = defaultHashTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisCache{
		client:  client,
		key:     cfg.Prefix + ":quotes",
		hashTTL: cfg.HashTTL,
		now:     cfg.Now,
	}
}

// Put stores a single quote.
func (c *RedisCache) Put(ctx context.Context, quote model.Quote, ttl time.Duration) error {
	return c.PutBatch(ctx, []model.Quote{quote}, ttl)
}

// PutBatch stores all quotes with one HSET inside a MULTI/EXEC that also
// refreshes the hash expiry. The expiry only ever grows, so a short TTL
// never cuts the lifetime of entries written with a longer one.
func (c *RedisCache) PutBatch(ctx context.Context, quotes []model.Quote, ttl time.Duration) error {
	if len(quotes) == 0 {
		return nil
	}

	expiresAt := c.now().Add(ttl)
	values := make([]interface{}, 0, len(quotes)*2)
	for _, q := range quotes {
		raw, err := json.Marshal(entry{Quote: q, ExpiresAt: expiresAt})
		if err != nil {
			return fmt.Errorf("failed to marshal quote %s: %w", q.Key(), err)
		}
		values = append(values, q.Key(), raw)
	}

	hashTTL := c.hashTTL
	if ttl > hashTTL {
		hashTTL = ttl
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key, values...)
		pipe.ExpireNX(ctx, c.key, hashTTL)
		pipe.ExpireGT(ctx, c.key, hashTTL)
		return nil
	})
	if err != nil {
		return unavailable("put batch", err)
	}
	return nil
}

// Get returns the fresh quote stored for the key.
func (c *RedisCache) Get(ctx context.Context, exchange, symbol string) (model.Quote, bool, error) {
	raw, err := c.client.HGet(ctx, c.key, model.QuoteKey(exchange, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, false, nil
	}
	if err != nil {
		return model.Quote{}, false, unavailable("get", err)
	}

	e, err := decodeEntry(raw)
	if err != nil {
		return model.Quote{}, false, err
	}
	if !e.fresh(c.now()) {
		return model.Quote{}, false, nil
	}
	return e.Quote, true, nil
}

// GetAllFresh reads the whole hash in one command and filters expired entries.
func (c *RedisCache) GetAllFresh(ctx context.Context) ([]model.Quote, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, unavailable("get all", err)
	}

	now := c.now()
	out := make([]model.Quote, 0, len(fields))
	for field, raw := range fields {
		e, err := decodeEntry([]byte(raw))
		if err != nil {
			log.Warn().Err(err).Str("field", field).Msg("skipping undecodable cached quote")
			continue
		}
		if e.fresh(now) {
			out = append(out, e.Quote)
		}
	}
	return out, nil
}

// Clear deletes the quote hash.
func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// HealthCheck pings the server.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Sweep removes expired fields. The hash is watched so a concurrent write
// aborts the sweep instead of deleting a refreshed entry.
func (c *RedisCache) Sweep(ctx context.Context) (int, error) {
	removed := 0

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, c.key).Result()
		if err != nil {
			return err
		}

		now := c.now()
		stale := make([]string, 0)
		for field, raw := range fields {
			e, err := decodeEntry([]byte(raw))
			if err != nil || !e.fresh(now) {
				stale = append(stale, field)
			}
		}
		if len(stale) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, c.key, stale...)
			return nil
		})
		if err == nil {
			removed = len(stale)
		}
		return err
	}, c.key)

	if errors.Is(err, redis.TxFailedErr) {
		// a writer raced us; the next sweep will catch up
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return removed, nil
}

// StartJanitor runs Sweep every interval until ctx is cancelled. A
// non-positive interval falls back to one minute.
func (c *RedisCache) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultJanitorInterval
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.Sweep(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("redis quote sweep failed")
					continue
				}
				if n > 0 {
					log.Debug().Int("removed", n).Msg("swept expired quotes")
				}
			}
		}
	}()
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func decodeEntry(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("failed to decode cached quote: %w", err)
	}
	return e, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
