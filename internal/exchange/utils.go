// Package exchange provides connectors that turn venue market data into
// canonical quotes.
//
// This file contains shared utilities, configuration structures and the REST
// plumbing used by every connector: default filling, a retrying JSON GET and
// the conversion of venue price strings into model.Quote values.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	// defaultTimeout bounds a single REST request.
	defaultTimeout = 7 * time.Second

	// defaultRetryAttempts is the total number of tries per REST request.
	defaultRetryAttempts = 2

	// defaultRetryBackoff is the initial pause between tries.
	defaultRetryBackoff = 400 * time.Millisecond

	// maxRetryBackoff caps the exponential backoff between attempts.
	maxRetryBackoff = 5 * time.Second

	// maxResponseBytes bounds how much of a REST response is read.
	maxResponseBytes = 8 << 20
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAPI indicates that a venue answered with a transport or application error.
	ErrAPI = errors.New("exchange api error")
)

// ExchangeConfig provides common configuration parameters for all exchange connectors.
type ExchangeConfig struct {
	// BaseURL is the REST endpoint of the venue.
	BaseURL string

	// StreamURL is the WebSocket endpoint, used by connectors that stream.
	StreamURL string

	// MaxSymbols is the maximum number of symbols requested at once.
	MaxSymbols int

	// Timeout bounds a single REST request.
	Timeout time.Duration

	// RetryAttempts is the total number of tries for a REST request.
	RetryAttempts int

	// RetryBackoff is the initial pause between tries; it doubles each time.
	RetryBackoff time.Duration
}

// validateConfig applies defaults for unset fields and rejects malformed URLs.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultCfg.StreamURL
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCfg.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultCfg.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultCfg.RetryBackoff
	}

	if err := checkURL(cfg.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if cfg.StreamURL != "" {
		if err := checkURL(cfg.StreamURL, "ws", "wss"); err != nil {
			return fmt.Errorf("stream url: %w", err)
		}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %s", raw, strings.Join(schemes, ", "))
}

// withRetry runs op up to attempts times with exponential backoff, stopping
// early when ctx is done.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, op func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || i == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if backoff < maxRetryBackoff {
			backoff *= 2
		}
	}
	return err
}

// restClient is a small JSON-over-HTTP client with retries.
type restClient struct {
	name     string
	baseURL  string
	http     *http.Client
	attempts int
	backoff  time.Duration
}

func newRESTClient(name string, cfg ExchangeConfig) *restClient {
	return &restClient{
		name:     name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
	}
}

// getJSON issues GET baseURL+path?query and decodes the body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	err := withRetry(ctx, c.attempts, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %s", resp.Status)
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAPI, c.name, path, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode response: %v", ErrAPI, c.name, path, err)
	}
	return nil
}

// parseQuote builds a quote from venue strings. An empty volume is recorded
// as unknown.
func parseQuote(exchange, symbol, price, volume string, observedAt time.Time) (model.Quote, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return model.Quote{}, fmt.Errorf("invalid price %q for %s: %w", price, symbol, err)
	}

	var vol *decimal.Decimal
	if volume != "" {
		v, err := decimal.NewFromString(volume)
		if err != nil {
			return model.Quote{}, fmt.Errorf("invalid volume %q for %s: %w", volume, symbol, err)
		}
		vol = &v
	}

	return model.NewQuote(exchange, symbol, p, vol, observedAt)
}

// symbolSet indexes requested symbols by canonical spelling.
func symbolSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[model.NormalizeSymbol(s)] = true
	}
	return set
}

// timeOrNow converts venue milliseconds, falling back to the local clock.
func timeOrNow(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Now().UTC()
}
