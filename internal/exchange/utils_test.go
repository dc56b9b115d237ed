package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_validateConfig(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		BaseURL:       "https://default.example",
		StreamURL:     "wss://stream.default.example",
		MaxSymbols:    10,
		Timeout:       time.Second,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}

	tests := []struct {
		name      string
		config    ExchangeConfig
		expected  ExchangeConfig
		wantError bool
	}{
		{
			name:     "empty config takes every default",
			config:   ExchangeConfig{},
			expected: *defaultCfg,
		},
		{
			name: "explicit values are kept",
			config: ExchangeConfig{
				BaseURL:       "http://127.0.0.1:8080",
				StreamURL:     "ws://127.0.0.1:8081",
				MaxSymbols:    5,
				Timeout:       2 * time.Second,
				RetryAttempts: 1,
				RetryBackoff:  time.Second,
			},
			expected: ExchangeConfig{
				BaseURL:       "http://127.0.0.1:8080",
				StreamURL:     "ws://127.0.0.1:8081",
				MaxSymbols:    5,
				Timeout:       2 * time.Second,
				RetryAttempts: 1,
				RetryBackoff:  time.Second,
			},
		},
		{
			name:   "negative numbers use defaults",
			config: ExchangeConfig{MaxSymbols: -1, RetryAttempts: -2, Timeout: -time.Second},
			expected: *defaultCfg,
		},
		{
			name:      "websocket scheme rejected for REST",
			config:    ExchangeConfig{BaseURL: "wss://bad.example"},
			wantError: true,
		},
		{
			name:      "http scheme rejected for stream",
			config:    ExchangeConfig{StreamURL: "https://bad.example"},
			wantError: true,
		},
		{
			name:      "missing host",
			config:    ExchangeConfig{BaseURL: "https://"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := validateConfig(&cfg, defaultCfg)

			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg)
		})
	}
}

func Test_validateConfig_NoStreamURL(t *testing.T) {
	cfg := ExchangeConfig{}
	err := validateConfig(&cfg, &defaultBybitConfig)
	assert.NoError(t, err, "REST-only venues have no stream url")
	assert.Empty(t, cfg.StreamURL)
}

func Test_withRetry(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name          string
		attempts      int
		failures      int
		expectedCalls int
		wantErr       bool
	}{
		{name: "first try succeeds", attempts: 3, failures: 0, expectedCalls: 1},
		{name: "succeeds after failures", attempts: 3, failures: 2, expectedCalls: 3},
		{name: "gives up", attempts: 2, failures: 5, expectedCalls: 2, wantErr: true},
		{name: "zero attempts still tries once", attempts: 0, failures: 5, expectedCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := withRetry(context.Background(), tt.attempts, time.Millisecond, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errBoom
				}
				return nil
			})

			assert.Equal(t, tt.expectedCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBoom)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_withRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := withRetry(ctx, 10, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func Test_restClient_getJSON(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		switch r.URL.Path {
		case "/flaky":
			if n == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"value":"ok","q":"` + r.URL.Query().Get("q") + `"}`))
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/garbage":
			_, _ = w.Write([]byte(`{not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newRESTClient("test", ExchangeConfig{
		BaseURL:       server.URL + "/",
		Timeout:       time.Second,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})

	t.Run("retries transient failure", func(t *testing.T) {
		hits.Store(0)
		var out struct {
			Value string `json:"value"`
			Q     string `json:"q"`
		}
		err := client.getJSON(context.Background(), "/flaky", map[string][]string{"q": {"x"}}, &out)
		require.NoError(t, err)
		assert.Equal(t, "ok", out.Value)
		assert.Equal(t, "x", out.Q)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("persistent failure wraps ErrAPI", func(t *testing.T) {
		var out struct{}
		err := client.getJSON(context.Background(), "/down", nil, &out)
		assert.ErrorIs(t, err, ErrAPI)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("undecodable body wraps ErrAPI", func(t *testing.T) {
		var out struct{}
		err := client.getJSON(context.Background(), "/garbage", nil, &out)
		assert.ErrorIs(t, err, ErrAPI)
		assert.Contains(t, err.Error(), "decode response")
	})
}

func Test_parseQuote(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		symbol    string
		price     string
		volume    string
		wantErr   bool
		hasVolume bool
	}{
		{name: "with volume", symbol: "BTC-USDT", price: "45000.1", volume: "123.4", hasVolume: true},
		{name: "without volume", symbol: "BTCUSDT", price: "45000.1"},
		{name: "bad price", symbol: "BTCUSDT", price: "abc", wantErr: true},
		{name: "bad volume", symbol: "BTCUSDT", price: "1", volume: "x", wantErr: true},
		{name: "zero price", symbol: "BTCUSDT", price: "0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := parseQuote("KuCoin", tt.symbol, tt.price, tt.volume, at)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "kucoin", q.Exchange)
			assert.Equal(t, "BTCUSDT", q.Symbol)
			assert.Equal(t, tt.price, q.Price.String())
			assert.Equal(t, at, q.ObservedAt)
			assert.Equal(t, tt.hasVolume, q.Volume24h != nil)
		})
	}
}

func Test_timeOrNow(t *testing.T) {
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), timeOrNow(1700000000000))
	assert.WithinDuration(t, time.Now(), timeOrNow(0), time.Second)
}
