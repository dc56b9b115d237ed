package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// createOkxPush builds a tickers channel push for one instrument.
func createOkxPush(instID, last, volCcy, ts string) []byte {
	return []byte(fmt.Sprintf(
		`{"arg":{"channel":"tickers","instId":%q},"data":[{"instId":%q,"last":%q,"volCcy24h":%q,"ts":%q}]}`,
		instID, instID, last, volCcy, ts))
}

func Test_Okx_buildSubscriptionMessage(t *testing.T) {
	oc, err := NewOkxConnector(nil)
	require.NoError(t, err)

	msg, err := oc.buildSubscriptionMessage([]string{"BTCUSDT", "eth-usdc"})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"op": "subscribe",
		"args": [
			{"channel": "tickers", "instId": "BTC-USDT"},
			{"channel": "tickers", "instId": "ETH-USDC"}
		]
	}`, string(msg))
}

func Test_Okx_handleTickerMessage(t *testing.T) {
	oc, err := NewOkxConnector(nil)
	require.NoError(t, err)

	tests := []struct {
		name           string
		message        []byte
		expectError    bool
		expectedQuotes int
	}{
		{
			name:           "ticker push",
			message:        createOkxPush("BTC-USDT", "45100.1", "9999.5", "1700000000000"),
			expectedQuotes: 1,
		},
		{
			name:    "pong heartbeat",
			message: []byte("pong"),
		},
		{
			name:    "subscribe ack",
			message: []byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"},"connId":"a1"}`),
		},
		{
			name:        "error event",
			message:     []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`),
			expectError: true,
		},
		{
			name:        "wrong channel",
			message:     []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[]}`),
			expectError: true,
		},
		{
			name:        "non-numeric price",
			message:     createOkxPush("BTC-USDT", "abc", "1", "1700000000000"),
			expectError: true,
		},
		{
			name:        "non-numeric timestamp",
			message:     createOkxPush("BTC-USDT", "1", "1", "soon"),
			expectError: true,
		},
		{
			name:        "invalid json",
			message:     []byte(`{"arg":`),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make(chan model.Quote, 4)
			err := oc.handleTickerMessage(tt.message, out)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, out, tt.expectedQuotes)
		})
	}
}

func Test_Okx_handleTickerMessage_Fields(t *testing.T) {
	oc, err := NewOkxConnector(nil)
	require.NoError(t, err)

	out := make(chan model.Quote, 1)
	require.NoError(t, oc.handleTickerMessage(createOkxPush("ETH-USDT", "2500.5", "777", "1700000000000"), out))

	q := <-out
	assert.Equal(t, model.OkxExchange, q.Exchange)
	assert.Equal(t, "ETHUSDT", q.Symbol)
	assert.Equal(t, "2500.5", q.Price.String())
	require.NotNil(t, q.Volume24h)
	assert.Equal(t, "777", q.Volume24h.String())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), q.ObservedAt)
}

func Test_Okx_FetchAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "SPOT", r.URL.Query().Get("instType"))
		_, _ = fmt.Fprint(w, `{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT","last":"45050","volCcy24h":"100","ts":"1700000000000"},
			{"instId":"ETH-USDT","last":"","volCcy24h":"100","ts":"1700000000000"},
			{"instId":"LTC-USDT","last":"70","volCcy24h":"100","ts":"1700000000000"}
		]}`)
	}))
	defer server.Close()

	oc, err := NewOkxConnector(&ExchangeConfig{BaseURL: server.URL, RetryAttempts: 1})
	require.NoError(t, err)

	quotes, err := oc.FetchAll(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTCUSDT", quotes[0].Symbol)
	assert.Equal(t, "45050", quotes[0].Price.String())
}

func Test_Okx_FetchAll_ErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"code":"50011","msg":"Too Many Requests","data":[]}`)
	}))
	defer server.Close()

	oc, err := NewOkxConnector(&ExchangeConfig{BaseURL: server.URL, RetryAttempts: 1})
	require.NoError(t, err)

	_, err = oc.FetchAll(context.Background(), []string{"BTCUSDT"})
	assert.ErrorIs(t, err, ErrAPI)
}

func Test_Okx_StreamQuotes(t *testing.T) {
	var (
		mu        sync.Mutex
		subscribe []byte
	)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		subscribe = msg
		mu.Unlock()

		frames := [][]byte{
			[]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`),
			createOkxPush("BTC-USDT", "45000", "1", "1700000000000"),
			createOkxPush("BTC-USDT", "45001", "1", "1700000000001"),
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}

		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	oc, err := NewOkxConnector(&ExchangeConfig{
		BaseURL:   "https://www.okx.test",
		StreamURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quotes, err := oc.StreamQuotes(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)

	var prices []string
	timeout := time.After(2 * time.Second)
	for len(prices) < 2 {
		select {
		case q := <-quotes:
			prices = append(prices, q.Price.String())
		case <-timeout:
			t.Fatalf("timed out waiting for quotes, got %v", prices)
		}
	}
	assert.Equal(t, []string{"45000", "45001"}, prices)

	mu.Lock()
	assert.JSONEq(t, `{"op":"subscribe","args":[{"channel":"tickers","instId":"BTC-USDT"}]}`, string(subscribe))
	mu.Unlock()

	cancel()
	select {
	case _, ok := <-quotes:
		for ok {
			_, ok = <-quotes
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quote channel not closed after cancel")
	}
}
