package notify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// recordingSink collects every message it receives.
type recordingSink struct {
	name     string
	err      error
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return s.err
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func createTestOpportunity(symbol, buy, sell string, profitPct string) model.Opportunity {
	return model.Opportunity{
		Symbol:             symbol,
		BuyExchange:        buy,
		SellExchange:       sell,
		BuyPrice:           decimal.NewFromInt(44900),
		SellPrice:          decimal.NewFromInt(45200),
		PriceDiff:          decimal.NewFromInt(300),
		PriceDiffPct:       decimal.RequireFromString("0.67"),
		EstimatedProfitPct: decimal.RequireFromString(profitPct),
		ComputedAt:         time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func Test_Notifier_Alert(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n := NewNotifier(Config{MessageDelay: -1}, sink)

	opps := []model.Opportunity{
		createTestOpportunity("BTCUSDT", "kucoin", "bybit", "1.5"),
		createTestOpportunity("ETHUSDT", "binance", "okx", "1.0"),
		createTestOpportunity("SOLUSDT", "okx", "bybit", "0.47"),
	}

	require.NoError(t, n.Alert(context.Background(), opps))

	msgs := sink.Messages()
	require.Len(t, msgs, 2, "only opportunities at or above the threshold alert")
	assert.Contains(t, msgs[0], "[ARB HIGH]")
	assert.Contains(t, msgs[0], "BTCUSDT")
	assert.Contains(t, msgs[1], "ETHUSDT")
}

func Test_Notifier_AlertThreshold(t *testing.T) {
	zero := decimal.Zero
	two := decimal.NewFromInt(2)

	tests := []struct {
		name        string
		description string
		threshold   *decimal.Decimal
		expected    []string
	}{
		{
			name:        "unset",
			description: "nil threshold falls back to one percent",
			threshold:   nil,
			expected:    []string{"BTCUSDT", "ETHUSDT"},
		},
		{
			name:        "zero",
			description: "zero threshold alerts on every opportunity",
			threshold:   &zero,
			expected:    []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT"},
		},
		{
			name:        "custom",
			description: "explicit threshold is honoured",
			threshold:   &two,
			expected:    nil,
		},
	}

	opps := []model.Opportunity{
		createTestOpportunity("BTCUSDT", "kucoin", "bybit", "1.5"),
		createTestOpportunity("ETHUSDT", "binance", "okx", "1.0"),
		createTestOpportunity("SOLUSDT", "okx", "bybit", "0.47"),
		createTestOpportunity("ADAUSDT", "okx", "binance", "0"),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{name: "rec"}
			n := NewNotifier(Config{AlertThresholdPct: tt.threshold, MessageDelay: -1}, sink)

			require.NoError(t, n.Alert(context.Background(), opps))

			msgs := sink.Messages()
			require.Len(t, msgs, len(tt.expected), tt.description)
			for i, symbol := range tt.expected {
				assert.Contains(t, msgs[i], symbol, tt.description)
			}
		})
	}
}

func Test_Notifier_AlertDelay(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n := NewNotifier(Config{MessageDelay: 250 * time.Millisecond}, sink)

	var slept []time.Duration
	n.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	opps := []model.Opportunity{
		createTestOpportunity("BTCUSDT", "kucoin", "bybit", "2"),
		createTestOpportunity("ETHUSDT", "kucoin", "bybit", "2"),
		createTestOpportunity("SOLUSDT", "kucoin", "bybit", "2"),
	}

	require.NoError(t, n.Alert(context.Background(), opps))
	assert.Len(t, sink.Messages(), 3)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, slept, "delay only between messages")
}

func Test_Notifier_AlertCancelled(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	n := NewNotifier(Config{MessageDelay: time.Hour}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opps := []model.Opportunity{
		createTestOpportunity("BTCUSDT", "kucoin", "bybit", "2"),
		createTestOpportunity("ETHUSDT", "kucoin", "bybit", "2"),
	}

	err := n.Alert(ctx, opps)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sink.Messages(), 1)
}

func Test_Notifier_SinkFailureIsolated(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	good := &recordingSink{name: "good"}
	n := NewNotifier(Config{MessageDelay: -1}, bad, good)

	err := n.Notify(context.Background(), []model.Opportunity{createTestOpportunity("BTCUSDT", "kucoin", "bybit", "3")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")

	assert.Len(t, good.Messages(), 2, "alert and summary still delivered")
	assert.Equal(t, []string{"bad", "good"}, n.Sinks())
}

func Test_FormatSummary(t *testing.T) {
	many := make([]model.Opportunity, 7)
	for i := range many {
		many[i] = createTestOpportunity("BTCUSDT", "kucoin", "bybit", "0.47")
	}

	tests := []struct {
		name     string
		opps     []model.Opportunity
		contains []string
		excludes []string
	}{
		{
			name:     "empty",
			opps:     nil,
			contains: []string{"No arbitrage opportunities found"},
		},
		{
			name:     "single",
			opps:     []model.Opportunity{createTestOpportunity("ETHUSDT", "binance", "okx", "0.2")},
			contains: []string{"Found 1 opportunities", "1. *ETHUSDT*: BINANCE -> OKX (+0.20%)"},
			excludes: []string{"more"},
		},
		{
			name:     "truncated",
			opps:     many,
			contains: []string{"Found 7 opportunities", "5. *BTCUSDT*", "...and 2 more"},
			excludes: []string{"6. "},
		},
		{
			name:     "negative profit",
			opps:     []model.Opportunity{createTestOpportunity("ETHUSDT", "binance", "okx", "-0.1")},
			contains: []string{"(-0.10%)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatSummary(tt.opps, 5)
			for _, c := range tt.contains {
				assert.Contains(t, got, c)
			}
			for _, e := range tt.excludes {
				assert.NotContains(t, got, e)
			}
		})
	}
}

func Test_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	sink := NewFileSink(path)
	sink.now = func() time.Time { return time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC) }

	require.NoError(t, sink.Send(context.Background(), "first"))
	require.NoError(t, sink.Send(context.Background(), "second"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\n[2024-06-01 12:30:00]\nfirst\n\n[2024-06-01 12:30:00]\nsecond\n", string(data))
}

func Test_FileSink_BadPath(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "missing", "alerts.log"))
	assert.Error(t, sink.Send(context.Background(), "x"))
}

func Test_ConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(zerolog.New(&buf))

	require.NoError(t, sink.Send(context.Background(), "hello"))
	out := buf.String()
	assert.True(t, strings.Contains(out, `"sink":"console"`))
	assert.Contains(t, out, "hello")
}
