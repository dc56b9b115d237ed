// Package exchange provides connectors that turn venue market data into
// canonical quotes.
//
// The Binance connector polls the 24h ticker statistics through the official
// REST client and can also stream the combined "<symbol>@ticker" WebSocket
// feed. Both paths yield the last traded price and the 24h quote volume.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gbinance "github.com/adshao/go-binance/v2"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/websocket"
)

var (
	// defaultBinanceConfig provides default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:       "https://api.binance.com",
		StreamURL:     "wss://stream.binance.com:9443",
		MaxSymbols:    100,
		Timeout:       defaultTimeout,
		RetryAttempts: defaultRetryAttempts,
		RetryBackoff:  defaultRetryBackoff,
	}
)

// BinanceConnector implements Fetcher and Streamer for Binance spot markets.
type BinanceConnector struct {
	config   ExchangeConfig      // Validated configuration
	client   *gbinance.Client    // REST client pointed at config.BaseURL
	validate *validator.Validate // Validator for stream payloads
}

// binanceStreamMsg is the outer wrapper of a combined stream frame.
//
// Example:
//
//	{
//		"stream": "btcusdt@ticker",
//		"data": {"e": "24hrTicker", "E": 1634567890123, "s": "BTCUSDT", "c": "50000.12", "q": "12345.6"}
//	}
type binanceStreamMsg struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// binanceTicker is the 24hr ticker payload; only the fields used are mapped.
type binanceTicker struct {
	Event       string `json:"e" validate:"required,eq=24hrTicker"`
	EventTime   int64  `json:"E" validate:"required,gt=0"`
	Symbol      string `json:"s" validate:"required"`
	LastPrice   string `json:"c" validate:"required,numeric"`
	QuoteVolume string `json:"q" validate:"omitempty,numeric"`
}

// NewBinanceConnector creates a Binance connector. A nil cfg selects the defaults.
func NewBinanceConnector(cfg *ExchangeConfig) (*BinanceConnector, error) {
	c := defaultBinanceConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	client := gbinance.NewClient("", "")
	client.BaseURL = strings.TrimRight(c.BaseURL, "/")
	client.HTTPClient = &http.Client{Timeout: c.Timeout}

	return &BinanceConnector{
		config:   c,
		client:   client,
		validate: validator.New(),
	}, nil
}

// Name returns the canonical exchange identifier.
func (bc *BinanceConnector) Name() string {
	return model.BinanceExchange
}

// FetchAll requests 24h statistics for all symbols in one call. Symbols
// Binance does not list make the whole request fail on the venue side, so
// the caller should only pass symbols it trades.
func (bc *BinanceConnector) FetchAll(ctx context.Context, symbols []string) ([]model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, bc.config.MaxSymbols); err != nil {
		return nil, err
	}

	var stats []*gbinance.PriceChangeStats
	err := withRetry(ctx, bc.config.RetryAttempts, bc.config.RetryBackoff, func(ctx context.Context) error {
		var err error
		stats, err = bc.client.NewListPriceChangeStatsService().Symbols(symbols).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: binance ticker/24hr: %v", ErrAPI, err)
	}

	want := symbolSet(symbols)
	quotes := make([]model.Quote, 0, len(stats))
	for _, s := range stats {
		if s == nil || !want[s.Symbol] {
			continue
		}
		q, err := parseQuote(model.BinanceExchange, s.Symbol, s.LastPrice, s.QuoteVolume, timeOrNow(s.CloseTime))
		if err != nil {
			log.Warn().Err(err).Str("exchange", model.BinanceExchange).Str("symbol", s.Symbol).Msg("skipping ticker")
			continue
		}
		quotes = append(quotes, q)
	}

	return quotes, nil
}

// StreamQuotes subscribes to the combined ticker stream for the symbols.
func (bc *BinanceConnector) StreamQuotes(ctx context.Context, symbols []string) (<-chan model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, bc.config.MaxSymbols); err != nil {
		return nil, err
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint: bc.buildStreamURL(symbols),
		Handler:  bc.handleTickerMessage,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create Binance WebSocket client")
		return nil, err
	}

	return client.QuoteChan, nil
}

// buildStreamURL constructs the combined stream URL:
// <stream>/stream?streams=btcusdt@ticker/ethusdt@ticker
func (bc *BinanceConnector) buildStreamURL(symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(model.NormalizeSymbol(s))+"@ticker")
	}

	return fmt.Sprintf("%s/stream?streams=%s",
		strings.TrimRight(bc.config.StreamURL, "/"), strings.Join(streams, "/"))
}

// handleTickerMessage decodes one combined stream frame into a quote.
func (bc *BinanceConnector) handleTickerMessage(raw []byte, out chan<- model.Quote) error {
	var m binanceStreamMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid outer JSON: %w", err)
	}
	if err := bc.validate.Struct(&m); err != nil {
		return err
	}

	var t binanceTicker
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return fmt.Errorf("invalid ticker payload JSON: %w", err)
	}
	if err := bc.validate.Struct(&t); err != nil {
		return err
	}

	q, err := parseQuote(model.BinanceExchange, t.Symbol, t.LastPrice, t.QuoteVolume, timeOrNow(t.EventTime))
	if err != nil {
		return err
	}

	out <- q
	return nil
}
