// Package exchange provides connectors that turn venue market data into
// canonical quotes.
//
// This file implements the OKX connector. It polls the v5 spot tickers REST
// endpoint and streams the public "tickers" WebSocket channel. OKX spells
// instruments with a dash ("BTC-USDT") and drops idle connections unless the
// client sends a literal "ping" text frame at least every 30 seconds.
package exchange

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/websocket"
)

const (
	// okxSuccessCode is the application-level success code of the OKX API.
	okxSuccessCode = "0"

	// okxPingPeriod keeps the stream under the 30 second idle limit.
	okxPingPeriod = 20 * time.Second
)

var (
	// defaultOkxConfig provides default configuration values for OKX connections.
	defaultOkxConfig = ExchangeConfig{
		BaseURL:       "https://www.okx.com",
		StreamURL:     "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols:    100,
		Timeout:       defaultTimeout,
		RetryAttempts: defaultRetryAttempts,
		RetryBackoff:  defaultRetryBackoff,
	}

	okxPing = []byte("ping")
	okxPong = []byte("pong")
)

// OkxConnector implements Fetcher and Streamer for OKX spot markets.
type OkxConnector struct {
	config   ExchangeConfig
	rest     *restClient
	validate *validator.Validate
}

// okxSubscription is the subscribe request sent after connecting.
//
// Example:
//
//	{"op": "subscribe", "args": [{"channel": "tickers", "instId": "BTC-USDT"}]}
type okxSubscription struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

type okxArg struct {
	Channel string `json:"channel" validate:"required,eq=tickers"`
	InstID  string `json:"instId" validate:"required"`
}

// okxTicker is shared by the REST response and the stream push.
type okxTicker struct {
	InstID    string `json:"instId" validate:"required"`
	Last      string `json:"last" validate:"required,numeric"`
	VolCcy24h string `json:"volCcy24h" validate:"omitempty,numeric"`
	TS        string `json:"ts" validate:"omitempty,numeric"`
}

// okxTickersResponse maps GET /api/v5/market/tickers?instType=SPOT.
type okxTickersResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []okxTicker `json:"data"`
}

// okxPush is a stream frame. Event frames (subscribe acks, errors) carry
// Event and no data.
//
// Example push:
//
//	{
//	  "arg": {"channel": "tickers", "instId": "BTC-USDT"},
//	  "data": [{"instId": "BTC-USDT", "last": "50000.1", "volCcy24h": "123456.7", "ts": "1640995200000"}]
//	}
type okxPush struct {
	Event string      `json:"event"`
	Code  string      `json:"code"`
	Msg   string      `json:"msg"`
	Arg   okxArg      `json:"arg"`
	Data  []okxTicker `json:"data"`
}

// NewOkxConnector creates an OKX connector. A nil cfg selects the defaults.
func NewOkxConnector(cfg *ExchangeConfig) (*OkxConnector, error) {
	c := defaultOkxConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultOkxConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &OkxConnector{
		config:   c,
		rest:     newRESTClient(model.OkxExchange, c),
		validate: validator.New(),
	}, nil
}

// Name returns the canonical exchange identifier.
func (oc *OkxConnector) Name() string {
	return model.OkxExchange
}

// FetchAll reads the spot tickers board and keeps the requested symbols.
func (oc *OkxConnector) FetchAll(ctx context.Context, symbols []string) ([]model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, oc.config.MaxSymbols); err != nil {
		return nil, err
	}

	var resp okxTickersResponse
	if err := oc.rest.getJSON(ctx, "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okxSuccessCode {
		return nil, fmt.Errorf("%w: okx code %s: %s", ErrAPI, resp.Code, resp.Msg)
	}

	want := symbolSet(symbols)
	quotes := make([]model.Quote, 0, len(symbols))
	for _, t := range resp.Data {
		if !want[model.NormalizeSymbol(t.InstID)] {
			continue
		}
		q, err := oc.toQuote(t)
		if err != nil {
			log.Warn().Err(err).Str("exchange", model.OkxExchange).Str("symbol", t.InstID).Msg("skipping ticker")
			continue
		}
		quotes = append(quotes, q)
	}

	return quotes, nil
}

// StreamQuotes subscribes to the tickers channel for the symbols.
func (oc *OkxConnector) StreamQuotes(ctx context.Context, symbols []string) (<-chan model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, oc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := oc.buildSubscriptionMessage(symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             oc.config.StreamURL,
		Handler:              oc.handleTickerMessage,
		PingPeriod:           okxPingPeriod,
		TextPing:             okxPing,
		SubscriptionMessages: [][]byte{msg},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create OKX WebSocket client")
		return nil, err
	}

	return client.QuoteChan, nil
}

// buildSubscriptionMessage subscribes every symbol to the tickers channel.
func (oc *OkxConnector) buildSubscriptionMessage(symbols []string) ([]byte, error) {
	args := make([]okxArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, okxArg{
			Channel: "tickers",
			InstID:  utils.FormatWithSeparator(model.NormalizeSymbol(s), "-"),
		})
	}

	return json.Marshal(okxSubscription{Op: "subscribe", Args: args})
}

// handleTickerMessage decodes a stream frame. Heartbeat replies and
// subscription acks produce no quotes; error events are reported.
func (oc *OkxConnector) handleTickerMessage(raw []byte, out chan<- model.Quote) error {
	if bytes.Equal(bytes.TrimSpace(raw), okxPong) {
		return nil
	}

	var msg okxPush
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal OKX message: %w", err)
	}

	switch msg.Event {
	case "":
	case "error":
		return fmt.Errorf("%w: okx event error %s: %s", ErrAPI, msg.Code, msg.Msg)
	default:
		log.Debug().Str("event", msg.Event).Str("instId", msg.Arg.InstID).Msg("okx event")
		return nil
	}

	if err := oc.validate.Struct(&msg.Arg); err != nil {
		return err
	}

	for _, t := range msg.Data {
		q, err := oc.toQuote(t)
		if err != nil {
			return err
		}
		out <- q
	}

	return nil
}

func (oc *OkxConnector) toQuote(t okxTicker) (model.Quote, error) {
	if err := oc.validate.Struct(&t); err != nil {
		return model.Quote{}, err
	}

	var ts int64
	if t.TS != "" {
		v, err := strconv.ParseInt(t.TS, 10, 64)
		if err != nil {
			return model.Quote{}, fmt.Errorf("invalid timestamp %q: %w", t.TS, err)
		}
		ts = v
	}

	return parseQuote(model.OkxExchange, t.InstID, t.Last, t.VolCcy24h, timeOrNow(ts))
}
