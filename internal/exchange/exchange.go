package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// ErrUnknownExchange is returned by the constructors for an unsupported venue name.
var ErrUnknownExchange = errors.New("unknown exchange")

// Fetcher polls a venue for the latest quote of each requested symbol.
//
// FetchAll returns quotes for the symbols the venue lists; symbols it does
// not trade are silently absent. Symbols are canonical (e.g. "BTCUSDT").
type Fetcher interface {
	Name() string
	FetchAll(ctx context.Context, symbols []string) ([]model.Quote, error)
}

// Streamer pushes quotes as the venue publishes them. The channel is closed
// when the underlying connection ends or ctx is cancelled.
type Streamer interface {
	Name() string
	StreamQuotes(ctx context.Context, symbols []string) (<-chan model.Quote, error)
}

// NewFetcher builds the polling connector for the named venue. A nil cfg
// selects the venue defaults.
func NewFetcher(name string, cfg *ExchangeConfig) (Fetcher, error) {
	switch model.NormalizeExchange(name) {
	case model.BinanceExchange:
		c, err := NewBinanceConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case model.BybitExchange:
		c, err := NewBybitConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case model.KucoinExchange:
		c, err := NewKucoinConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case model.OkxExchange:
		c, err := NewOkxConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
}

// NewStreamer builds the streaming connector for the named venue.
func NewStreamer(name string, cfg *ExchangeConfig) (Streamer, error) {
	switch model.NormalizeExchange(name) {
	case model.BinanceExchange:
		c, err := NewBinanceConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case model.OkxExchange:
		c, err := NewOkxConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q does not stream", ErrUnknownExchange, name)
	}
}
