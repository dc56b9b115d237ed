package exchange

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
)

var (
	// defaultBybitConfig provides default configuration values for Bybit connections.
	defaultBybitConfig = ExchangeConfig{
		BaseURL:       "https://api.bybit.com",
		MaxSymbols:    100,
		Timeout:       defaultTimeout,
		RetryAttempts: defaultRetryAttempts,
		RetryBackoff:  defaultRetryBackoff,
	}
)

// BybitConnector implements Fetcher over the Bybit v5 spot tickers endpoint.
type BybitConnector struct {
	config   ExchangeConfig
	rest     *restClient
	validate *validator.Validate
}

// bybitTickersResponse maps GET /v5/market/tickers?category=spot.
type bybitTickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string        `json:"category"`
		List     []bybitTicker `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

type bybitTicker struct {
	Symbol      string `json:"symbol" validate:"required"`
	LastPrice   string `json:"lastPrice" validate:"required,numeric"`
	Volume24h   string `json:"volume24h" validate:"omitempty,numeric"`
	Turnover24h string `json:"turnover24h" validate:"omitempty,numeric"`
}

// NewBybitConnector creates a Bybit connector. A nil cfg selects the defaults.
func NewBybitConnector(cfg *ExchangeConfig) (*BybitConnector, error) {
	c := defaultBybitConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultBybitConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BybitConnector{
		config:   c,
		rest:     newRESTClient(model.BybitExchange, c),
		validate: validator.New(),
	}, nil
}

// Name returns the canonical exchange identifier.
func (bc *BybitConnector) Name() string {
	return model.BybitExchange
}

// FetchAll reads a single symbol directly or the whole spot board for
// several, keeping only the requested symbols.
func (bc *BybitConnector) FetchAll(ctx context.Context, symbols []string) ([]model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, bc.config.MaxSymbols); err != nil {
		return nil, err
	}

	query := url.Values{"category": {"spot"}}
	if len(symbols) == 1 {
		query.Set("symbol", model.NormalizeSymbol(symbols[0]))
	}

	var resp bybitTickersResponse
	if err := bc.rest.getJSON(ctx, "/v5/market/tickers", query, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%w: bybit retCode %d: %s", ErrAPI, resp.RetCode, resp.RetMsg)
	}

	want := symbolSet(symbols)
	observedAt := timeOrNow(resp.Time)
	quotes := make([]model.Quote, 0, len(symbols))
	for _, t := range resp.Result.List {
		if !want[model.NormalizeSymbol(t.Symbol)] {
			continue
		}
		if err := bc.validate.Struct(&t); err != nil {
			log.Warn().Err(err).Str("exchange", model.BybitExchange).Str("symbol", t.Symbol).Msg("skipping ticker")
			continue
		}

		q, err := parseQuote(model.BybitExchange, t.Symbol, t.LastPrice, t.Turnover24h, observedAt)
		if err != nil {
			log.Warn().Err(err).Str("exchange", model.BybitExchange).Msg("skipping ticker")
			continue
		}
		quotes = append(quotes, q)
	}

	return quotes, nil
}
