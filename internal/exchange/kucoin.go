package exchange

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
)

// kucoinSuccessCode is the application-level success code of the KuCoin API.
const kucoinSuccessCode = "200000"

var (
	// defaultKucoinConfig provides default configuration values for KuCoin connections.
	defaultKucoinConfig = ExchangeConfig{
		BaseURL:       "https://api.kucoin.com",
		MaxSymbols:    100,
		Timeout:       defaultTimeout,
		RetryAttempts: defaultRetryAttempts,
		RetryBackoff:  defaultRetryBackoff,
	}
)

// KucoinConnector implements Fetcher over the KuCoin all-tickers snapshot.
// KuCoin spells symbols with a dash ("BTC-USDT").
type KucoinConnector struct {
	config   ExchangeConfig
	rest     *restClient
	validate *validator.Validate
}

// kucoinTickersResponse maps GET /api/v1/market/allTickers.
type kucoinTickersResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Time   int64          `json:"time"`
		Ticker []kucoinTicker `json:"ticker"`
	} `json:"data"`
}

// kucoinTicker fields are nullable for suspended markets, hence pointers.
type kucoinTicker struct {
	Symbol   string  `json:"symbol" validate:"required"`
	Last     *string `json:"last" validate:"required,numeric"`
	VolValue *string `json:"volValue" validate:"omitempty,numeric"`
}

// NewKucoinConnector creates a KuCoin connector. A nil cfg selects the defaults.
func NewKucoinConnector(cfg *ExchangeConfig) (*KucoinConnector, error) {
	c := defaultKucoinConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultKucoinConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &KucoinConnector{
		config:   c,
		rest:     newRESTClient(model.KucoinExchange, c),
		validate: validator.New(),
	}, nil
}

// Name returns the canonical exchange identifier.
func (kc *KucoinConnector) Name() string {
	return model.KucoinExchange
}

// FetchAll reads every ticker in one request and keeps the requested symbols.
func (kc *KucoinConnector) FetchAll(ctx context.Context, symbols []string) ([]model.Quote, error) {
	if err := utils.ValidateSymbols(symbols, kc.config.MaxSymbols); err != nil {
		return nil, err
	}

	var resp kucoinTickersResponse
	if err := kc.rest.getJSON(ctx, "/api/v1/market/allTickers", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != kucoinSuccessCode {
		return nil, fmt.Errorf("%w: kucoin code %s: %s", ErrAPI, resp.Code, resp.Msg)
	}

	want := symbolSet(symbols)
	observedAt := timeOrNow(resp.Data.Time)
	quotes := make([]model.Quote, 0, len(symbols))
	for _, t := range resp.Data.Ticker {
		if !want[model.NormalizeSymbol(t.Symbol)] {
			continue
		}
		if err := kc.validate.Struct(&t); err != nil {
			log.Warn().Err(err).Str("exchange", model.KucoinExchange).Str("symbol", t.Symbol).Msg("skipping ticker")
			continue
		}

		volume := ""
		if t.VolValue != nil {
			volume = *t.VolValue
		}
		q, err := parseQuote(model.KucoinExchange, t.Symbol, *t.Last, volume, observedAt)
		if err != nil {
			log.Warn().Err(err).Str("exchange", model.KucoinExchange).Msg("skipping ticker")
			continue
		}
		quotes = append(quotes, q)
	}

	return quotes, nil
}
