// Package model defines core data types for the arbitrage monitor.
//
// This package contains the two value objects that flow through the system:
// a Quote observed at one exchange and an Opportunity computed from a snapshot
// of quotes. All monetary values use decimal.Decimal for precise financial
// calculations; a float rendering is never used for comparisons.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidQuote is returned when a quote violates its construction invariants.
var ErrInvalidQuote = errors.New("invalid quote")

// Exchange identifiers in their canonical lower-case form.
const (
	BinanceExchange = "binance"
	BybitExchange   = "bybit"
	KucoinExchange  = "kucoin"
	OkxExchange     = "okx"
)

// Quote represents a single observed price at one exchange for one symbol.
//
// A Quote is immutable once constructed. Use NewQuote to build one; it
// normalises identifiers and rejects non-positive prices so downstream
// components never see an invalid observation.
type Quote struct {
	Exchange   string           `json:"exchange"`   // Canonical lower-case exchange id (e.g., "bybit")
	Symbol     string           `json:"symbol"`     // Canonical trading pair (e.g., "BTCUSDT")
	Price      decimal.Decimal  `json:"price"`      // Quote currency per base unit
	Volume24h  *decimal.Decimal `json:"volume_24h"` // Optional 24h volume, informational only
	ObservedAt time.Time        `json:"timestamp"`  // Time of capture
}

// NewQuote validates and normalises the given observation.
//
// The exchange identifier is trimmed and lower-cased, the symbol is
// stripped of separators and upper-cased. volume may be nil.
func NewQuote(exchange, symbol string, price decimal.Decimal, volume *decimal.Decimal, observedAt time.Time) (Quote, error) {
	q := Quote{
		Exchange:   NormalizeExchange(exchange),
		Symbol:     NormalizeSymbol(symbol),
		Price:      price,
		ObservedAt: observedAt,
	}
	if volume != nil {
		v := *volume
		q.Volume24h = &v
	}

	if err := q.Validate(); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// Validate reports whether the quote satisfies its invariants.
func (q Quote) Validate() error {
	if q.Exchange == "" {
		return fmt.Errorf("%w: exchange cannot be empty", ErrInvalidQuote)
	}
	if q.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidQuote)
	}
	if q.Exchange != NormalizeExchange(q.Exchange) {
		return fmt.Errorf("%w: exchange %q is not canonical", ErrInvalidQuote, q.Exchange)
	}
	if q.Symbol != NormalizeSymbol(q.Symbol) {
		return fmt.Errorf("%w: symbol %q is not canonical", ErrInvalidQuote, q.Symbol)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidQuote, q.Price)
	}
	if q.Volume24h != nil && q.Volume24h.IsNegative() {
		return fmt.Errorf("%w: volume cannot be negative, got %s", ErrInvalidQuote, q.Volume24h)
	}
	return nil
}

// Key returns the cache key identifying this quote's (exchange, symbol) slot.
func (q Quote) Key() string {
	return QuoteKey(q.Exchange, q.Symbol)
}

// QuoteKey builds the "exchange:symbol" key used by caches.
func QuoteKey(exchange, symbol string) string {
	return NormalizeExchange(exchange) + ":" + NormalizeSymbol(symbol)
}

// NormalizeExchange converts an exchange name to its canonical lower-case form.
func NormalizeExchange(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// symbolSeparators are removed from exchange-specific symbol spellings.
var symbolSeparators = strings.NewReplacer("-", "", "_", "", "/", "", " ", "")

// NormalizeSymbol converts exchange-specific spellings ("BTC-USDT", "btc_usdt")
// into the canonical form ("BTCUSDT").
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(symbolSeparators.Replace(strings.TrimSpace(symbol)))
}

// Opportunity represents a cross-exchange price discrepancy for one symbol.
//
// The cheaper side is always assigned to Buy, so PriceDiff is never negative.
// Opportunities are value objects created fresh on every computation.
//
// Fields:
//   - PriceDiff: SellPrice - BuyPrice
//   - PriceDiffPct: PriceDiff / BuyPrice * 100
//   - EstimatedProfitPct: PriceDiffPct minus both exchanges' fee percentages
type Opportunity struct {
	Symbol             string          `json:"symbol"`
	BuyExchange        string          `json:"buy_exchange"`
	SellExchange       string          `json:"sell_exchange"`
	BuyPrice           decimal.Decimal `json:"buy_price"`
	SellPrice          decimal.Decimal `json:"sell_price"`
	PriceDiff          decimal.Decimal `json:"price_diff"`
	PriceDiffPct       decimal.Decimal `json:"price_diff_pct"`
	EstimatedProfitPct decimal.Decimal `json:"estimated_profit_pct"`
	ComputedAt         time.Time       `json:"timestamp"`
}

// highValueProfitPct marks opportunities worth a louder alert.
var highValueProfitPct = decimal.NewFromInt(1)

// IsProfitable reports whether the opportunity still yields a positive
// estimated profit after fees.
func (o Opportunity) IsProfitable() bool {
	return o.EstimatedProfitPct.IsPositive()
}

// Message renders a human-readable alert for notification sinks.
func (o Opportunity) Message() string {
	marker := "[ARB]"
	if o.EstimatedProfitPct.GreaterThan(highValueProfitPct) {
		marker = "[ARB HIGH]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s Arbitrage opportunity detected\n\n", marker)
	fmt.Fprintf(&b, "Coin: %s\n", o.Symbol)
	fmt.Fprintf(&b, "Buy: %s at $%s\n", strings.ToUpper(o.BuyExchange), o.BuyPrice.StringFixed(2))
	fmt.Fprintf(&b, "Sell: %s at $%s\n", strings.ToUpper(o.SellExchange), o.SellPrice.StringFixed(2))
	fmt.Fprintf(&b, "Price Difference: %s%%\n", o.PriceDiffPct.StringFixed(2))
	fmt.Fprintf(&b, "Estimated Profit: %s%%\n", o.EstimatedProfitPct.StringFixed(2))
	fmt.Fprintf(&b, "Time: %s", o.ComputedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

// String implements fmt.Stringer with a compact one-line rendering.
func (o Opportunity) String() string {
	return fmt.Sprintf("%s: buy %s @ %s, sell %s @ %s, profit %s%%",
		o.Symbol, o.BuyExchange, o.BuyPrice, o.SellExchange, o.SellPrice,
		o.EstimatedProfitPct.StringFixed(4))
}
