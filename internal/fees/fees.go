// Package fees provides the per-exchange trading fee lookup used when
// estimating fee-adjusted arbitrage profit.
package fees

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Table is an immutable mapping from exchange identifier to its trading fee
// percentage (0.01 means 0.01%). Lookups are case-insensitive and exchanges
// without an entry resolve to the default fee.
type Table struct {
	fees       map[string]decimal.Decimal
	defaultFee decimal.Decimal
}

// New builds a fee table. The input map is copied; later changes to it do
// not affect the table.
func New(feeByExchange map[string]decimal.Decimal, defaultFee decimal.Decimal) *Table {
	fees := make(map[string]decimal.Decimal, len(feeByExchange))
	for exchange, fee := range feeByExchange {
		fees[normalize(exchange)] = fee
	}
	return &Table{fees: fees, defaultFee: defaultFee}
}

// FromFloats builds a fee table from float percentages as they appear in
// configuration files.
func FromFloats(feeByExchange map[string]float64, defaultFee float64) *Table {
	fees := make(map[string]decimal.Decimal, len(feeByExchange))
	for exchange, fee := range feeByExchange {
		fees[exchange] = decimal.NewFromFloat(fee)
	}
	return New(fees, decimal.NewFromFloat(defaultFee))
}

// Fee returns the fee percentage for the exchange.
func (t *Table) Fee(exchange string) decimal.Decimal {
	if fee, ok := t.fees[normalize(exchange)]; ok {
		return fee
	}
	return t.defaultFee
}

// Total returns the summed fee percentage of a buy leg and a sell leg.
// Fees are added, never compounded.
func (t *Table) Total(buyExchange, sellExchange string) decimal.Decimal {
	return t.Fee(buyExchange).Add(t.Fee(sellExchange))
}

// Default returns the fee applied to exchanges without an entry.
func (t *Table) Default() decimal.Decimal {
	return t.defaultFee
}

// Exchanges returns the exchanges with an explicit entry.
func (t *Table) Exchanges() []string {
	out := make([]string, 0, len(t.fees))
	for exchange := range t.fees {
		out = append(out, exchange)
	}
	return out
}

func normalize(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}
